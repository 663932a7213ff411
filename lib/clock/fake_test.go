// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	fired := 0
	fake.AfterFunc(10*time.Second, func() { fired++ })

	fake.Advance(9 * time.Second)
	if fired != 0 {
		t.Fatalf("fired after 9s: got %d calls, want 0", fired)
	}
	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired after 10s: got %d calls, want 1", fired)
	}
	fake.Advance(time.Hour)
	if fired != 1 {
		t.Errorf("one-shot timer fired again: got %d calls", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	fake.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", fake.PendingCount())
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	var order []string
	fake.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	fake.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	fake.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	fake.Advance(5 * time.Second)
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for index := range want {
		if order[index] != want[index] {
			t.Errorf("order[%d] = %q, want %q", index, order[index], want[index])
		}
	}
}

func TestFakeTicker(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	fake.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("tick before the interval elapsed")
	default:
	}
}

func TestFakeAfterAndNow(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	channel := fake.After(time.Minute)
	fake.Advance(time.Minute)

	select {
	case got := <-channel:
		if !got.Equal(epoch.Add(time.Minute)) {
			t.Errorf("After delivered %v, want %v", got, epoch.Add(time.Minute))
		}
	default:
		t.Fatal("After channel not ready")
	}
	if !fake.Now().Equal(epoch.Add(time.Minute)) {
		t.Errorf("Now = %v", fake.Now())
	}
}

func TestWaitForTimers(t *testing.T) {
	t.Parallel()
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Second)
		close(done)
	}()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	<-done
}
