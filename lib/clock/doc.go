// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by cowork.
//
// Components take a [Clock] in their Config instead of calling the time
// package. Production wiring passes [Real]; tests pass [Fake] and move
// time with Advance, so request timeouts, relay grace periods, and
// resync tickers are exercised without sleeping:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	conn := connection.New(connection.Config{Clock: fake, ...})
//	go conn.SendRequest(ctx, "fs/stat", host, path)
//	fake.WaitForTimers(1)
//	fake.Advance(30 * time.Second) // request now fails with ErrTimeout
package clock
