// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package room manages one collaboration session: creating or joining a
// room through a [Service], the session state machine, the roster of
// peers and their keys, join approval on the host, and permissions.
//
// A [Session] starts Idle. [Session.Create] moves it through Creating to
// Active as the host; [Session.Join] moves it through Joining to Active
// as a guest, or back to Idle if the host declines. Closed is terminal:
// a session closes when it leaves, when the host leaves or closes the
// room, or when its connection shuts down.
//
// The relay assigns identities and announces membership in plaintext
// control messages (peer/info, room/joined, room/left, room/closed).
// After its link recovers, a session receives room/roster and reconciles
// its roster with it, picking up peers that joined or left meanwhile.
// The host answers join requests and sends each new guest a sealed
// peer/init snapshot with the full roster, the workspace, and the
// current permissions. A declined guest never opens a transport, so it
// learns nothing about the room.
//
// Roster changes are observable through [Session.Subscribe]. Events are
// delivered on the connection's event loop goroutine; subscribers must
// not block on requests.
package room
