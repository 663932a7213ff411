// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownPeer is the cause of an EncryptionError when no public key
// is registered for a target or origin.
var ErrUnknownPeer = errors.New("unknown peer")

// ErrDecryptionFailure is the cause of an EncryptionError when an
// authentication tag does not verify. It is never downgraded to a
// warning.
var ErrDecryptionFailure = errors.New("decryption failure")

// TransportError is a network-level failure of the underlying channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EncryptionError reports a sealing or opening failure for one peer.
type EncryptionError struct {
	PeerID string
	Err    error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption: peer %q: %v", e.PeerID, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// ProtocolError is a malformed envelope or an unroutable method.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %s", e.Method, e.Reason)
}

// Application error codes.
const (
	CodeJoinDeclined     = "join_declined"
	CodePermissionDenied = "permission_denied"
	CodeNotHost          = "not_host"
	CodeRoomClosed       = "room_closed"
	CodeRoomNotFound     = "room_not_found"
	CodeNotFound         = "not_found"
	CodeExists           = "exists"
	CodeUnhandledMethod  = "unhandled_method"
)

// ApplicationError is an expected, presentable outcome.
//
//	var appErr *protocol.ApplicationError
//	if errors.As(err, &appErr) && appErr.Code == protocol.CodeJoinDeclined { ... }
type ApplicationError struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsApplicationError reports whether err carries an ApplicationError
// with code.
func IsApplicationError(err error, code string) bool {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// RemoteError is a failure returned by a request handler on another
// peer. Code is set when the remote side returned an ApplicationError.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// Unwrap exposes a coded remote failure as an ApplicationError so
// IsApplicationError works across the wire.
func (e *RemoteError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	return &ApplicationError{Code: e.Code, Message: e.Message}
}

// IsUnknownPeer reports whether err is an EncryptionError caused by a
// missing key.
func IsUnknownPeer(err error) bool { return errors.Is(err, ErrUnknownPeer) }

// IsDecryptionFailure reports whether err is an EncryptionError caused
// by a failed authentication tag.
func IsDecryptionFailure(err error) bool { return errors.Is(err, ErrDecryptionFailure) }
