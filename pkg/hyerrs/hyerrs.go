/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package hyerrs catalogues the error kinds the Hydra core distinguishes.
//
// Post and Ledger return these wrapped with github.com/pkg/errors so callers
// can recover the kind with errors.Is/errors.As while still getting a useful
// stack-annotated message. The Sync Client does not branch on these kinds:
// it maps a failed connect to bad_endpoint and a failed receive to
// bad_endpoint or expired, whatever the wrapped kind (see syncclient).
package hyerrs

import "github.com/pkg/errors"

// Sentinel error kinds, one per row of spec §7.
var (
	// ErrBadEndpoint means the transport could not connect to the given
	// endpoint at all.
	ErrBadEndpoint = errors.New("bad server endpoint")

	// ErrTransportFailure means the transport dropped mid-session.
	ErrTransportFailure = errors.New("transport failure")

	// ErrHeartbeatExpired means three consecutive heartbeats went
	// unanswered.
	ErrHeartbeatExpired = errors.New("heartbeat expired")

	// ErrProtocolInvalid wraps a COMMAND-INVALID status from the peer.
	ErrProtocolInvalid = errors.New("protocol command invalid")

	// ErrServerInternal wraps any other non-OK status from the peer.
	ErrServerInternal = errors.New("internal server error")

	// ErrDuplicatePost names the case of a HEADER-OK ident already present
	// in the local ledger. The Sync Client detects it with Ledger.Contains,
	// without returning this error, and recovers locally; it never surfaces
	// as a FAILURE.
	ErrDuplicatePost = errors.New("duplicate post")

	// ErrIO covers Post/Ledger filesystem failures.
	ErrIO = errors.New("i/o error")

	// ErrParse covers a malformed post or config file on load. Callers
	// skip the offending file rather than treat this as fatal.
	ErrParse = errors.New("parse error")
)

// Wrap annotates err with a message while preserving errors.Is matching
// against kind.
func Wrap(kind error, err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(&kindError{kind: kind, cause: err}, message)
}

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Is(target error) bool {
	return target == e.kind
}
