//  Copyright (c) 2014 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the
//  License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing,
//  software distributed under the License is distributed on an "AS
//  IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
//  express or implied. See the License for the specific language
//  governing permissions and limitations under the License.

package dcpstream

import "fmt"

// ProtocolViolation reports a malformed frame or a frame that breaks
// a protocol invariant (e.g. a mutation outside its snapshot window).
// It is always fatal for the Channel that saw it; the
// Conductor tears the channel down and reopens it.
type ProtocolViolation struct {
	Component string
	Err       error
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("dcpstream: protocol violation in %s: %v", e.Component, e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// HandshakeFailure reports a Channel that never reached
// channel.PhaseReady: auth rejected, bucket not found, a required
// feature not honored, or the handshake deadline expiring.
// Permanent marks failures no amount of retrying will fix (bad
// credentials, no such bucket). The Client does not set it: every
// HandshakeFailure it builds has Permanent false, and bootstrap keeps
// retrying the seed nodes regardless.
type HandshakeFailure struct {
	Addr      string
	Err       error
	Permanent bool
}

func (e *HandshakeFailure) Error() string {
	return fmt.Sprintf("dcpstream: handshake with %s failed: %v", e.Addr, e.Err)
}

func (e *HandshakeFailure) Unwrap() error { return e.Err }

// Fatal reports a condition this client cannot auto-recover from; the
// Client produces it for a vetoed rollback. Once
// reported, the affected vbucket's stream does not reopen on its own;
// the caller must restart it explicitly (typically after operator
// intervention).
type Fatal struct {
	VBucket uint16
	Err     error
}

func (e *Fatal) Error() string {
	return fmt.Sprintf("dcpstream: fatal error on vbucket %d: %v", e.VBucket, e.Err)
}

func (e *Fatal) Unwrap() error { return e.Err }
