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

package channel

import "fmt"

// Phase is one step of the linear handshake a Channel runs before it
// is usable for streaming.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseHandshakeSSL
	PhaseAuth
	PhaseHello
	PhaseSelectBucket
	PhaseDCPOpen
	PhaseDCPControl
	PhaseReady
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseHandshakeSSL:
		return "HANDSHAKE_SSL"
	case PhaseAuth:
		return "AUTH"
	case PhaseHello:
		return "HELLO"
	case PhaseSelectBucket:
		return "SELECT_BUCKET"
	case PhaseDCPOpen:
		return "DCP_OPEN"
	case PhaseDCPControl:
		return "DCP_CONTROL"
	case PhaseReady:
		return "READY"
	case PhaseClosing:
		return "CLOSING"
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}
