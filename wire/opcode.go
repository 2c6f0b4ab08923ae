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

// Package wire implements the length-prefixed binary memcached/DCP
// framing described by the Couchbase Database Change Protocol: a
// fixed 24-byte header followed by extras, key and value sections
// whose lengths the header carries. It decodes complete frames only,
// never partial ones, and is the identity-preserving codec the rest
// of this module builds on (Decode ∘ Encode is the identity for every
// opcode below).
package wire

import "fmt"

// Opcode identifies the operation a frame performs, in both the
// connection-setup handshake and steady-state DCP messaging.
type Opcode uint8

const (
	OpGet          Opcode = 0x00
	OpSaslListMechs Opcode = 0x20
	OpSaslAuth      Opcode = 0x21
	OpSaslStep      Opcode = 0x22
	OpHello         Opcode = 0x1f
	OpSelectBucket  Opcode = 0x89

	OpGetClusterConfig Opcode = 0xb5
	OpObserveSeqno      Opcode = 0x91

	OpDCPOpenConnection Opcode = 0x50
	OpDCPAddStream      Opcode = 0x51
	OpDCPCloseStream    Opcode = 0x52
	OpDCPStreamRequest  Opcode = 0x53
	OpDCPGetFailoverLog Opcode = 0x54
	OpDCPStreamEnd      Opcode = 0x55
	OpDCPSnapshotMarker Opcode = 0x56
	OpDCPMutation       Opcode = 0x57
	OpDCPDeletion       Opcode = 0x58
	OpDCPExpiration     Opcode = 0x59
	OpDCPSetVBucketState Opcode = 0x5b
	OpDCPNoop           Opcode = 0x5c
	OpDCPBufferAck      Opcode = 0x5d
	OpDCPControl        Opcode = 0x5e
	OpDCPSystemEvent    Opcode = 0x5f
	OpDCPSeqnoAdvanced  Opcode = 0x64
	OpDCPOSOSnapshot    Opcode = 0x65
)

var opcodeNames = map[Opcode]string{
	OpGet:                "GET",
	OpSaslListMechs:      "SASL_LIST_MECHS",
	OpSaslAuth:           "SASL_AUTH",
	OpSaslStep:           "SASL_STEP",
	OpHello:              "HELLO",
	OpSelectBucket:       "SELECT_BUCKET",
	OpGetClusterConfig:   "GET_CLUSTER_CONFIG",
	OpObserveSeqno:       "OBSERVE_SEQNO",
	OpDCPOpenConnection:  "DCP_OPEN_CONNECTION",
	OpDCPAddStream:       "DCP_ADD_STREAM",
	OpDCPCloseStream:     "DCP_CLOSE_STREAM",
	OpDCPStreamRequest:   "DCP_STREAM_REQUEST",
	OpDCPGetFailoverLog:  "DCP_GET_FAILOVER_LOG",
	OpDCPStreamEnd:       "DCP_STREAM_END",
	OpDCPSnapshotMarker:  "DCP_SNAPSHOT_MARKER",
	OpDCPMutation:        "DCP_MUTATION",
	OpDCPDeletion:        "DCP_DELETION",
	OpDCPExpiration:      "DCP_EXPIRATION",
	OpDCPSetVBucketState: "DCP_SET_VBUCKET_STATE",
	OpDCPNoop:            "DCP_NOOP",
	OpDCPBufferAck:       "DCP_BUFFER_ACK",
	OpDCPControl:         "DCP_CONTROL",
	OpDCPSystemEvent:     "DCP_SYSTEM_EVENT",
	OpDCPSeqnoAdvanced:   "DCP_SEQNO_ADVANCED",
	OpDCPOSOSnapshot:     "DCP_OSO_SNAPSHOT",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(0x%02x)", uint8(op))
}

// IsDataBearing reports whether a frame of this opcode counts towards
// flow-control unacked bytes: every mutation, deletion,
// expiration, snapshot marker, system event, OSO snapshot, seqno
// advance and stream end.
func (op Opcode) IsDataBearing() bool {
	switch op {
	case OpDCPMutation, OpDCPDeletion, OpDCPExpiration,
		OpDCPSnapshotMarker, OpDCPSystemEvent, OpDCPOSOSnapshot,
		OpDCPSeqnoAdvanced, OpDCPStreamEnd:
		return true
	}
	return false
}

// Status is the response-frame status code.
type Status uint16

const (
	StatusSuccess       Status = 0x0000
	StatusKeyNotFound   Status = 0x0001
	StatusNotMyVBucket  Status = 0x0007
	StatusAuthError     Status = 0x0020
	StatusRollback      Status = 0x0023
	StatusNotSupported  Status = 0x0083
	StatusInternalError Status = 0x0084
	StatusEBusy         Status = 0x0085
	StatusEnomem        Status = 0x0082
)

var statusNames = map[Status]string{
	StatusSuccess:       "SUCCESS",
	StatusKeyNotFound:   "KEY_ENOENT",
	StatusNotMyVBucket:  "NOT_MY_VBUCKET",
	StatusAuthError:     "AUTH_ERROR",
	StatusRollback:      "ROLLBACK",
	StatusNotSupported:  "NOT_SUPPORTED",
	StatusInternalError: "INTERNAL_ERROR",
	StatusEBusy:         "EBUSY",
	StatusEnomem:        "ENOMEM",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(0x%04x)", uint16(s))
}

// StreamEndReason is the body of a DCP_STREAM_END frame.
type StreamEndReason uint32

const (
	StreamEndOK               StreamEndReason = 0x00
	StreamEndClosed           StreamEndReason = 0x01
	StreamEndStateChanged     StreamEndReason = 0x02
	StreamEndDisconnected     StreamEndReason = 0x03
	StreamEndTooSlow          StreamEndReason = 0x04
	StreamEndBackfillFail     StreamEndReason = 0x05
	StreamEndRollback         StreamEndReason = 0x06
	StreamEndFilterEmpty      StreamEndReason = 0x07
	StreamEndLostPrivileges   StreamEndReason = 0x08
	StreamEndChannelDropped   StreamEndReason = 0xffff // synthetic, never on the wire
)

func (r StreamEndReason) String() string {
	switch r {
	case StreamEndOK:
		return "OK"
	case StreamEndClosed:
		return "CLOSED"
	case StreamEndStateChanged:
		return "STATE_CHANGED"
	case StreamEndDisconnected:
		return "DISCONNECTED"
	case StreamEndTooSlow:
		return "TOO_SLOW"
	case StreamEndBackfillFail:
		return "BACKFILL_FAIL"
	case StreamEndRollback:
		return "ROLLBACK"
	case StreamEndFilterEmpty:
		return "FILTER_EMPTY"
	case StreamEndLostPrivileges:
		return "LOST_PRIVILEGES"
	case StreamEndChannelDropped:
		return "CHANNEL_DROPPED"
	}
	return fmt.Sprintf("STREAM_END(0x%x)", uint32(r))
}

// AutoReopen reports whether this reason is transient: every reason
// other than OK triggers the Conductor to re-stream the vbucket from
// SessionState.
func (r StreamEndReason) AutoReopen() bool {
	return r != StreamEndOK
}
