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

// Package streamstate implements the per-vbucket DCP stream state
// machine: IDLE → OPENING → OPEN → ENDED, with ROLLING_BACK as a
// transient side state reachable only from OPENING. It owns no I/O of
// its own — a Channel feeds it decoded wire.Frames and it replies with
// the next action to take, the same separation cbgt's feed/Dest split
// keeps between transport and event interpretation.
package streamstate

import (
	"fmt"

	"github.com/blugelabs/dcpstream/session"
	"github.com/blugelabs/dcpstream/wire"
)

// Phase is one of the five named states a Stream can be in.
type Phase int

const (
	Idle Phase = iota
	Opening
	Open
	RollingBack
	Ended
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case RollingBack:
		return "ROLLING_BACK"
	case Ended:
		return "ENDED"
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// Event is what a Stream reports back to its Channel after processing
// a frame, telling the Channel what it must now do on the wire or
// towards the listener.
type Event struct {
	// DeliverMutation is set when a MUTATION/DELETION/EXPIRATION frame
	// should be handed to the application listener.
	DeliverMutation *Mutation

	// DeliverSystemEvent is set when a SYSTEM_EVENT frame passed the
	// collections filter and should be handed to the listener, and for
	// every DCP_OSO_SNAPSHOT frame, which is forwarded as-is.
	DeliverSystemEvent *wire.Frame

	// DeliverSnapshot is set whenever a new snapshot window opens.
	DeliverSnapshot *wire.SnapshotMarker

	// FailoverLog is set once, right after OPENING → OPEN.
	FailoverLog session.FailoverLog

	// AdvanceSeqno is set whenever a frame moves the vbucket's offset
	// forward without necessarily being delivered to the listener
	// (SEQNO_ADVANCED, and any SYSTEM_EVENT or mutation the listener
	// does get) — SessionState must track it regardless so a purge
	// seqno passing the checkpoint never reads as a rollback-to-zero
	// candidate.
	AdvanceSeqno *uint64

	// Rollback is set when the server demanded a rollback, with the
	// server's rollback seqno in RollbackSuggested; the caller resolves
	// the re-issued STREAM_REQUEST with ResolveRollback.
	// HandleStreamRequestResponse leaves RollbackRequest zero.
	Rollback         bool
	RollbackRequest  wire.StreamRequestParams
	RollbackSuggested uint64

	// Ended is set on OPEN → ENDED and OPENING → ENDED; EndReason
	// explains why and EndReason.AutoReopen tells the Conductor
	// whether to retry.
	Ended      bool
	EndReason  wire.StreamEndReason

	// Err is set when the frame was a protocol violation; the Channel
	// must treat this as fatal for the whole connection (a mutation
	// outside its snapshot window, for example).
	Err error
}

// Mutation is a decoded MUTATION/DELETION/EXPIRATION ready for
// delivery to the application listener.
type Mutation struct {
	Opcode   wire.Opcode
	VBucket  uint16
	Key      []byte
	Value    []byte
	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64
	Flags    uint32
}

// Stream is one vbucket's state machine.
type Stream struct {
	VBucket uint16
	Phase   Phase

	collectionsAware bool
	filter           func(scopeOrCollectionID uint32) bool

	snapStart, snapEnd uint64
}

// New creates an IDLE Stream for vbucket vb. filter, if non-nil, gates
// SYSTEM_EVENT delivery; a nil filter delivers every system
// event to a collections-aware listener.
func New(vb uint16, collectionsAware bool, filter func(uint32) bool) *Stream {
	return &Stream{VBucket: vb, Phase: Idle, collectionsAware: collectionsAware, filter: filter}
}

// Open transitions IDLE → OPENING. Callers build the STREAM_REQUEST
// frame themselves from the returned params (via
// session.State.StreamRequest); this only records the phase change.
func (s *Stream) Open() {
	s.Phase = Opening
}

// HandleStreamRequestResponse processes the server's reply to
// DCP_STREAM_REQUEST: OPENING moves to OPEN, ROLLING_BACK or ENDED.
func (s *Stream) HandleStreamRequestResponse(status wire.Status, body []byte, log session.FailoverLog) Event {
	if s.Phase != Opening {
		return Event{Err: fmt.Errorf("streamstate: stream-request response" +
			" while not OPENING (vbucket %d, phase %s)", s.VBucket, s.Phase)}
	}

	switch status {
	case wire.StatusSuccess:
		s.Phase = Open
		return Event{FailoverLog: log}

	case wire.StatusRollback:
		rollbackSeqno, err := wire.RollbackSeqno(body)
		if err != nil {
			return Event{Err: err}
		}
		s.Phase = RollingBack
		return Event{Rollback: true, RollbackSuggested: rollbackSeqno}

	default:
		s.Phase = Ended
		return Event{Ended: true, EndReason: wire.StreamEndDisconnected,
			Err: fmt.Errorf("streamstate: stream-request failed with"+
				" status %s (vbucket %d)", status, s.VBucket)}
	}
}

// ResolveRollback implements the failover-log search: find
// the newest failover entry whose seqno is ≤ R, adopt its vbuuid, and
// pin seqno/snapStart/snapEnd to R. If no entry qualifies, rollback to
// zero (vbuuid 0, seqno 0).
func ResolveRollback(log session.FailoverLog, r uint64) wire.StreamRequestParams {
	for _, e := range log {
		if e.Seqno <= r {
			return wire.StreamRequestParams{
				VBucketUUID:   e.VBucketUUID,
				StartSeqno:    r,
				SnapshotStart: r,
				SnapshotEnd:   r,
			}
		}
	}
	return wire.StreamRequestParams{StartSeqno: 0, SnapshotStart: 0, SnapshotEnd: 0}
}

// Reopen transitions ROLLING_BACK back to OPENING once the Channel
// has re-issued STREAM_REQUEST with the resolved rollback parameters.
func (s *Stream) Reopen() {
	s.Phase = Opening
}

// HandleFrame processes one OPEN-phase frame: most frames keep the
// stream OPEN, a DCP_STREAM_END frame moves it to ENDED.
func (s *Stream) HandleFrame(f *wire.Frame) Event {
	if s.Phase != Open {
		return Event{Err: fmt.Errorf("streamstate: frame %s while not OPEN"+
			" (vbucket %d, phase %s)", f.Opcode, s.VBucket, s.Phase)}
	}

	switch f.Opcode {
	case wire.OpDCPSnapshotMarker:
		m, err := wire.DecodeSnapshotMarker(f.Extras)
		if err != nil {
			return Event{Err: err}
		}
		s.snapStart, s.snapEnd = m.StartSeqno, m.EndSeqno
		return Event{DeliverSnapshot: &m}

	case wire.OpDCPMutation, wire.OpDCPDeletion, wire.OpDCPExpiration:
		req := f.Req
		me, err := wire.DecodeMutationExtras(req.Extras)
		if err != nil {
			return Event{Err: err}
		}
		if me.Seqno < s.snapStart || me.Seqno > s.snapEnd {
			return Event{Err: fmt.Errorf("streamstate: mutation seqno %d"+
				" outside snapshot window [%d, %d] (vbucket %d)",
				me.Seqno, s.snapStart, s.snapEnd, s.VBucket)}
		}
		seqno := me.Seqno
		return Event{
			AdvanceSeqno: &seqno,
			DeliverMutation: &Mutation{
				Opcode:   f.Opcode,
				VBucket:  s.VBucket,
				Key:      req.Key,
				Value:    req.Body,
				Cas:      req.Cas,
				BySeqno:  me.Seqno,
				RevSeqno: me.RevSeqno,
				Flags:    me.Flags,
			},
		}

	case wire.OpDCPSeqnoAdvanced:
		// Offset-only: advances the consumer's checkpoint without a
		// listener callback, so a passing purge seqno never reads as
		// a rollback-to-zero candidate.
		seqno, err := wire.SeqnoAdvancedBody(f.Value)
		if err != nil {
			return Event{Err: err}
		}
		return Event{AdvanceSeqno: &seqno}

	case wire.OpDCPSystemEvent:
		seqno, err := wire.SeqnoAdvancedBody(f.Extras)
		if err != nil {
			return Event{Err: err}
		}
		ev := Event{AdvanceSeqno: &seqno}
		if !s.collectionsAware {
			return ev
		}
		if s.filter != nil && len(f.Extras) >= 12 {
			id := uint32(f.Extras[8])<<24 | uint32(f.Extras[9])<<16 |
				uint32(f.Extras[10])<<8 | uint32(f.Extras[11])
			if !s.filter(id) {
				return ev
			}
		}
		ev.DeliverSystemEvent = f
		return ev

	case wire.OpDCPOSOSnapshot:
		// Out-of-sequence ordering window: forwarded verbatim: the
		// listener contract for OSO covers buffering, not this layer.
		return Event{DeliverSystemEvent: f}

	case wire.OpDCPStreamEnd:
		reason, err := wire.StreamEndReasonFromBody(f.Value)
		if err != nil {
			reason = wire.StreamEndDisconnected
		}
		s.Phase = Ended
		return Event{Ended: true, EndReason: reason}

	default:
		return Event{Err: fmt.Errorf("streamstate: unexpected opcode %s"+
			" in OPEN phase (vbucket %d)", f.Opcode, s.VBucket)}
	}
}
