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

// Package session tracks, per vbucket, everything a reconnecting
// Channel needs to resume a DCP stream exactly where it left off: the
// current failover log, the last acknowledged sequence number and the
// snapshot bounds that seqno falls within.
package session

import (
	"fmt"
	"sync"

	"github.com/blugelabs/dcpstream/wire"
)

// FailoverLog is a vbucket's failover history, newest entry first, as
// returned by a stream-open response or a standalone
// DCP_GET_FAILOVER_LOG call.
type FailoverLog []wire.FailoverLogEntry

// Latest returns the most recent (vbuuid, seqno) pair. An empty log is
// a caller error: every vbucket has at least one failover entry once
// it has ever been opened once.
func (fl FailoverLog) Latest() (vbuuid uint64, seqno uint64, err error) {
	if len(fl) == 0 {
		return 0, 0, fmt.Errorf("session: empty failover log")
	}
	return fl[0].VBucketUUID, fl[0].Seqno, nil
}

// State is one vbucket's resumable DCP position.
type State struct {
	VBucket               uint16      `json:"vbucket"`
	VBucketUUID           uint64      `json:"vbucketUUID"`
	Seqno                 uint64      `json:"seqno"`
	SnapshotStart         uint64      `json:"snapshotStart"`
	SnapshotEnd           uint64      `json:"snapshotEnd"`
	FailoverLog           FailoverLog `json:"failoverLog"`
	CollectionsManifestUID uint64     `json:"collectionsManifestUid"`
}

// Clone returns a deep copy safe to hand to a caller outside the
// Store's lock.
func (s State) Clone() State {
	c := s
	if s.FailoverLog != nil {
		c.FailoverLog = make(FailoverLog, len(s.FailoverLog))
		copy(c.FailoverLog, s.FailoverLog)
	}
	return c
}

// StreamRequest builds the parameters for a DCP_STREAM_REQUEST that
// resumes this vbucket from its current position, defaulting the
// snapshot bounds to [seqno, seqno] the first time a vbucket is opened,
// since the server requires a snapshot range even when there is no
// prior snapshot to resume within.
func (s State) StreamRequest(flags uint32, endSeqno uint64) wire.StreamRequestParams {
	start, end := s.SnapshotStart, s.SnapshotEnd
	if start == 0 && end == 0 {
		start, end = s.Seqno, s.Seqno
	}
	return wire.StreamRequestParams{
		Flags:         flags,
		VBucketUUID:   s.VBucketUUID,
		StartSeqno:    s.Seqno,
		EndSeqno:      endSeqno,
		SnapshotStart: start,
		SnapshotEnd:   end,
	}
}

// Store is the concurrency-safe home for every vbucket's State, shared
// between the Conductor (which decides what to open where) and each
// Channel's stream handlers (which update it as mutations and snapshot
// markers arrive).
type Store struct {
	m sync.RWMutex
	s map[uint16]*State
}

// NewStore returns an empty Store. Callers normally populate it via
// Restore or by calling Init for every vbucket the bucket owns.
func NewStore() *Store {
	return &Store{s: make(map[uint16]*State)}
}

// Init sets a vbucket's initial state, typically BEGINNING (seqno 0,
// no failover log) the first time a client ever streams a bucket.
func (st *Store) Init(vbucket uint16, s State) {
	s.VBucket = vbucket
	st.m.Lock()
	st.s[vbucket] = &s
	st.m.Unlock()
}

// Get returns a copy of a vbucket's current state and whether it was
// present at all.
func (st *Store) Get(vbucket uint16) (State, bool) {
	st.m.RLock()
	defer st.m.RUnlock()
	s, ok := st.s[vbucket]
	if !ok {
		return State{}, false
	}
	return s.Clone(), true
}

// All returns a snapshot copy of every tracked vbucket's state, keyed
// by vbucket id.
func (st *Store) All() map[uint16]State {
	st.m.RLock()
	defer st.m.RUnlock()
	out := make(map[uint16]State, len(st.s))
	for vb, s := range st.s {
		out[vb] = s.Clone()
	}
	return out
}

// AdvanceSnapshot records a new in-progress snapshot range as reported
// by a DCP_SNAPSHOT_MARKER frame.
func (st *Store) AdvanceSnapshot(vbucket uint16, start, end uint64) {
	st.m.Lock()
	defer st.m.Unlock()
	s := st.entry(vbucket)
	s.SnapshotStart, s.SnapshotEnd = start, end
}

// AdvanceSeqno records the seqno of a mutation, deletion, expiration
// or seqno-advanced frame the caller has now fully processed.
func (st *Store) AdvanceSeqno(vbucket uint16, seqno uint64) {
	st.m.Lock()
	defer st.m.Unlock()
	s := st.entry(vbucket)
	if seqno > s.Seqno {
		s.Seqno = seqno
	}
}

// RecordFailoverLog replaces a vbucket's failover log, as returned on
// stream-open or by a standalone DCP_GET_FAILOVER_LOG call.
func (st *Store) RecordFailoverLog(vbucket uint16, fl FailoverLog) {
	st.m.Lock()
	defer st.m.Unlock()
	s := st.entry(vbucket)
	s.FailoverLog = fl
	if uuid, _, err := fl.Latest(); err == nil {
		s.VBucketUUID = uuid
	}
}

// ApplyRollback rewinds a vbucket's State to the (vbuuid, rollbackSeqno)
// resolved by streamstate.ResolveRollback's failover-log search.
// It sets the seqno and both snapshot bounds to rollbackSeqno whatever
// they were before, replacing the in-progress snapshot, since whatever
// was being buffered for it is no longer valid. A rollback to zero additionally clears the failover
// log: the resolved vbuuid is already 0 in that case, and the prior
// log's entries are all newer than the point being rolled back to, so
// none of them are valid resume points any more.
func (st *Store) ApplyRollback(vbucket uint16, vbuuid, rollbackSeqno uint64) {
	st.m.Lock()
	defer st.m.Unlock()
	s := st.entry(vbucket)
	s.VBucketUUID = vbuuid
	s.Seqno = rollbackSeqno
	s.SnapshotStart, s.SnapshotEnd = rollbackSeqno, rollbackSeqno
	if rollbackSeqno == 0 {
		s.FailoverLog = nil
	}
}

func (st *Store) entry(vbucket uint16) *State {
	s, ok := st.s[vbucket]
	if !ok {
		s = &State{VBucket: vbucket}
		st.s[vbucket] = s
	}
	return s
}
