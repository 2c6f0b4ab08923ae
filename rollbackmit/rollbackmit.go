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

// Package rollbackmit implements rollback mitigation: events
// are withheld from the application listener until a
// PersistencePollingHandler has confirmed, via periodic OBSERVE_SEQNO
// sampling, that they are persisted on at least one copy.
package rollbackmit

import (
	"context"
	"sync"
	"time"

	"github.com/blugelabs/dcpstream/streamstate"
	"github.com/blugelabs/dcpstream/wire"
)

// DefaultPollInterval is the sampling cadence a PersistencePollingHandler
// uses absent an explicit override, mirroring the 1-second default
// cbgt's rebalance monitor samples node stats at.
const DefaultPollInterval = 1 * time.Second

// ObserveSeqnoFunc issues an OBSERVE_SEQNO request for a vbucket and
// returns the decoded result. It is normally a thin wrapper over
// channel.Channel.Request.
type ObserveSeqnoFunc func(ctx context.Context, vbucket uint16) (wire.ObserveSeqnoResult, error)

// PersistencePollingHandler samples persisted seqnos for a set of
// vbuckets on a ticker, the same "sample on a ticker, fan results
// into a channel" shape cbgt's rebalance.MonitorNodes.runNode uses for
// its own periodic REST sampling.
type PersistencePollingHandler struct {
	observe  ObserveSeqnoFunc
	interval time.Duration

	m         sync.RWMutex
	persisted map[uint16]uint64
	onAdvance func(vbucket uint16, persisted uint64)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPersistencePollingHandler creates a handler that calls observe on
// every interval tick for each vbucket later passed to Run.
func NewPersistencePollingHandler(observe ObserveSeqnoFunc, interval time.Duration) *PersistencePollingHandler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PersistencePollingHandler{
		observe:   observe,
		interval:  interval,
		persisted: make(map[uint16]uint64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// PersistedSeqno returns the last-sampled persisted seqno for vbucket,
// or 0 if it has never been sampled.
func (h *PersistencePollingHandler) PersistedSeqno(vbucket uint16) uint64 {
	h.m.RLock()
	defer h.m.RUnlock()
	return h.persisted[vbucket]
}

// SetOnAdvance installs the callback Run invokes whenever a tick raises
// a vbucket's persisted seqno, so buffered entries newly covered by
// persistence get released even when no further mutation arrives to
// trigger a RingBuffer.Release via Push. Call before Run; fn must not
// block the polling loop.
func (h *PersistencePollingHandler) SetOnAdvance(fn func(vbucket uint16, persisted uint64)) {
	h.m.Lock()
	h.onAdvance = fn
	h.m.Unlock()
}

// Run samples every vbucket in vbuckets once per interval until ctx is
// canceled or Stop is called. It runs on its own goroutine; the Client
// runs one for all the vbuckets of its latest StreamPartitions call.
func (h *PersistencePollingHandler) Run(ctx context.Context, vbuckets []uint16) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			for _, vb := range vbuckets {
				res, err := h.observe(ctx, vb)
				if err != nil {
					continue // transient; next tick will retry
				}
				h.m.Lock()
				advanced := res.PersistedSeqno > h.persisted[vb]
				if advanced {
					h.persisted[vb] = res.PersistedSeqno
				}
				onAdvance := h.onAdvance
				h.m.Unlock()
				if advanced && onAdvance != nil {
					onAdvance(vb, res.PersistedSeqno)
				}
			}
		}
	}
}

// Stop halts Run and waits for it to return.
func (h *PersistencePollingHandler) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

// PendingEntry is one buffered mutation awaiting release.
type PendingEntry struct {
	BySeqno  uint64
	Mutation *streamstate.Mutation
}

// RingBuffer is the per-vbucket FIFO that rollback mitigation routes
// data events into. Entries are released, in bySeqno order,
// only once the persisted seqno has caught up to them; on a channel
// drop or topology change the buffer is cleared without delivery,
// which is the property that makes rollback mitigation safe: nothing
// ever observed by the listener can be rolled back, because it was
// never released until persisted.
type RingBuffer struct {
	m       sync.Mutex
	entries []PendingEntry
}

// NewRingBuffer returns an empty RingBuffer.
func NewRingBuffer() *RingBuffer {
	return &RingBuffer{}
}

// Push appends a mutation to the buffer. Callers must push in
// increasing bySeqno order, which the stream state machine already
// guarantees per vbucket.
func (b *RingBuffer) Push(m *streamstate.Mutation) {
	b.m.Lock()
	defer b.m.Unlock()
	b.entries = append(b.entries, PendingEntry{BySeqno: m.BySeqno, Mutation: m})
}

// Release drains every entry with BySeqno <= persisted, in order, and
// returns them for delivery. Entries that are not yet persisted stay
// buffered for the next Release call.
func (b *RingBuffer) Release(persisted uint64) []PendingEntry {
	b.m.Lock()
	defer b.m.Unlock()

	i := 0
	for i < len(b.entries) && b.entries[i].BySeqno <= persisted {
		i++
	}
	released := make([]PendingEntry, i)
	copy(released, b.entries[:i])
	b.entries = b.entries[i:]
	return released
}

// Clear discards every buffered entry without delivering them — the
// mandatory action on channel drop or topology change.
func (b *RingBuffer) Clear() {
	b.m.Lock()
	defer b.m.Unlock()
	b.entries = nil
}

// Len reports how many entries are currently buffered, awaiting
// persistence.
func (b *RingBuffer) Len() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.entries)
}
