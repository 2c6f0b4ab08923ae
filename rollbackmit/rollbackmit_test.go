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

package rollbackmit

import (
	"context"
	"testing"
	"time"

	"github.com/blugelabs/dcpstream/streamstate"
	"github.com/blugelabs/dcpstream/wire"
)

func TestRingBufferReleasesInOrderUpToPersisted(t *testing.T) {
	b := NewRingBuffer()
	b.Push(&streamstate.Mutation{BySeqno: 1})
	b.Push(&streamstate.Mutation{BySeqno: 2})
	b.Push(&streamstate.Mutation{BySeqno: 5})

	released := b.Release(2)
	if len(released) != 2 || released[0].BySeqno != 1 || released[1].BySeqno != 2 {
		t.Fatalf("unexpected release: %+v", released)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", b.Len())
	}

	released = b.Release(5)
	if len(released) != 1 || released[0].BySeqno != 5 {
		t.Fatalf("unexpected second release: %+v", released)
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer drained, got %d remaining", b.Len())
	}
}

func TestRingBufferClearDropsEntries(t *testing.T) {
	b := NewRingBuffer()
	b.Push(&streamstate.Mutation{BySeqno: 1})
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after Clear, got %d", b.Len())
	}
	if released := b.Release(100); len(released) != 0 {
		t.Fatalf("expected nothing to release after Clear, got %+v", released)
	}
}

func TestPersistencePollingHandlerTracksMax(t *testing.T) {
	calls := make(chan uint16, 10)
	observe := func(ctx context.Context, vb uint16) (wire.ObserveSeqnoResult, error) {
		calls <- vb
		return wire.ObserveSeqnoResult{PersistedSeqno: 100}, nil
	}

	h := NewPersistencePollingHandler(observe, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx, []uint16{0, 1})

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected at least one observe call")
	}

	cancel()
	h.Stop()

	if got := h.PersistedSeqno(0); got != 100 {
		t.Errorf("PersistedSeqno(0) = %d, want 100", got)
	}
}

func TestPersistencePollingHandlerFiresOnAdvanceOnlyWhenRaised(t *testing.T) {
	seqnos := []uint64{100, 100, 150}
	i := 0
	observe := func(ctx context.Context, vb uint16) (wire.ObserveSeqnoResult, error) {
		s := seqnos[i]
		if i < len(seqnos)-1 {
			i++
		}
		return wire.ObserveSeqnoResult{PersistedSeqno: s}, nil
	}

	advances := make(chan uint64, 10)
	h := NewPersistencePollingHandler(observe, 5*time.Millisecond)
	h.SetOnAdvance(func(vb uint16, persisted uint64) { advances <- persisted })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, []uint16{0})

	select {
	case got := <-advances:
		if got != 100 {
			t.Fatalf("first advance = %d, want 100", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an onAdvance callback for the first rise")
	}

	select {
	case got := <-advances:
		if got != 150 {
			t.Fatalf("second advance = %d, want 150", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an onAdvance callback for the second rise")
	}

	h.Stop()
}

func TestPersistencePollingHandlerNeverRegresses(t *testing.T) {
	seqnos := []uint64{100, 50}
	i := 0
	observe := func(ctx context.Context, vb uint16) (wire.ObserveSeqnoResult, error) {
		s := seqnos[i%len(seqnos)]
		i++
		return wire.ObserveSeqnoResult{PersistedSeqno: s}, nil
	}

	h := NewPersistencePollingHandler(observe, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, []uint16{0})

	time.Sleep(50 * time.Millisecond)
	h.Stop()

	if got := h.PersistedSeqno(0); got != 100 {
		t.Errorf("PersistedSeqno regressed: got %d, want 100", got)
	}
}
