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

import (
	"github.com/blugelabs/dcpstream/session"
	"github.com/blugelabs/dcpstream/streamstate"
	"github.com/blugelabs/dcpstream/wire"
)

// DatabaseChangeListener is the application's hook into the DCP
// stream. Every method except OnFailure is optional: embed
// NoopListener to pick up no-op defaults for the rest. Methods run on
// the owning Channel's I/O goroutine unless the host bridges
// them onto its own executor; with rollback mitigation enabled,
// OnMutation and OnDeletion may instead run on the persistence
// poller's goroutine when a poll releases buffered entries.
type DatabaseChangeListener interface {
	// OnMutation and OnDeletion deliver a data change. OnDeletion also
	// fires for expirations (Mutation.Opcode distinguishes them).
	OnMutation(m *streamstate.Mutation)
	OnDeletion(m *streamstate.Mutation)

	// OnSeqnoAdvanced is part of the interface, but the Client never
	// calls it: a DCP_SEQNO_ADVANCED frame only advances the vbucket's
	// offset in SessionState.
	OnSeqnoAdvanced(vbucket uint16, seqno uint64)

	// OnScopeCreated, OnCollectionCreated, OnCollectionDropped and
	// OnCollectionFlushed deliver collections-aware SYSTEM_EVENT
	// frames that passed the configured filter. raw is the
	// undecoded frame for callers that need fields this interface
	// doesn't surface individually.
	OnScopeCreated(vbucket uint16, raw *wire.Frame)
	OnCollectionCreated(vbucket uint16, raw *wire.Frame)
	OnCollectionDropped(vbucket uint16, raw *wire.Frame)
	OnCollectionFlushed(vbucket uint16, raw *wire.Frame)

	// OnSnapshot fires when a new snapshot window opens for a
	// vbucket, before any mutation in it is delivered.
	OnSnapshot(vbucket uint16, marker wire.SnapshotMarker)

	// OnFailoverLog fires once a vbucket's stream reaches OPEN, with
	// the failover log the server returned.
	OnFailoverLog(vbucket uint16, log session.FailoverLog)

	// OnRollback fires when the server demands a rollback, after the
	// default resume-at-suggestedSeqno decision but before it is
	// acted on. Returning override non-nil resumes at that seqno
	// instead; returning veto true refuses the rollback and ends the
	// vbucket permanently. The default
	// (NoopListener) accepts the server's suggestion unmodified.
	OnRollback(vbucket uint16, suggestedSeqno uint64) (override *uint64, veto bool)

	// OnStreamEnd fires when the server ends an open vbucket stream with
	// DCP_STREAM_END, including a transient end the Conductor is about
	// to auto-reopen. It does not fire when a channel drops or a stream
	// open fails; those streams are reopened without it.
	OnStreamEnd(vbucket uint16, reason wire.StreamEndReason)

	// OnFailure reports a per-vbucket error. A vetoed rollback arrives
	// wrapped in Fatal and is terminal: the vbucket is not reopened. A
	// failed stream open or a protocol error on an open stream is
	// reported here too, and the client then reconnects and reopens on
	// its own. It is the only method a real
	// listener must implement; everything else may be inherited from
	// NoopListener.
	OnFailure(vbucket uint16, err error)
}

// NoopListener implements every DatabaseChangeListener method as a
// no-op (OnRollback returns the default accept-suggestion behavior).
// Embed it in a listener that only cares about a few callbacks,
// mirroring the "small interface, embeddable no-op default" shape
// every optional-hook listener in this corpus uses.
type NoopListener struct{}

func (NoopListener) OnMutation(*streamstate.Mutation)             {}
func (NoopListener) OnDeletion(*streamstate.Mutation)             {}
func (NoopListener) OnSeqnoAdvanced(uint16, uint64)                {}
func (NoopListener) OnScopeCreated(uint16, *wire.Frame)            {}
func (NoopListener) OnCollectionCreated(uint16, *wire.Frame)       {}
func (NoopListener) OnCollectionDropped(uint16, *wire.Frame)       {}
func (NoopListener) OnCollectionFlushed(uint16, *wire.Frame)       {}
func (NoopListener) OnSnapshot(uint16, wire.SnapshotMarker)        {}
func (NoopListener) OnFailoverLog(uint16, session.FailoverLog)     {}
func (NoopListener) OnStreamEnd(uint16, wire.StreamEndReason)      {}
func (NoopListener) OnFailure(uint16, error)                       {}

func (NoopListener) OnRollback(vbucket uint16, suggestedSeqno uint64) (*uint64, bool) {
	return nil, false
}

var _ DatabaseChangeListener = NoopListener{}
