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

// Package conductor implements the edge-triggered reconciliation loop
// that keeps the set of open Channels and Streams in step with
// the current ClusterMap: one node per channel, one stream per
// vbucket of interest, always against the active (never replica)
// owner.
package conductor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blugelabs/dcpstream/channel"
	"github.com/blugelabs/dcpstream/clustermap"
	"github.com/blugelabs/dcpstream/session"
	"github.com/blugelabs/dcpstream/streamstate"
	"github.com/blugelabs/dcpstream/wire"
)

// DialFunc opens a Channel to addr. Production code passes
// channel.Dial; tests inject a fake.
type DialFunc func(ctx context.Context, addr, bucket string, creds channel.Credentials, opts channel.Options, log channel.Logger) (*channel.Channel, error)

// MutationHandler receives one delivered event. vbucket identifies
// which stream it came from.
type MutationHandler func(vbucket uint16, m *streamstate.Mutation)

// FailureHandler is called with a per-vbucket error: a failed stream
// open or a protocol error on an open stream, both of which the
// Conductor then recovers from by itself, or a RollbackVetoedError,
// after which the vbucket is not reopened.
type FailureHandler func(vbucket uint16, err error)

// RollbackHandler lets a caller override or veto the default
// resume-at-suggested-seqno rollback policy. Returning override non-nil resumes at
// that seqno instead of suggestedSeqno; returning veto true refuses
// the rollback outright and ends the vbucket's stream permanently. A
// nil RollbackHandler, or one returning (nil, false), keeps the
// default: resume at suggestedSeqno.
type RollbackHandler func(vbucket uint16, suggestedSeqno uint64) (override *uint64, veto bool)

// RollbackVetoedError is the error passed to FailureHandler when a
// RollbackHandler refuses a server-demanded rollback. The vbucket's
// stream does not auto-reopen after this.
type RollbackVetoedError struct {
	VBucket        uint16
	SuggestedSeqno uint64
}

func (e *RollbackVetoedError) Error() string {
	return fmt.Sprintf("conductor: rollback to seqno %d vetoed for vbucket %d",
		e.SuggestedSeqno, e.VBucket)
}

// Options configures a Conductor.
type Options struct {
	Bucket             string
	Credentials        channel.CredentialsProvider
	ChannelOptions     channel.Options
	CollectionsAware   bool
	CollectionsFilter  func(uint32) bool
	EndSeqno           uint64 // wire.SeqnoInfinity for an unbounded stream
	StreamRequestFlags uint32
	RollbackHandler    RollbackHandler
	FlowControlMode    channel.FlowControlMode

	// ReconnectBackoff paces the self-scheduled reconcile/redial the
	// Conductor runs on its own, without waiting for an external
	// ClusterMap edge, after a channel drops or a vbucket's stream ends
	// with a non-OK StreamEndReason. The zero value falls back to
	// channel.NewDefaultBackoffOptions via BackoffOptions.Next.
	ReconnectBackoff channel.BackoffOptions

	// ClusterMapPush, if set, is invoked with the raw JSON body of a
	// server-pushed GET_CLUSTER_CONFIG notification, ahead of any
	// other frame on that channel's read loop: clustermap change
	// notifications are applied before subsequent stream dispatch on
	// the same channel. Typically wraps clustermap.Arbiter.Apply
	// after decoding.
	ClusterMapPush func(body []byte)

	// SnapshotHandler, FailoverLogHandler, SystemEventHandler and
	// StreamEndHandler mirror the remaining DatabaseChangeListener
	// hooks that aren't already covered by MutationHandler/
	// FailureHandler; the root Client wires these to the listener it
	// was given. Any of them may be left nil.
	SnapshotHandler    func(vbucket uint16, marker wire.SnapshotMarker)
	FailoverLogHandler func(vbucket uint16, log session.FailoverLog)
	SystemEventHandler func(vbucket uint16, f *wire.Frame)
	StreamEndHandler   func(vbucket uint16, reason wire.StreamEndReason)
}

// Conductor owns every Channel this client has open and every Stream
// multiplexed over them.
type Conductor struct {
	opts    Options
	dial    DialFunc
	log     channel.Logger
	store   *session.Store
	onEvent MutationHandler
	onFail  FailureHandler

	mu       sync.Mutex
	interest map[uint16]bool
	channels map[string]*managedChannel // node addr -> channel
	current  clustermap.ClusterMap
	haveMap  bool

	// retryCtx is the long-lived context self-scheduled retries run
	// under, installed via SetContext; it defaults to
	// context.Background() so a Conductor used without SetContext (as
	// in a test driving Reconcile directly) still retries rather than
	// silently dropping a reconnect.
	retryCtx context.Context
	// retryAttempts counts consecutive reconnect attempts per node
	// address, feeding ReconnectBackoff.Next; reset to 0 once a channel
	// to that address reaches READY.
	retryAttempts map[string]int
	stopCh        chan struct{}
	stopOnce      sync.Once

	nextOpaque uint32
}

type managedChannel struct {
	ch      *channel.Channel
	cancel  context.CancelFunc
	streams map[uint16]*streamHandle // vbucket -> handle
}

type streamHandle struct {
	opaque uint32
	stream *streamstate.Stream
}

// New creates a Conductor. store must already be populated (or empty,
// for a first-ever run) with per-vbucket SessionState.
func New(opts Options, store *session.Store, dial DialFunc, log channel.Logger,
	onEvent MutationHandler, onFail FailureHandler) *Conductor {
	if log == nil {
		log = channel.NopLogger
	}
	return &Conductor{
		opts:          opts,
		dial:          dial,
		log:           log,
		store:         store,
		onEvent:       onEvent,
		onFail:        onFail,
		interest:      make(map[uint16]bool),
		channels:      make(map[string]*managedChannel),
		retryCtx:      context.Background(),
		retryAttempts: make(map[string]int),
		stopCh:        make(chan struct{}),
	}
}

// SetContext installs the long-lived context self-scheduled
// reconnect/reopen retries run under. Client.Connect calls this with
// the same context its reconcile loop runs under, so a retry's
// Reconcile call is canceled the same way an externally-triggered one
// would be. Safe to call before the first Reconcile; if never called,
// retries run under context.Background() until Close.
func (c *Conductor) SetContext(ctx context.Context) {
	c.mu.Lock()
	c.retryCtx = ctx
	c.mu.Unlock()
}

// SetInterest declares which vbuckets this client wants streamed. A
// subsequent Reconcile call will open/close streams to match.
func (c *Conductor) SetInterest(vbuckets []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interest = make(map[uint16]bool, len(vbuckets))
	for _, vb := range vbuckets {
		c.interest[vb] = true
	}
}

// SetEndSeqno changes the endSeqno every subsequent StreamRequest is
// built with (wire.SeqnoInfinity for an unbounded stream). It does not
// affect streams already open; callers that need a new bound applied
// retroactively must close and re-add the affected vbuckets to
// interest.
func (c *Conductor) SetEndSeqno(end uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.EndSeqno = end
}

// CurrentClusterMap returns the last ClusterMap successfully applied
// via Reconcile, and whether one has ever been applied.
func (c *Conductor) CurrentClusterMap() (clustermap.ClusterMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.haveMap
}

// SetFlowControlMode changes the buffer-ack mode used by every
// channel opened from now on, and applies it immediately to every
// channel already open.
func (c *Conductor) SetFlowControlMode(mode channel.FlowControlMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.FlowControlMode = mode
	for _, mc := range c.channels {
		mc.ch.SetFlowControlMode(mode)
	}
}

// Request issues a standalone, non-stream command (e.g. OBSERVE_SEQNO)
// against whichever channel currently owns vbucket. It fails if no
// stream for that vbucket is open.
func (c *Conductor) Request(ctx context.Context, vbucket uint16, op wire.Opcode, extras, key, value []byte) (*wire.Frame, error) {
	c.mu.Lock()
	var ch *channel.Channel
	for _, mc := range c.channels {
		if _, ok := mc.streams[vbucket]; ok {
			ch = mc.ch
			break
		}
	}
	c.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("conductor: no open channel owns vbucket %d", vbucket)
	}
	return ch.Request(ctx, op, vbucket, extras, key, value)
}

// Reconcile applies a new ClusterMap in four steps: close channels that
// lost every vbucket, open channels for newly-owned vbuckets, move
// streams whose owner changed, and start streams for newly-added
// vbuckets. It is
// idempotent: calling it twice with an equivalent map is a no-op,
// because step 2/3/4 only act on vbuckets whose owning channel
// actually changed.
func (c *Conductor) Reconcile(ctx context.Context, m clustermap.ClusterMap) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desired := make(map[string]map[uint16]bool) // addr -> vbuckets it should stream
	for vb := range c.interest {
		node, ok := m.NodeForVBucket(vb)
		if !ok {
			continue
		}
		addr := node.Addr()
		if desired[addr] == nil {
			desired[addr] = make(map[uint16]bool)
		}
		desired[addr][vb] = true
	}

	// Step 2: close channels for nodes no longer owning anything of
	// interest. In-flight stream state lives in c.store, not in the
	// channel, so nothing needs saving here.
	for addr, mc := range c.channels {
		if desired[addr] == nil {
			c.closeChannelLocked(addr, mc)
		}
	}

	// Step 3: open channels for newly-relevant nodes.
	for addr, vbs := range desired {
		mc, ok := c.channels[addr]
		if !ok {
			var err error
			mc, err = c.openChannelLocked(ctx, addr)
			if err != nil {
				c.log.Warnf("conductor: could not open channel to %s: %v", addr, err)
				continue
			}
		}
		for vb := range vbs {
			if _, already := mc.streams[vb]; !already {
				c.openStreamLocked(mc, vb)
			}
		}
		// Step 4: close streams for vbuckets this channel no longer
		// owns (they migrated elsewhere, or fell out of interest).
		for vb := range mc.streams {
			if !vbs[vb] {
				c.closeStreamLocked(mc, vb)
			}
		}
	}

	c.current = m
	c.haveMap = true
	return nil
}

func (c *Conductor) openChannelLocked(ctx context.Context, addr string) (*managedChannel, error) {
	creds := channel.Credentials{}
	if c.opts.Credentials != nil {
		var err error
		creds, err = c.opts.Credentials(addr)
		if err != nil {
			return nil, fmt.Errorf("conductor: resolving credentials for %s: %w", addr, err)
		}
	}

	ch, err := c.dial(ctx, addr, c.opts.Bucket, creds, c.opts.ChannelOptions, c.log)
	if err != nil {
		return nil, err
	}
	if c.opts.FlowControlMode != channel.FlowControlAuto {
		ch.SetFlowControlMode(c.opts.FlowControlMode)
	}

	chCtx, cancel := context.WithCancel(ctx)
	mc := &managedChannel{ch: ch, cancel: cancel, streams: make(map[uint16]*streamHandle)}
	c.channels[addr] = mc
	c.retryAttempts[addr] = 0

	go func() {
		err := ch.Run(chCtx, func(f *wire.Frame) { c.handleFrame(addr, f) })
		c.mu.Lock()
		dropped := false
		if mc, ok := c.channels[addr]; ok && mc.ch == ch {
			delete(c.channels, addr)
			dropped = true
			for vb := range mc.streams {
				c.log.Warnf("conductor: channel %s dropped, vbucket %d will"+
					" be reopened via a self-scheduled reconcile: %v", addr, vb, err)
			}
		}
		c.mu.Unlock()
		if dropped {
			c.scheduleRetry(addr)
		}
	}()

	return mc, nil
}

// scheduleRetry self-triggers a Reconcile against the last-applied
// ClusterMap after ReconnectBackoff, rather than waiting for an
// external ClusterMap edge to redial a dropped channel or reopen a
// vbucket whose stream ended with a non-OK StreamEndReason. Reconcile
// is idempotent, so replaying the same map here is safe even if
// interest or the map has already moved on by the time the timer
// fires.
func (c *Conductor) scheduleRetry(addr string) {
	c.mu.Lock()
	if !c.haveMap {
		c.mu.Unlock()
		return
	}
	attempt := c.retryAttempts[addr]
	c.retryAttempts[addr] = attempt + 1
	delay := c.opts.ReconnectBackoff.Next(attempt)
	ctx := c.retryCtx
	stopCh := c.stopCh
	m := c.current
	c.mu.Unlock()

	go func() {
		select {
		case <-time.After(delay):
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
		if err := c.Reconcile(ctx, m); err != nil {
			c.log.Warnf("conductor: retry reconcile for %s failed: %v", addr, err)
		}
	}()
}

func (c *Conductor) closeChannelLocked(addr string, mc *managedChannel) {
	mc.cancel()
	mc.ch.Close()
	delete(c.channels, addr)
}

func (c *Conductor) openStreamLocked(mc *managedChannel, vb uint16) {
	st, ok := c.store.Get(vb)
	if !ok {
		c.store.Init(vb, session.State{})
		st, _ = c.store.Get(vb)
	}

	opaque := atomic.AddUint32(&c.nextOpaque, 1)
	sm := streamstate.New(vb, c.opts.CollectionsAware, c.opts.CollectionsFilter)
	sm.Open()
	mc.streams[vb] = &streamHandle{opaque: opaque, stream: sm}

	params := st.StreamRequest(c.opts.StreamRequestFlags, c.opts.EndSeqno)
	if err := mc.ch.StreamRequest(vb, opaque, params); err != nil {
		c.log.Warnf("conductor: stream-request for vbucket %d failed: %v", vb, err)
		delete(mc.streams, vb)
	}
}

func (c *Conductor) closeStreamLocked(mc *managedChannel, vb uint16) {
	h, ok := mc.streams[vb]
	if !ok {
		return
	}
	if err := mc.ch.CloseStream(vb, h.opaque); err != nil {
		c.log.Warnf("conductor: close-stream for vbucket %d failed: %v", vb, err)
	}
	delete(mc.streams, vb)
}

// handleFrame routes one frame from channel addr to the right Stream,
// updating SessionState and invoking onEvent/onFail as appropriate.
func (c *Conductor) handleFrame(addr string, f *wire.Frame) {
	if f.Opcode == wire.OpGetClusterConfig && f.Magic != wire.MagicResponse {
		// A server push, not a response to our own GET_CLUSTER_CONFIG
		// request (those are awaited via Channel.Request and never
		// reach this handler). Forwarded to the arbiter before any
		// other frame on this read loop is dispatched.
		if c.opts.ClusterMapPush != nil {
			c.opts.ClusterMapPush(f.Value)
		}
		return
	}

	c.mu.Lock()
	mc, ok := c.channels[addr]
	if !ok {
		c.mu.Unlock()
		return
	}
	var vb uint16
	var h *streamHandle
	for vbucket, handle := range mc.streams {
		if handle.opaque == f.Opaque {
			vb, h = vbucket, handle
			break
		}
	}
	c.mu.Unlock()
	if h == nil {
		return
	}

	switch h.stream.Phase {
	case streamstate.Opening, streamstate.RollingBack:
		c.handleStreamRequestResponse(addr, vb, h, f)
	case streamstate.Open:
		c.handleOpenFrame(addr, vb, h, f)
	}
}

func (c *Conductor) handleStreamRequestResponse(addr string, vb uint16, h *streamHandle, f *wire.Frame) {
	fl, _ := wire.DecodeFailoverLog(f.Value)

	ev := h.stream.HandleStreamRequestResponse(f.Status(), f.Value, fl)
	switch {
	case ev.Rollback:
		suggested := ev.RollbackSuggested
		if c.opts.RollbackHandler != nil {
			override, veto := c.opts.RollbackHandler(vb, suggested)
			if veto {
				c.mu.Lock()
				if mc := c.channels[addr]; mc != nil {
					delete(mc.streams, vb)
				}
				c.mu.Unlock()
				if c.onFail != nil {
					c.onFail(vb, &RollbackVetoedError{VBucket: vb, SuggestedSeqno: suggested})
				}
				return
			}
			if override != nil {
				suggested = *override
			}
		}

		c.mu.Lock()
		current, _ := c.store.Get(vb)
		req := streamstate.ResolveRollback(current.FailoverLog, suggested)
		c.store.ApplyRollback(vb, req.VBucketUUID, req.StartSeqno)
		h.stream.Reopen()
		mc := c.channels[addr]
		c.mu.Unlock()
		if mc != nil {
			if err := mc.ch.StreamRequest(vb, h.opaque, req); err != nil {
				c.log.Warnf("conductor: rollback re-request for vbucket %d"+
					" failed: %v", vb, err)
			}
		}

	case ev.Ended:
		if c.onFail != nil && ev.Err != nil {
			c.onFail(vb, ev.Err)
		}
		c.mu.Lock()
		if mc := c.channels[addr]; mc != nil {
			delete(mc.streams, vb)
		}
		c.mu.Unlock()
		// A failed stream-open is always non-OK; self-schedule a retry
		// rather than waiting for an external ClusterMap edge.
		c.scheduleRetry(addr)

	default:
		c.store.RecordFailoverLog(vb, ev.FailoverLog)
		if c.opts.FailoverLogHandler != nil {
			c.opts.FailoverLogHandler(vb, ev.FailoverLog)
		}
	}
}

func (c *Conductor) handleOpenFrame(addr string, vb uint16, h *streamHandle, f *wire.Frame) {
	ev := h.stream.HandleFrame(f)

	if ev.Err != nil {
		if c.onFail != nil {
			c.onFail(vb, ev.Err)
		}
		// A protocol violation is fatal for the whole channel: closing it
		// makes its Run loop return, which drops the channel and
		// self-schedules a reconnect that reopens its streams.
		c.mu.Lock()
		mc := c.channels[addr]
		c.mu.Unlock()
		if mc != nil {
			mc.ch.Close()
		}
		return
	}
	if ev.DeliverSnapshot != nil {
		c.store.AdvanceSnapshot(vb, ev.DeliverSnapshot.StartSeqno, ev.DeliverSnapshot.EndSeqno)
		if c.opts.SnapshotHandler != nil {
			c.opts.SnapshotHandler(vb, *ev.DeliverSnapshot)
		}
	}
	if ev.AdvanceSeqno != nil {
		c.store.AdvanceSeqno(vb, *ev.AdvanceSeqno)
	}
	if ev.DeliverMutation != nil && c.onEvent != nil {
		c.onEvent(vb, ev.DeliverMutation)
	}
	if ev.DeliverSystemEvent != nil && c.opts.SystemEventHandler != nil {
		c.opts.SystemEventHandler(vb, ev.DeliverSystemEvent)
	}
	if ev.Ended {
		c.mu.Lock()
		for _, mc := range c.channels {
			if handle, ok := mc.streams[vb]; ok && handle == h {
				delete(mc.streams, vb)
			}
		}
		c.mu.Unlock()
		if c.opts.StreamEndHandler != nil {
			c.opts.StreamEndHandler(vb, ev.EndReason)
		}
		if !ev.EndReason.AutoReopen() {
			return
		}
		// Auto-reopen: self-schedule a reconcile rather than waiting for
		// an external ClusterMap edge. The channel this vbucket was on
		// is still open, so the replayed Reconcile will see the
		// vbucket still desired and its stream missing, and re-open it
		// from SessionState.
		c.scheduleRetry(addr)
	}
}

// ChannelStats returns a snapshot of every managed channel's counters,
// keyed by node address, for an introspection surface like httpstats
// to expose.
func (c *Conductor) ChannelStats() map[string]channel.StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]channel.StatsSnapshot, len(c.channels))
	for addr, mc := range c.channels {
		out[addr] = mc.ch.Stats().Snapshot()
	}
	return out
}

// Close tears down every managed channel and stops any pending
// self-scheduled retry from firing.
func (c *Conductor) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, mc := range c.channels {
		mc.cancel()
		mc.ch.Close()
		delete(c.channels, addr)
	}
}
