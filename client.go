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

// Package dcpstream is a Couchbase DCP client core: it keeps one
// Channel open per node that owns a vbucket of interest, drives each
// vbucket's Stream state machine, and delivers decoded mutations,
// collections events and lifecycle callbacks to a DatabaseChangeListener.
package dcpstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/blugelabs/dcpstream/channel"
	"github.com/blugelabs/dcpstream/clustermap"
	"github.com/blugelabs/dcpstream/conductor"
	"github.com/blugelabs/dcpstream/rollbackmit"
	"github.com/blugelabs/dcpstream/session"
	"github.com/blugelabs/dcpstream/streamstate"
	"github.com/blugelabs/dcpstream/wire"
)

// Beginning and Infinity are the sentinel seqnos used for
// StreamPartitions: stream from the very start of a vbucket's history,
// or stream with no upper bound.
const (
	Beginning = uint64(0)
	Infinity  = wire.SeqnoInfinity
)

// Client is one bucket's worth of DCP consumption: a ClusterMap
// arbiter, a Conductor reconciling Channels/Streams against it, and the
// SessionState every stream resumes from.
type Client struct {
	opts ClientOptions
	log  Log

	store   *session.Store
	arbiter *clustermap.Arbiter
	cond    *conductor.Conductor

	listenerMu sync.RWMutex
	listener   DatabaseChangeListener

	ringsMu sync.Mutex
	rings   map[uint16]*rollbackmit.RingBuffer

	pollerMu sync.RWMutex
	poller   *rollbackmit.PersistencePollingHandler

	runMu  sync.Mutex
	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client. It does not dial anything; call Connect to
// bootstrap the initial ClusterMap and start reconciling.
func New(opts ClientOptions) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("dcpstream: ClientOptions.Bucket is required")
	}
	if len(opts.SeedNodes) == 0 {
		return nil, fmt.Errorf("dcpstream: ClientOptions.SeedNodes must not be empty")
	}
	log := opts.Logger
	if log == nil {
		log = NopLog
	}
	if opts.ConnectCallbackGracePeriod > 0 {
		opts.ChannelOptions.HandshakeGracePeriod = opts.ConnectCallbackGracePeriod
	}

	c := &Client{
		opts:     opts,
		log:      log,
		store:    session.NewStore(),
		arbiter:  clustermap.NewArbiter(),
		listener: NoopListener{},
		rings:    make(map[uint16]*rollbackmit.RingBuffer),
	}

	condOpts := conductor.Options{
		Bucket:             opts.Bucket,
		Credentials:        opts.Credentials,
		ChannelOptions:     opts.ChannelOptions,
		CollectionsAware:   opts.CollectionsAware,
		CollectionsFilter:  opts.CollectionsFilter,
		EndSeqno:           Infinity,
		FlowControlMode:    opts.FlowControlMode,
		ReconnectBackoff:   opts.ReconnectBackoff,
		RollbackHandler:    c.handleRollback,
		ClusterMapPush:     c.handleClusterMapPush,
		SnapshotHandler:    c.handleSnapshot,
		FailoverLogHandler: c.handleFailoverLog,
		SystemEventHandler: c.handleSystemEvent,
		StreamEndHandler:   c.handleStreamEnd,
	}

	// log satisfies channel.Logger structurally: it carries the same
	// Print/Printf/Error/.../Trace method set this module's own Log
	// interface does.
	c.cond = conductor.New(condOpts, c.store, channel.Dial, log, c.handleMutation, c.handleFailure)
	return c, nil
}

// SetListener installs the application's DatabaseChangeListener. Safe
// to call before or after Connect; a nil listener restores NoopListener.
func (c *Client) SetListener(l DatabaseChangeListener) {
	if l == nil {
		l = NoopListener{}
	}
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

func (c *Client) currentListener() DatabaseChangeListener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return c.listener
}

// Connect bootstraps the initial ClusterMap from the configured seed
// nodes and starts the background loop that reconciles Channels and
// Streams against every subsequent ClusterMap update. It
// blocks until a ClusterMap has been obtained or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	m, err := c.bootstrapClusterMap(ctx)
	if err != nil {
		return err
	}
	c.arbiter.Apply(m)

	runCtx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.bgCtx = runCtx
	c.cancel = cancel
	c.runMu.Unlock()
	c.cond.SetContext(runCtx)

	c.wg.Add(1)
	go c.reconcileLoop(runCtx)

	return nil
}

// bootstrapClusterMap dials seed nodes in order, retrying the whole
// list with backoff, until one answers GET_CLUSTER_CONFIG.
func (c *Client) bootstrapClusterMap(ctx context.Context) (clustermap.ClusterMap, error) {
	for attempt := 0; ; attempt++ {
		for _, addr := range c.opts.SeedNodes {
			m, err := c.fetchClusterConfig(ctx, addr)
			if err == nil {
				return m, nil
			}
			c.log.Warnf("dcpstream: bootstrap via %s failed: %v", addr, err)
		}
		select {
		case <-ctx.Done():
			return clustermap.ClusterMap{}, ctx.Err()
		case <-time.After(c.opts.ReconnectBackoff.Next(attempt)):
		}
	}
}

func (c *Client) fetchClusterConfig(ctx context.Context, addr string) (clustermap.ClusterMap, error) {
	creds := channel.Credentials{}
	if c.opts.Credentials != nil {
		var err error
		creds, err = c.opts.Credentials(addr)
		if err != nil {
			return clustermap.ClusterMap{}, fmt.Errorf("dcpstream: resolving credentials for %s: %w", addr, err)
		}
	}

	ch, err := channel.Dial(ctx, addr, c.opts.Bucket, creds, c.opts.ChannelOptions, c.log)
	if err != nil {
		return clustermap.ClusterMap{}, &HandshakeFailure{Addr: addr, Err: err}
	}
	defer ch.Close()

	resp, err := ch.Request(ctx, wire.OpGetClusterConfig, 0, nil, nil, nil)
	if err != nil {
		return clustermap.ClusterMap{}, fmt.Errorf("dcpstream: get-cluster-config from %s: %w", addr, err)
	}

	var m clustermap.ClusterMap
	if err := json.Unmarshal(resp.Value, &m); err != nil {
		return clustermap.ClusterMap{}, fmt.Errorf("dcpstream: decoding cluster config from %s: %w", addr, err)
	}
	return m, nil
}

// reconcileLoop applies every ClusterMap the Arbiter accepts, including
// the one already current when this loop starts.
func (c *Client) reconcileLoop(ctx context.Context) {
	defer c.wg.Done()

	sub := make(chan struct{}, 1)
	c.arbiter.Subscribe(sub)

	apply := func() {
		if m, ok := c.arbiter.Current(); ok {
			if err := c.cond.Reconcile(ctx, m); err != nil {
				c.log.Warnf("dcpstream: reconcile failed: %v", err)
			}
		}
	}
	apply()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub:
			apply()
		}
	}
}

// handleClusterMapPush decodes a server-pushed GET_CLUSTER_CONFIG
// notification and offers it to the Arbiter.
func (c *Client) handleClusterMapPush(body []byte) {
	var m clustermap.ClusterMap
	if err := json.Unmarshal(body, &m); err != nil {
		c.log.Warnf("dcpstream: decoding pushed cluster config: %v", err)
		return
	}
	c.arbiter.Apply(m)
}

// NumPartitions blocks until a non-empty ClusterMap has been applied
// and returns its vbucket count (an empty
// vbucketToNodeIndex means "not ready yet", not zero partitions).
func (c *Client) NumPartitions(ctx context.Context) (int, error) {
	sub := make(chan struct{}, 1)
	c.arbiter.Subscribe(sub)
	for {
		if m, ok := c.arbiter.Current(); ok && len(m.VBucketToNodeIndex) > 0 {
			return m.NumVBuckets, nil
		}
		select {
		case <-sub:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// StreamPartitions declares the set of vbuckets this Client wants
// streamed, with a shared endSeqno (Infinity for an unbounded stream),
// and immediately reconciles against the current ClusterMap if one has
// been obtained. Resolving a "NOW" starting position for a vbucket that
// has never been streamed before is the caller's responsibility (e.g.
// via an OBSERVE_SEQNO call before first adding it to interest); once
// a vbucket has SessionState recorded, StreamPartitions always resumes
// from it.
func (c *Client) StreamPartitions(ctx context.Context, vbuckets []uint16, endSeqno uint64) error {
	c.cond.SetInterest(vbuckets)
	c.cond.SetEndSeqno(endSeqno)
	if c.opts.RollbackMitigation.Enabled {
		c.restartMitigation(vbuckets)
	}
	if m, ok := c.arbiter.Current(); ok {
		return c.cond.Reconcile(ctx, m)
	}
	return nil
}

// SetFlowControlMode changes the buffer-ack timing used by every
// Channel this Client manages, including ones opened after this call.
func (c *Client) SetFlowControlMode(mode channel.FlowControlMode) {
	c.cond.SetFlowControlMode(mode)
}

// SessionState serializes every tracked vbucket's resumable position.
// A caller persists this so a later process can call RestoreSessionState
// before Connect and resume exactly where this Client left off.
func (c *Client) SessionState() ([]byte, error) {
	return c.store.Snapshot()
}

// RestoreSessionState replaces this Client's SessionState with a
// snapshot previously produced by SessionState. Call it before Connect.
func (c *Client) RestoreSessionState(buf []byte) error {
	return c.store.Restore(buf)
}

// ChannelStats returns a snapshot of every managed Channel's counters,
// keyed by node address.
func (c *Client) ChannelStats() map[string]channel.StatsSnapshot {
	return c.cond.ChannelStats()
}

// Close tears down every managed Channel, stops the reconcile loop and
// rollback-mitigation poller (if running), and waits for them to exit.
func (c *Client) Close() {
	c.runMu.Lock()
	cancel := c.cancel
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.cond.Close()
	c.wg.Wait()
	if p := c.currentPoller(); p != nil {
		p.Stop()
	}
}

func (c *Client) currentPoller() *rollbackmit.PersistencePollingHandler {
	c.pollerMu.RLock()
	defer c.pollerMu.RUnlock()
	return c.poller
}

// --- conductor callback adapters -------------------------------------

func (c *Client) handleMutation(vbucket uint16, m *streamstate.Mutation) {
	if !c.opts.RollbackMitigation.Enabled {
		c.deliverMutation(vbucket, m)
		return
	}

	ring := c.ringBufferFor(vbucket)
	ring.Push(m)
	persisted := uint64(0)
	if p := c.currentPoller(); p != nil {
		persisted = p.PersistedSeqno(vbucket)
	}
	c.releaseMitigated(vbucket, persisted)
}

// onPersistedAdvance is the PersistencePollingHandler callback that
// drains a vbucket's RingBuffer as soon as a poll tick raises its
// persisted watermark, so a batch already buffered when persistence
// catches up is delivered without waiting on the next mutation's Push.
func (c *Client) onPersistedAdvance(vbucket uint16, persisted uint64) {
	c.releaseMitigated(vbucket, persisted)
}

func (c *Client) releaseMitigated(vbucket uint16, persisted uint64) {
	ring := c.ringBufferFor(vbucket)
	for _, entry := range ring.Release(persisted) {
		c.deliverMutation(vbucket, entry.Mutation)
	}
}

func (c *Client) deliverMutation(vbucket uint16, m *streamstate.Mutation) {
	l := c.currentListener()
	if m.Opcode == wire.OpDCPDeletion || m.Opcode == wire.OpDCPExpiration {
		l.OnDeletion(m)
		return
	}
	l.OnMutation(m)
}

func (c *Client) handleFailure(vbucket uint16, err error) {
	wrapped := err
	if _, ok := err.(*conductor.RollbackVetoedError); ok {
		wrapped = &Fatal{VBucket: vbucket, Err: err}
	}
	c.currentListener().OnFailure(vbucket, wrapped)
}

func (c *Client) handleRollback(vbucket uint16, suggestedSeqno uint64) (*uint64, bool) {
	return c.currentListener().OnRollback(vbucket, suggestedSeqno)
}

func (c *Client) handleSnapshot(vbucket uint16, marker wire.SnapshotMarker) {
	c.currentListener().OnSnapshot(vbucket, marker)
}

func (c *Client) handleFailoverLog(vbucket uint16, log session.FailoverLog) {
	c.currentListener().OnFailoverLog(vbucket, log)
}

func (c *Client) handleSystemEvent(vbucket uint16, f *wire.Frame) {
	if f.Opcode != wire.OpDCPSystemEvent {
		// DCP_OSO_SNAPSHOT frames arrive on this path too; no
		// DatabaseChangeListener callback covers them.
		return
	}
	l := c.currentListener()
	switch wire.SystemEventTypeFromExtras(f.Extras) {
	case wire.SystemEventCollectionCreate:
		l.OnCollectionCreated(vbucket, f)
	case wire.SystemEventCollectionDrop:
		l.OnCollectionDropped(vbucket, f)
	case wire.SystemEventCollectionFlush:
		l.OnCollectionFlushed(vbucket, f)
	case wire.SystemEventScopeCreate:
		l.OnScopeCreated(vbucket, f)
	// SystemEventScopeDrop and anything else has no corresponding
	// DatabaseChangeListener callback and is not delivered.
	default:
	}
}

func (c *Client) handleStreamEnd(vbucket uint16, reason wire.StreamEndReason) {
	c.ringBufferFor(vbucket).Clear()
	c.currentListener().OnStreamEnd(vbucket, reason)
}

// --- rollback mitigation ----------------------------------------------

func (c *Client) ringBufferFor(vbucket uint16) *rollbackmit.RingBuffer {
	c.ringsMu.Lock()
	defer c.ringsMu.Unlock()
	r, ok := c.rings[vbucket]
	if !ok {
		r = rollbackmit.NewRingBuffer()
		c.rings[vbucket] = r
	}
	return r
}

// restartMitigation (re)starts the persistence-polling goroutine against
// the vbuckets StreamPartitions was just called with. A prior poller, if
// any, is stopped first: vbucket interest can change across calls, and
// PersistencePollingHandler.Run takes a fixed vbucket list for its whole
// run.
func (c *Client) restartMitigation(vbuckets []uint16) {
	c.runMu.Lock()
	ctx := c.bgCtx
	c.runMu.Unlock()
	if ctx == nil {
		// Connect hasn't run yet; the next StreamPartitions call after
		// Connect will start the poller instead.
		return
	}

	if p := c.currentPoller(); p != nil {
		p.Stop()
	}
	poller := rollbackmit.NewPersistencePollingHandler(c.observeSeqno, c.opts.RollbackMitigation.PollInterval)
	poller.SetOnAdvance(c.onPersistedAdvance)
	c.pollerMu.Lock()
	c.poller = poller
	c.pollerMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		poller.Run(ctx, vbuckets)
	}()
}

func (c *Client) observeSeqno(ctx context.Context, vbucket uint16) (wire.ObserveSeqnoResult, error) {
	resp, err := c.cond.Request(ctx, vbucket, wire.OpObserveSeqno, nil, nil, nil)
	if err != nil {
		return wire.ObserveSeqnoResult{}, err
	}
	return wire.DecodeObserveSeqno(resp.Value)
}
