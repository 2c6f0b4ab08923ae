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

// Package channel implements one Channel: a single TCP connection to
// a data node, run through the CONNECTING → ... → READY handshake
// phase machine, and kept alive in steady state with NOOP keepalive
// and DCP flow-control accounting.
package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/blugelabs/dcpstream/wire"
)

// FrameHandler is invoked on the Channel's own I/O goroutine for every
// frame the server pushes once the channel is READY: DCP_MUTATION,
// DCP_DELETION, DCP_SNAPSHOT_MARKER, DCP_STREAM_END,
// DCP_SEQNO_ADVANCED, DCP_SYSTEM_EVENT, DCP_OSO_SNAPSHOT, and
// server-pushed GET_CLUSTER_CONFIG notifications. Callbacks run on
// this goroutine unless the host bridges them elsewhere.
type FrameHandler func(f *wire.Frame)

// Channel is one handshake-negotiated connection to a data node.
type Channel struct {
	Addr string

	opts Options
	log  Logger

	conn   net.Conn
	connMu sync.Mutex

	phase   int32 // atomic Phase
	stats   *Stats
	handler FrameHandler

	opaqueSeq    uint32
	pending      sync.Map // opaque uint32 -> chan *wire.Frame
	honoredFeat  map[Feature]bool

	unacked      uint32 // atomic, bytes received since last ack
	totalAcked   uint64 // atomic, cumulative acked bytes
	flowMode     int32  // atomic FlowControlMode

	lastRecv int64 // atomic, unix nanos of last frame received
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Dial opens a TCP connection to addr and runs the full handshake
// (CONNECTING through READY). It does not start the steady-state read
// loop; call Run for that once handshake succeeds.
func Dial(ctx context.Context, addr, bucket string, creds Credentials, opts Options, log Logger) (*Channel, error) {
	if log == nil {
		log = NopLogger
	}

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", addr, err)
	}

	c := &Channel{
		Addr:        addr,
		opts:        opts,
		log:         log,
		conn:        conn,
		stats:       NewStats(addr, metrics.NewRegistry()),
		honoredFeat: map[Feature]bool{},
		stopCh:      make(chan struct{}),
	}
	c.setPhase(PhaseConnecting)

	deadline := time.Now().Add(opts.ConnectTimeout + opts.HandshakeGracePeriod)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: set handshake deadline: %w", err)
	}

	if err := c.handshake(bucket, creds); err != nil {
		c.setPhase(PhaseClosing)
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: clear handshake deadline: %w", err)
	}

	c.setPhase(PhaseReady)
	return c, nil
}

func (c *Channel) setPhase(p Phase) { atomic.StoreInt32(&c.phase, int32(p)) }

// CurrentPhase returns the channel's current handshake/lifecycle
// phase.
func (c *Channel) CurrentPhase() Phase { return Phase(atomic.LoadInt32(&c.phase)) }

// handshake runs AUTH → HELLO → SELECT_BUCKET → DCP_OPEN →
// DCP_CONTROL in that fixed order. TLS (HANDSHAKE_SSL)
// is assumed already applied by the caller's net.Dialer/tls.Config
// when the seed address requires it; this module dials a plain
// net.Conn and lets the caller hand it a TLS-wrapped one via Dial's
// addr resolving to a tls-terminated listener, matching how cbgt's
// own DCP feed leaves TLS negotiation to the underlying client
// library rather than reimplementing it.
func (c *Channel) handshake(bucket string, creds Credentials) error {
	c.setPhase(PhaseAuth)
	if err := c.authenticate(creds); err != nil {
		return fmt.Errorf("channel: auth phase: %w", err)
	}

	c.setPhase(PhaseHello)
	if err := c.hello(); err != nil {
		return fmt.Errorf("channel: hello phase: %w", err)
	}

	c.setPhase(PhaseSelectBucket)
	if err := c.selectBucket(bucket); err != nil {
		return fmt.Errorf("channel: select-bucket phase: %w", err)
	}

	c.setPhase(PhaseDCPOpen)
	if err := c.dcpOpen(bucket); err != nil {
		return fmt.Errorf("channel: dcp-open phase: %w", err)
	}

	c.setPhase(PhaseDCPControl)
	if err := c.dcpControl(); err != nil {
		return fmt.Errorf("channel: dcp-control phase: %w", err)
	}

	return nil
}

func (c *Channel) authenticate(creds Credentials) error {
	if creds.Username == "" {
		return nil // anonymous/cluster-local auth, nothing to negotiate
	}
	// PLAIN SASL: "\x00" + username + "\x00" + password as the value.
	value := []byte("\x00" + creds.Username + "\x00" + creds.Password)
	_, err := c.requestLocked(wire.OpSaslAuth, 0, []byte("PLAIN"), nil, value)
	return err
}

func (c *Channel) hello() error {
	value := make([]byte, 0, len(c.opts.Features)*2)
	for _, f := range c.opts.Features {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(f))
		value = append(value, b...)
	}
	resp, err := c.requestLocked(wire.OpHello, 0, nil, []byte("dcpstream"), value)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(resp.Value); i += 2 {
		f := Feature(binary.BigEndian.Uint16(resp.Value[i : i+2]))
		c.honoredFeat[f] = true
	}
	return nil
}

// HonoredFeature reports whether the server agreed to a HELLO feature
// (e.g. collections-aware framing should only be applied when
// FeatureCollections was honored).
func (c *Channel) HonoredFeature(f Feature) bool {
	return c.honoredFeat[f]
}

func (c *Channel) selectBucket(bucket string) error {
	_, err := c.requestLocked(wire.OpSelectBucket, 0, nil, []byte(bucket), nil)
	return err
}

func (c *Channel) dcpOpen(bucket string) error {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[4:8], 0x01) // DCP producer flag
	_, err := c.requestLocked(wire.OpDCPOpenConnection, 0, extras, []byte(bucket+":dcpstream"), nil)
	return err
}

func (c *Channel) dcpControl() error {
	opts := map[string]string{}
	for k, v := range c.opts.DCPControl {
		opts[k] = v
	}
	opts["connection_buffer_size"] = fmt.Sprintf("%d", c.opts.ConnectionBufferSize)

	// DCP_CONTROL options are sent one key/value pair per request, in
	// a fixed order; any rejection is fatal for the channel.
	for _, k := range []string{
		"connection_buffer_size", "enable_noop", "set_noop_interval",
		"enable_expiry_opcode", "send_stream_end_on_client_close_stream",
		"enable_stream_id", "force_value_compression",
	} {
		v, ok := opts[k]
		if !ok {
			continue
		}
		if _, err := c.requestLocked(wire.OpDCPControl, 0, nil, []byte(k), []byte(v)); err != nil {
			return fmt.Errorf("channel: dcp_control %s rejected: %w", k, err)
		}
	}
	return nil
}

// requestLocked sends a request frame and blocks for its correlated
// response. It is used only during handshake, where requests are
// naturally serialized; steady-state request/response traffic (e.g.
// OBSERVE_SEQNO) uses Request instead, which is safe to call
// concurrently with the read loop.
func (c *Channel) requestLocked(op wire.Opcode, vbucket uint16, extras, key, value []byte) (*wire.Frame, error) {
	opaque := atomic.AddUint32(&c.opaqueSeq, 1)
	f := wire.NewRequest(op, vbucket, opaque)
	f.Extras, f.Key, f.Value = extras, key, value

	if err := wire.Encode(c.conn, f); err != nil {
		return nil, fmt.Errorf("channel: send %s: %w", op, err)
	}

	resp, err := wire.Decode(c.conn)
	if err != nil {
		return nil, fmt.Errorf("channel: recv response to %s: %w", op, err)
	}
	if resp.Opaque != opaque {
		return nil, fmt.Errorf("channel: opaque mismatch for %s: sent %d,"+
			" got %d", op, opaque, resp.Opaque)
	}
	if resp.Status() != wire.StatusSuccess {
		return nil, fmt.Errorf("channel: %s failed: %s", op, resp.Status())
	}
	return resp, nil
}

// Request sends a steady-state request (e.g. OBSERVE_SEQNO,
// DCP_GET_FAILOVER_LOG) and waits for its correlated response,
// delivered by the Run loop via the opaque->channel map. Safe to call
// concurrently with Run.
func (c *Channel) Request(ctx context.Context, op wire.Opcode, vbucket uint16, extras, key, value []byte) (*wire.Frame, error) {
	opaque := atomic.AddUint32(&c.opaqueSeq, 1)
	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(opaque, respCh)
	defer c.pending.Delete(opaque)

	f := wire.NewRequest(op, vbucket, opaque)
	f.Extras, f.Key, f.Value = extras, key, value

	c.connMu.Lock()
	err := wire.Encode(c.conn, f)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("channel: send %s: %w", op, err)
	}
	c.stats.recordFrameSent(wire.HeaderLen + len(extras) + len(key) + len(value))

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, fmt.Errorf("channel: closed while awaiting response to %s", op)
	}
}

// StreamRequest sends a DCP_STREAM_REQUEST for vbucket with the given
// params and opaque (the caller picks the opaque so it can be reused
// as the stream identifier for subsequent mutation frames).
func (c *Channel) StreamRequest(vbucket uint16, opaque uint32, params wire.StreamRequestParams) error {
	f := wire.NewRequest(wire.OpDCPStreamRequest, vbucket, opaque)
	f.Extras = wire.EncodeStreamRequestExtras(params)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := wire.Encode(c.conn, f); err != nil {
		return fmt.Errorf("channel: send stream-request: %w", err)
	}
	c.stats.recordFrameSent(wire.HeaderLen + len(f.Extras))
	return nil
}

// CloseStream sends DCP_CLOSE_STREAM for the given opaque/vbucket.
func (c *Channel) CloseStream(vbucket uint16, opaque uint32) error {
	f := wire.NewRequest(wire.OpDCPCloseStream, vbucket, opaque)
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := wire.Encode(c.conn, f); err != nil {
		return fmt.Errorf("channel: send close-stream: %w", err)
	}
	c.stats.recordFrameSent(wire.HeaderLen)
	return nil
}

// Run is the Channel's steady-state I/O loop: it reads frames until
// ctx is canceled or a read error occurs, routing request-correlated
// responses to Request's waiters and everything else to handler.
// Run owns this Channel's single I/O task; it must be called
// from exactly one goroutine and never concurrently with itself.
func (c *Channel) Run(ctx context.Context, handler FrameHandler) error {
	c.handler = handler
	noopTicker := time.NewTicker(durationOrDefault(c.opts.NoopInterval) * 6 / 5)
	defer noopTicker.Stop()

	errCh := make(chan error, 1)
	frameCh := make(chan *wire.Frame, 64)

	go func() {
		for {
			f, err := wire.Decode(c.conn)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case frameCh <- f:
			case <-c.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()

		case err := <-errCh:
			atomic.AddUint64(&c.stats.TotReconnects, 1)
			return fmt.Errorf("channel: read loop for %s: %w", c.Addr, err)

		case f := <-frameCh:
			atomic.StoreInt64(&c.lastRecv, time.Now().UnixNano())
			c.stats.recordFrameRecv(wire.HeaderLen + len(f.Extras) + len(f.Key) + len(f.Value))
			c.dispatch(f)

		case <-noopTicker.C:
			if err := c.sendNoop(); err != nil {
				return err
			}
			if c.idleTooLong() {
				return fmt.Errorf("channel: %s idle for longer than"+
					" 2x noop interval, treating as stalled", c.Addr)
			}
		}
	}
}

// FlowControlMode selects when a Channel returns DCP_BUFFER_ACK credit
// for a data-bearing frame. The core preserves total per-vbucket
// ordering under all three; only the ack timing changes.
type FlowControlMode int

const (
	// FlowControlAuto acks before the frame handler is invoked.
	FlowControlAuto FlowControlMode = iota
	// FlowControlAutoAfterCallback acks after the handler returns.
	FlowControlAutoAfterCallback
	// FlowControlManual leaves acking entirely to the caller via
	// Acknowledge; Run never sends an ack on the caller's behalf.
	FlowControlManual
)

// SetFlowControlMode configures how this Channel returns flow-control
// credit. The default, if never called, is FlowControlAuto.
func (c *Channel) SetFlowControlMode(mode FlowControlMode) {
	atomic.StoreInt32((*int32)(&c.flowMode), int32(mode))
}

func (c *Channel) dispatch(f *wire.Frame) {
	if ch, ok := c.pending.Load(f.Opaque); ok {
		ch.(chan *wire.Frame) <- f
		return
	}

	dataBearing := f.Opcode.IsDataBearing()
	mode := FlowControlMode(atomic.LoadInt32((*int32)(&c.flowMode)))

	if dataBearing {
		c.accountFrame(f)
		if mode == FlowControlAuto {
			c.maybeAck()
		}
	}
	if c.handler != nil {
		c.handler(f)
	}
	if dataBearing && mode == FlowControlAutoAfterCallback {
		c.maybeAck()
	}
}

// accountFrame implements the unacked-bytes bookkeeping: every
// data-bearing frame's full wire size (header included) counts against
// the negotiated connection_buffer_size window. It does not itself
// send an ack; callers decide when credit is returned per
// FlowControlMode.
func (c *Channel) accountFrame(f *wire.Frame) {
	size := uint32(wire.HeaderLen + len(f.Extras) + len(f.Key) + len(f.Value))
	atomic.AddUint32(&c.unacked, size)
}

// maybeAck sends a DCP_BUFFER_ACK once the unacked counter has crossed
// the configured threshold.
func (c *Channel) maybeAck() {
	n := atomic.LoadUint32(&c.unacked)
	if n >= c.opts.AckThreshold() {
		if err := c.sendBufferAck(n); err != nil {
			c.log.Warnf("channel: %s: buffer-ack failed: %v", c.Addr, err)
		}
	}
}

func (c *Channel) sendBufferAck(n uint32) error {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, n)
	f := wire.NewRequest(wire.OpDCPBufferAck, 0, 0)
	f.Extras = extras

	c.connMu.Lock()
	err := wire.Encode(c.conn, f)
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("channel: send buffer-ack: %w", err)
	}

	atomic.StoreUint32(&c.unacked, 0)
	atomic.AddUint64(&c.totalAcked, uint64(n))
	atomic.AddUint64(&c.stats.TotBufferAcks, 1)
	return nil
}

// Acknowledge lets a MANUAL-mode listener return flow-control credit
// explicitly, once it has finished processing outstanding frames.
// It is a no-op in the other two modes, where Run already
// manages acking automatically.
func (c *Channel) Acknowledge() {
	if FlowControlMode(atomic.LoadInt32((*int32)(&c.flowMode))) != FlowControlManual {
		return
	}
	c.maybeAck()
}

func (c *Channel) sendNoop() error {
	f := wire.NewRequest(wire.OpDCPNoop, 0, 0)
	c.connMu.Lock()
	err := wire.Encode(c.conn, f)
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("channel: send noop: %w", err)
	}
	atomic.AddUint64(&c.stats.TotNoopSent, 1)
	return nil
}

func (c *Channel) idleTooLong() bool {
	last := atomic.LoadInt64(&c.lastRecv)
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) > 2*durationOrDefault(c.opts.NoopInterval)
}

func durationOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 20 * time.Second
	}
	return d
}

// Stats returns this channel's live counters.
func (c *Channel) Stats() *Stats { return c.stats }

// Close tears down the connection and unblocks Run and any pending
// Request calls.
func (c *Channel) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.setPhase(PhaseClosing)
	return c.conn.Close()
}
