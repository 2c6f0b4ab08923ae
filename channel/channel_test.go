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

import (
	"net"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/blugelabs/dcpstream/wire"
)

func TestAckThreshold(t *testing.T) {
	o := Options{ConnectionBufferSize: 1000, AckThresholdFraction: 0.5}
	if got := o.AckThreshold(); got != 500 {
		t.Errorf("AckThreshold() = %d, want 500", got)
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseReady.String() != "READY" {
		t.Errorf("PhaseReady.String() = %q", PhaseReady.String())
	}
}

func newTestChannel(t *testing.T, conn net.Conn) *Channel {
	t.Helper()
	return &Channel{
		Addr:        "test",
		opts:        NewDefaultOptions(),
		log:         NopLogger,
		conn:        conn,
		stats:       NewStats("test", metrics.NewRegistry()),
		honoredFeat: map[Feature]bool{},
		stopCh:      make(chan struct{}),
	}
}

func TestHelloRecordsHonoredFeatures(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := newTestChannel(t, clientConn)
	c.opts.Features = []Feature{FeatureXAttr, FeatureSnappy}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req, err := wire.Decode(serverConn)
		if err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		// Honor only XAttr.
		resp := &wire.Frame{
			Header: wire.Header{Magic: wire.MagicResponse, Opcode: wire.OpHello, Opaque: req.Opaque},
			Value:  req.Value[:2],
		}
		if err := wire.Encode(serverConn, resp); err != nil {
			t.Errorf("server encode: %v", err)
		}
	}()

	if err := c.hello(); err != nil {
		t.Fatalf("hello: %v", err)
	}
	<-serverDone

	if !c.HonoredFeature(FeatureXAttr) {
		t.Error("expected FeatureXAttr to be honored")
	}
	if c.HonoredFeature(FeatureSnappy) {
		t.Error("did not expect FeatureSnappy to be honored")
	}
}

func TestDispatchRoutesResponseToPendingRequest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	_ = serverConn

	c := newTestChannel(t, clientConn)

	respCh := make(chan *wire.Frame, 1)
	c.pending.Store(uint32(7), respCh)

	c.dispatch(&wire.Frame{Header: wire.Header{Opcode: wire.OpDCPGetFailoverLog, Opaque: 7}})

	select {
	case f := <-respCh:
		if f.Opaque != 7 {
			t.Errorf("got opaque %d, want 7", f.Opaque)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed response")
	}
}

func TestDispatchDeliversDataBearingFramesToHandler(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := newTestChannel(t, clientConn)
	c.opts.ConnectionBufferSize = 1 // force ack on the very first frame
	c.opts.AckThresholdFraction = 0.0

	ackRead := make(chan struct{})
	go func() {
		wire.Decode(serverConn)
		close(ackRead)
	}()

	var delivered *wire.Frame
	c.handler = func(f *wire.Frame) { delivered = f }

	c.dispatch(&wire.Frame{
		Header: wire.Header{Opcode: wire.OpDCPMutation, Opaque: 99},
		Key:    []byte("k"),
	})

	select {
	case <-ackRead:
	case <-time.After(time.Second):
		t.Fatal("expected a buffer-ack to be sent")
	}

	if delivered == nil || delivered.Opaque != 99 {
		t.Fatalf("expected mutation frame delivered to handler, got %+v", delivered)
	}
}
