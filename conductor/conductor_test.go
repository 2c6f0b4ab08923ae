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

package conductor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/blugelabs/dcpstream/channel"
	"github.com/blugelabs/dcpstream/clustermap"
	"github.com/blugelabs/dcpstream/session"
	"github.com/blugelabs/dcpstream/wire"
)

// fakeDataNode accepts one connection, drives it through the full
// handshake as a well-behaved server, then replies success to every
// DCP_STREAM_REQUEST it sees with an empty failover log. It reports
// each STREAM_REQUEST's vbucket on streamReqs for assertions.
func fakeDataNode(t *testing.T, streamReqs chan<- uint16) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// handshake: auth is skipped (anonymous creds), so the first
		// frame is HELLO, then SELECT_BUCKET, then DCP_OPEN_CONNECTION,
		// then a run of DCP_CONTROL requests.
		for _, op := range []wire.Opcode{wire.OpHello, wire.OpSelectBucket, wire.OpDCPOpenConnection} {
			req, err := wire.Decode(conn)
			if err != nil || req.Opcode != op {
				return
			}
			resp := &wire.Frame{Header: wire.Header{
				Magic: wire.MagicResponse, Opcode: req.Opcode, Opaque: req.Opaque,
			}}
			if req.Opcode == wire.OpHello {
				resp.Value = req.Value // honor every requested feature
			}
			if err := wire.Encode(conn, resp); err != nil {
				return
			}
		}
		for {
			req, err := wire.Decode(conn)
			if err != nil {
				return
			}
			switch req.Opcode {
			case wire.OpDCPControl:
				resp := &wire.Frame{Header: wire.Header{
					Magic: wire.MagicResponse, Opcode: req.Opcode, Opaque: req.Opaque,
				}}
				if err := wire.Encode(conn, resp); err != nil {
					return
				}

			case wire.OpDCPStreamRequest:
				select {
				case streamReqs <- req.VBucket():
				default:
				}
				resp := &wire.Frame{Header: wire.Header{
					Magic: wire.MagicResponse, Opcode: req.Opcode, Opaque: req.Opaque,
				}}
				if err := wire.Encode(conn, resp); err != nil {
					return
				}

			default:
				return
			}
		}
	}()

	return ln
}

func testOpts() Options {
	co := channel.NewDefaultOptions()
	co.ConnectTimeout = time.Second
	co.HandshakeGracePeriod = time.Second
	return Options{Bucket: "default", ChannelOptions: co, EndSeqno: wire.SeqnoInfinity}
}

func TestReconcileOpensChannelAndIssuesStreamRequest(t *testing.T) {
	streamReqs := make(chan uint16, 1)
	ln := fakeDataNode(t, streamReqs)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	m := clustermap.ClusterMap{
		RevEpoch:  1,
		RevNumber: 1,
		Nodes: []clustermap.NodeDef{
			{Hostname: addr.IP.String(), KVPort: addr.Port},
		},
		VBucketToNodeIndex: []int{0},
		NumVBuckets:        1,
	}

	store := session.NewStore()
	c := New(testOpts(), store, channel.Dial, channel.NopLogger, nil, nil)
	defer c.Close()
	c.SetInterest([]uint16{0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Reconcile(ctx, m); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	select {
	case vb := <-streamReqs:
		if vb != 0 {
			t.Errorf("stream-request for vbucket %d, want 0", vb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stream-request to reach the fake node")
	}

	c.mu.Lock()
	n := len(c.channels)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly 1 managed channel, got %d", n)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	streamReqs := make(chan uint16, 4)
	ln := fakeDataNode(t, streamReqs)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	m := clustermap.ClusterMap{
		RevEpoch: 1, RevNumber: 1,
		Nodes:              []clustermap.NodeDef{{Hostname: addr.IP.String(), KVPort: addr.Port}},
		VBucketToNodeIndex: []int{0},
		NumVBuckets:        1,
	}

	store := session.NewStore()
	c := New(testOpts(), store, channel.Dial, channel.NopLogger, nil, nil)
	defer c.Close()
	c.SetInterest([]uint16{0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Reconcile(ctx, m); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	<-streamReqs // drain the first request

	if err := c.Reconcile(ctx, m); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	select {
	case vb := <-streamReqs:
		t.Fatalf("unexpected second stream-request for vbucket %d; reconcile"+
			" should be a no-op when nothing changed", vb)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconcileClosesChannelWhenVBucketLeaves(t *testing.T) {
	streamReqs := make(chan uint16, 4)
	ln := fakeDataNode(t, streamReqs)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	m1 := clustermap.ClusterMap{
		RevEpoch: 1, RevNumber: 1,
		Nodes:              []clustermap.NodeDef{{Hostname: addr.IP.String(), KVPort: addr.Port}},
		VBucketToNodeIndex: []int{0},
		NumVBuckets:        1,
	}
	m2 := m1
	m2.RevNumber = 2
	m2.VBucketToNodeIndex = []int{-1} // vbucket 0 now has no owner

	store := session.NewStore()
	c := New(testOpts(), store, channel.Dial, channel.NopLogger, nil, nil)
	defer c.Close()
	c.SetInterest([]uint16{0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Reconcile(ctx, m1); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	<-streamReqs

	if err := c.Reconcile(ctx, m2); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	c.mu.Lock()
	n := len(c.channels)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the channel to be closed once its only vbucket of"+
			" interest left, got %d still open", n)
	}
}
