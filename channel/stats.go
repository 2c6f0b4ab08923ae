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
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
)

// Stats are the atomic counters every Channel keeps, registered under
// a per-channel go-metrics Registry the way cbgt registers per-PIndex
// counters, so a host can sample them without locking.
type Stats struct {
	TotFramesRecv   uint64
	TotFramesSent   uint64
	TotBytesRecv    uint64
	TotBytesSent    uint64
	TotBufferAcks   uint64
	TotNoopSent     uint64
	TotNoopRecv     uint64
	TotReconnects   uint64
	TotProtocolErrs uint64

	registry    metrics.Registry
	bytesRecvM  metrics.Meter
	framesRecvM metrics.Meter
}

// NewStats creates a Stats and registers its go-metrics meters under
// name (typically the node address) in registry. A nil registry is
// valid: the atomic counters still work, just unsampled by go-metrics.
func NewStats(name string, registry metrics.Registry) *Stats {
	s := &Stats{registry: registry}
	if registry == nil {
		registry = metrics.NewRegistry()
		s.registry = registry
	}
	s.bytesRecvM = metrics.NewMeter()
	s.framesRecvM = metrics.NewMeter()
	_ = registry.Register(name+"-bytesRecv", s.bytesRecvM)
	_ = registry.Register(name+"-framesRecv", s.framesRecvM)
	return s
}

func (s *Stats) recordFrameRecv(n int) {
	atomic.AddUint64(&s.TotFramesRecv, 1)
	atomic.AddUint64(&s.TotBytesRecv, uint64(n))
	s.framesRecvM.Mark(1)
	s.bytesRecvM.Mark(int64(n))
}

func (s *Stats) recordFrameSent(n int) {
	atomic.AddUint64(&s.TotFramesSent, 1)
	atomic.AddUint64(&s.TotBytesSent, uint64(n))
}

// Snapshot returns a point-in-time, JSON-encodable copy of every
// counter, read atomically rather than racing encoding/json against
// concurrent updates.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotFramesRecv:   atomic.LoadUint64(&s.TotFramesRecv),
		TotFramesSent:   atomic.LoadUint64(&s.TotFramesSent),
		TotBytesRecv:    atomic.LoadUint64(&s.TotBytesRecv),
		TotBytesSent:    atomic.LoadUint64(&s.TotBytesSent),
		TotBufferAcks:   atomic.LoadUint64(&s.TotBufferAcks),
		TotNoopSent:     atomic.LoadUint64(&s.TotNoopSent),
		TotNoopRecv:     atomic.LoadUint64(&s.TotNoopRecv),
		TotReconnects:   atomic.LoadUint64(&s.TotReconnects),
		TotProtocolErrs: atomic.LoadUint64(&s.TotProtocolErrs),
	}
}

// StatsSnapshot is the JSON shape of one Channel's counters at a point
// in time.
type StatsSnapshot struct {
	TotFramesRecv   uint64 `json:"totFramesRecv"`
	TotFramesSent   uint64 `json:"totFramesSent"`
	TotBytesRecv    uint64 `json:"totBytesRecv"`
	TotBytesSent    uint64 `json:"totBytesSent"`
	TotBufferAcks   uint64 `json:"totBufferAcks"`
	TotNoopSent     uint64 `json:"totNoopSent"`
	TotNoopRecv     uint64 `json:"totNoopRecv"`
	TotReconnects   uint64 `json:"totReconnects"`
	TotProtocolErrs uint64 `json:"totProtocolErrs"`
}
