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

package clustermap

import "sync"

// Arbiter holds the most recently accepted ClusterMap and notifies
// subscribers (normally a single Conductor) whenever a newer one
// arrives, the same way a cbgt Manager subscribes a buffered
// CfgEvent channel to its Cfg and kicks its planner when one fires.
// Update races are resolved with ClusterMap.IsNewerThan: the first of
// two concurrent updates carrying the same revision wins and the
// second is silently dropped, since re-announcing an already-current
// map is not an error, just redundant.
type Arbiter struct {
	m        sync.Mutex
	current  ClusterMap
	hasMap   bool
	subs     []chan struct{}
}

// NewArbiter returns an Arbiter with no map yet applied.
func NewArbiter() *Arbiter {
	return &Arbiter{}
}

// Current returns the most recently applied ClusterMap and whether
// one has ever been applied.
func (a *Arbiter) Current() (ClusterMap, bool) {
	a.m.Lock()
	defer a.m.Unlock()
	return a.current, a.hasMap
}

// Apply offers a newly received ClusterMap to the Arbiter. It returns
// true if the map was newer than the current one and was accepted; a
// stale or tied map is dropped and false is returned. On acceptance,
// every subscriber is kicked via a non-blocking send so a subscriber
// that is mid-reconciliation never blocks the caller delivering the
// update (mirroring cbgt's buffered, drop-if-full kick channels).
func (a *Arbiter) Apply(m ClusterMap) bool {
	a.m.Lock()
	defer a.m.Unlock()

	if a.hasMap && !m.IsNewerThan(a.current) {
		return false
	}
	a.current = m
	a.hasMap = true

	for _, ch := range a.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true
}

// Subscribe registers ch to receive a non-blocking notification every
// time a newer ClusterMap is applied. ch should be buffered (capacity
// 1 is enough, since a subscriber only needs to know "something
// changed", not how many times).
func (a *Arbiter) Subscribe(ch chan struct{}) {
	a.m.Lock()
	defer a.m.Unlock()
	a.subs = append(a.subs, ch)
}
