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

import "testing"

func TestIsNewerThan(t *testing.T) {
	tests := []struct {
		name string
		a, b ClusterMap
		want bool
	}{
		{"higher epoch wins", ClusterMap{RevEpoch: 2}, ClusterMap{RevEpoch: 1, RevNumber: 100}, true},
		{"equal epoch higher number wins", ClusterMap{RevEpoch: 1, RevNumber: 5}, ClusterMap{RevEpoch: 1, RevNumber: 4}, true},
		{"tie is not newer", ClusterMap{RevEpoch: 1, RevNumber: 4}, ClusterMap{RevEpoch: 1, RevNumber: 4}, false},
		{"lower epoch loses despite higher number", ClusterMap{RevEpoch: 1, RevNumber: 99}, ClusterMap{RevEpoch: 2, RevNumber: 0}, false},
	}
	for _, test := range tests {
		if got := test.a.IsNewerThan(test.b); got != test.want {
			t.Errorf("%s: IsNewerThan = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestNodeForVBucket(t *testing.T) {
	m := ClusterMap{
		Nodes:              []NodeDef{{Hostname: "a"}, {Hostname: "b"}},
		VBucketToNodeIndex: []int{0, 1, -1},
	}

	n, ok := m.NodeForVBucket(1)
	if !ok || n.Hostname != "b" {
		t.Errorf("vbucket 1: got %+v, ok=%v", n, ok)
	}

	if _, ok := m.NodeForVBucket(2); ok {
		t.Error("vbucket 2 has no owner (-1), expected ok=false")
	}

	if _, ok := m.NodeForVBucket(10); ok {
		t.Error("out-of-range vbucket should report ok=false")
	}
}

func TestArbiterAppliesOnlyNewer(t *testing.T) {
	a := NewArbiter()

	if !a.Apply(ClusterMap{RevEpoch: 1, RevNumber: 1}) {
		t.Fatal("first apply should always be accepted")
	}
	if a.Apply(ClusterMap{RevEpoch: 1, RevNumber: 1}) {
		t.Error("tied revision should be rejected")
	}
	if !a.Apply(ClusterMap{RevEpoch: 1, RevNumber: 2}) {
		t.Error("strictly newer revision should be accepted")
	}

	cur, ok := a.Current()
	if !ok || cur.RevNumber != 2 {
		t.Errorf("unexpected current map: %+v (ok=%v)", cur, ok)
	}
}

func TestArbiterNotifiesSubscribersNonBlocking(t *testing.T) {
	a := NewArbiter()
	ch := make(chan struct{}, 1)
	a.Subscribe(ch)

	a.Apply(ClusterMap{RevEpoch: 1, RevNumber: 1})
	select {
	case <-ch:
	default:
		t.Fatal("expected a notification after the first Apply")
	}

	// A second Apply with the channel already signaled, full, must not
	// block the caller.
	ch <- struct{}{}
	done := make(chan struct{})
	go func() {
		a.Apply(ClusterMap{RevEpoch: 1, RevNumber: 2})
		close(done)
	}()
	<-done
}
