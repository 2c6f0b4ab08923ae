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

// Package clustermap models the Couchbase bucket configuration
// ("cluster map") that tells a DCP client which node owns which
// vbucket, and arbitrates concurrent updates to it the same way a
// cbgt Manager arbitrates concurrent Cfg updates: last-writer loses
// ties, never the first.
package clustermap

import "fmt"

// NodeDef describes one data node a Channel can connect to.
type NodeDef struct {
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
	KVPort   int    `json:"kvPort"`
}

// Addr is the host:port a Channel dials to reach this node's memcached
// port.
func (n NodeDef) Addr() string {
	return fmt.Sprintf("%s:%d", n.Hostname, n.KVPort)
}

// ClusterMap is one revision of a bucket's vbucket-to-node ownership,
// as delivered by a GET_CLUSTER_CONFIG response or its streaming
// notification.
type ClusterMap struct {
	RevEpoch            uint64            `json:"revEpoch"`
	RevNumber           uint64            `json:"revNumber"`
	Nodes               []NodeDef         `json:"nodes"`
	VBucketToNodeIndex  []int             `json:"vbucketToNodeIndex"`
	NumVBuckets         int               `json:"numVBuckets"`
}

// NodeForVBucket returns the active node owning vbucket vb, or false
// if the map has no owner recorded for it (a transient state during
// failover).
func (m ClusterMap) NodeForVBucket(vb uint16) (NodeDef, bool) {
	if int(vb) >= len(m.VBucketToNodeIndex) {
		return NodeDef{}, false
	}
	idx := m.VBucketToNodeIndex[vb]
	if idx < 0 || idx >= len(m.Nodes) {
		return NodeDef{}, false
	}
	return m.Nodes[idx], true
}

// IsNewerThan implements the revision ordering rule: a map is
// newer if its epoch is higher, or its epoch is equal and its number
// is higher. Equal revisions are never "newer" than each other, which
// is what lets Apply below treat a tied update as a no-op instead of
// silently swapping an equivalent map for another.
func (m ClusterMap) IsNewerThan(other ClusterMap) bool {
	if m.RevEpoch != other.RevEpoch {
		return m.RevEpoch > other.RevEpoch
	}
	return m.RevNumber > other.RevNumber
}
