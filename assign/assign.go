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

// Package assign partitions a vbucket set across a group of
// cooperating client processes using blance's generic partition
// planner, the same engine cbgt's BlancePlanPIndexes uses to lay out
// index partitions across nodes — here with a single "owner" state
// and no replicas, since a vbucket is only ever streamed from one
// member at a time.
package assign

import (
	"fmt"
	"strconv"

	"github.com/blugelabs/blance"
)

// partitionModel is the blance model every PlanNextMap call uses: one
// state, "owner", with exactly one assignee per vbucket.
var partitionModel = blance.PartitionModel{
	"owner": &blance.PartitionModelState{
		Priority:    0,
		Constraints: 1,
	},
}

// Group is the pluggable membership/state store a consumer group
// plans against. A real implementation backs this with a shared
// config store (etcd, Couchbase's own Cfg, …), mirroring how cbgt's
// own Cfg interface is pluggable across "simple"/metakv/etcd backends
// (cmd/main_cfg.go); this package ships only the planning logic and an
// in-memory Group for tests and single-binary use.
type Group interface {
	// Members returns every currently registered member id.
	Members() ([]string, error)

	// PrevMap returns the last plan this group agreed on, or an empty
	// map if none has ever been computed.
	PrevMap() (blance.PartitionMap, error)

	// CommitMap stores a newly computed plan as the group's current
	// one.
	CommitMap(blance.PartitionMap) error
}

// vbucketPartitionName renders a vbucket id as the partition name
// blance's map is keyed by.
func vbucketPartitionName(vb uint16) string {
	return strconv.Itoa(int(vb))
}

// PlanNextMap computes which member owns each vbucket in vbuckets,
// given the group's previous plan and current membership, via
// blance.PlanNextMap. membersToAdd/membersToRemove let a caller signal
// a membership change in progress (a joining or leaving member) the
// same way cbgt signals nodesToAdd/nodesToRemove during rebalance;
// pass nil for a steady-state replan.
func PlanNextMap(g Group, vbuckets []uint16, membersToAdd, membersToRemove []string) (blance.PartitionMap, []string, error) {
	members, err := g.Members()
	if err != nil {
		return nil, nil, fmt.Errorf("assign: listing members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil, fmt.Errorf("assign: cannot plan with zero members")
	}

	prevMap, err := g.PrevMap()
	if err != nil {
		return nil, nil, fmt.Errorf("assign: loading previous map: %w", err)
	}

	want := blance.PartitionMap{}
	for _, vb := range vbuckets {
		name := vbucketPartitionName(vb)
		if p, ok := prevMap[name]; ok {
			want[name] = p
		} else {
			want[name] = &blance.Partition{Name: name, NodesByState: map[string][]string{}}
		}
	}

	nextMap, warnings := blance.PlanNextMap(want, members, membersToRemove, membersToAdd,
		partitionModel, nil, nil, nil, nil, nil, nil)

	if err := g.CommitMap(nextMap); err != nil {
		return nil, warnings, fmt.Errorf("assign: committing plan: %w", err)
	}
	return nextMap, warnings, nil
}

// VBucketsFor extracts, from a committed PartitionMap, the subset of
// vbuckets the given member currently owns — the slice a caller feeds
// straight into Client.StreamPartitions.
func VBucketsFor(m blance.PartitionMap, member string) []uint16 {
	var out []uint16
	for name, p := range m {
		for _, owner := range p.NodesByState["owner"] {
			if owner == member {
				n, err := strconv.Atoi(name)
				if err != nil {
					continue
				}
				out = append(out, uint16(n))
				break
			}
		}
	}
	return out
}

// MemoryGroup is an in-memory Group implementation, suitable for
// single-binary use (one process, multiple logical members for
// testing) or as a template for a real shared-store-backed Group.
type MemoryGroup struct {
	members []string
	prev    blance.PartitionMap
}

// NewMemoryGroup returns a Group whose membership is fixed at members
// for its lifetime and whose plan starts empty.
func NewMemoryGroup(members []string) *MemoryGroup {
	return &MemoryGroup{members: members, prev: blance.PartitionMap{}}
}

func (g *MemoryGroup) Members() ([]string, error) { return g.members, nil }

func (g *MemoryGroup) PrevMap() (blance.PartitionMap, error) { return g.prev, nil }

func (g *MemoryGroup) CommitMap(m blance.PartitionMap) error {
	g.prev = m
	return nil
}
