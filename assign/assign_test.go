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

package assign

import (
	"testing"
)

func TestPlanNextMapAssignsEveryVBucketToExactlyOneMember(t *testing.T) {
	g := NewMemoryGroup([]string{"m0", "m1", "m2"})

	vbuckets := make([]uint16, 0, 16)
	for i := uint16(0); i < 16; i++ {
		vbuckets = append(vbuckets, i)
	}

	m, _, err := PlanNextMap(g, vbuckets, nil, nil)
	if err != nil {
		t.Fatalf("PlanNextMap: %v", err)
	}

	owners := map[uint16]string{}
	for _, member := range []string{"m0", "m1", "m2"} {
		for _, vb := range VBucketsFor(m, member) {
			if prev, ok := owners[vb]; ok {
				t.Fatalf("vbucket %d assigned to both %s and %s", vb, prev, member)
			}
			owners[vb] = member
		}
	}
	if len(owners) != len(vbuckets) {
		t.Fatalf("expected all %d vbuckets assigned, got %d", len(vbuckets), len(owners))
	}
}

func TestPlanNextMapRejectsEmptyGroup(t *testing.T) {
	g := NewMemoryGroup(nil)
	if _, _, err := PlanNextMap(g, []uint16{0}, nil, nil); err == nil {
		t.Fatal("expected an error planning against a group with no members")
	}
}

func TestPlanNextMapIsStableAcrossReplan(t *testing.T) {
	g := NewMemoryGroup([]string{"m0", "m1"})
	vbuckets := []uint16{0, 1, 2, 3}

	first, _, err := PlanNextMap(g, vbuckets, nil, nil)
	if err != nil {
		t.Fatalf("first PlanNextMap: %v", err)
	}

	second, _, err := PlanNextMap(g, vbuckets, nil, nil)
	if err != nil {
		t.Fatalf("second PlanNextMap: %v", err)
	}

	for _, vb := range vbuckets {
		var owner1, owner2 string
		for _, m := range []string{"m0", "m1"} {
			for _, v := range VBucketsFor(first, m) {
				if v == vb {
					owner1 = m
				}
			}
			for _, v := range VBucketsFor(second, m) {
				if v == vb {
					owner2 = m
				}
			}
		}
		if owner1 != owner2 {
			t.Errorf("vbucket %d moved from %s to %s on a no-op replan", vb, owner1, owner2)
		}
	}
}
