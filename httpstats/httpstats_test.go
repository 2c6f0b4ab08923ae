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

package httpstats

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blugelabs/dcpstream/channel"
	"github.com/blugelabs/dcpstream/clustermap"
	"github.com/blugelabs/dcpstream/session"
)

type fakeStats struct{ m map[string]channel.StatsSnapshot }

func (f fakeStats) ChannelStats() map[string]channel.StatsSnapshot { return f.m }

func TestHandleStats(t *testing.T) {
	s := New(nil, nil, fakeStats{m: map[string]channel.StatsSnapshot{
		"10.0.0.1:11210": {TotFramesRecv: 42},
	}})

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if want := `"totFramesRecv":42`; !strings.Contains(rr.Body.String(), want) {
		t.Errorf("body %q does not contain %q", rr.Body.String(), want)
	}
}

func TestHandleSessionStateFound(t *testing.T) {
	store := session.NewStore()
	store.Init(3, session.State{Seqno: 100})

	s := New(nil, store, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sessionState/3", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if want := `"seqno":100`; !strings.Contains(rr.Body.String(), want) {
		t.Errorf("body %q does not contain %q", rr.Body.String(), want)
	}
}

func TestHandleSessionStateNotFound(t *testing.T) {
	store := session.NewStore()
	s := New(nil, store, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sessionState/7", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

type fakeClusterMap struct {
	m  clustermap.ClusterMap
	ok bool
}

func (f fakeClusterMap) Current() (clustermap.ClusterMap, bool) { return f.m, f.ok }

func TestHandleClusterMap(t *testing.T) {
	s := New(fakeClusterMap{m: clustermap.ClusterMap{RevNumber: 5}, ok: true}, nil, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/clusterMap", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if want := `"revNumber":5`; !strings.Contains(rr.Body.String(), want) {
		t.Errorf("body %q does not contain %q", rr.Body.String(), want)
	}
}

func TestHandleClusterMapNotConfigured(t *testing.T) {
	s := New(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/clusterMap", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

