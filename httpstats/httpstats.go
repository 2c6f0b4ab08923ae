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

// Package httpstats exposes a read-only JSON introspection surface
// over a running Client: per-channel counters, one vbucket's
// SessionState, and the currently accepted ClusterMap. It plays the
// same role cbgt's rest.ManagerMetaHandler/LogGetHandler play for a
// Manager — a thin http.Handler wrapping the library's live state —
// built on the same gorilla/mux router cbgt's REST API used.
package httpstats

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/blugelabs/dcpstream/channel"
	"github.com/blugelabs/dcpstream/clustermap"
	"github.com/blugelabs/dcpstream/session"
)

// ClusterMapSource is satisfied by *clustermap.Arbiter.
type ClusterMapSource interface {
	Current() (clustermap.ClusterMap, bool)
}

// SessionSource is satisfied by *session.Store.
type SessionSource interface {
	Get(vbucket uint16) (session.State, bool)
}

// StatsSource is satisfied by *conductor.Conductor.
type StatsSource interface {
	ChannelStats() map[string]channel.StatsSnapshot
}

// Server bundles the read-only handlers this package exposes and the
// mux.Router they're registered on.
type Server struct {
	clusterMap ClusterMapSource
	sessions   SessionSource
	stats      StatsSource
	router     *mux.Router
}

// New builds a Server and registers its three routes. Any of
// clusterMap, sessions or stats may be nil, in which case the
// corresponding endpoint responds 503 rather than panicking.
func New(clusterMap ClusterMapSource, sessions SessionSource, stats StatsSource) *Server {
	s := &Server{clusterMap: clusterMap, sessions: sessions, stats: stats, router: mux.NewRouter()}
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/sessionState/{vbucket}", s.handleSessionState).Methods(http.MethodGet)
	s.router.HandleFunc("/clusterMap", s.handleClusterMap).Methods(http.MethodGet)
	return s
}

// Router returns the underlying mux.Router, for a caller to mount
// directly or wrap in its own middleware/http.Server.
func (s *Server) Router() *mux.Router { return s.router }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats source not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.stats.ChannelStats())
}

func (s *Server) handleSessionState(w http.ResponseWriter, req *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session source not configured", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(req)
	vb, err := strconv.ParseUint(vars["vbucket"], 10, 16)
	if err != nil {
		http.Error(w, "bad vbucket: "+err.Error(), http.StatusBadRequest)
		return
	}
	state, ok := s.sessions.Get(uint16(vb))
	if !ok {
		http.Error(w, "no session state for that vbucket", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleClusterMap(w http.ResponseWriter, req *http.Request) {
	if s.clusterMap == nil {
		http.Error(w, "cluster map source not configured", http.StatusServiceUnavailable)
		return
	}
	m, ok := s.clusterMap.Current()
	if !ok {
		http.Error(w, "no cluster map accepted yet", http.StatusNotFound)
		return
	}
	writeJSON(w, m)
}
