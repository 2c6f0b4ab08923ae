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

package session

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// SessionStateFilename is the on-disk file a Store is checkpointed to,
// mirroring the single well-known metadata filename a cbgt PIndex
// keeps alongside its data files rather than inventing a per-instance
// name.
const SessionStateFilename = "DCP_SESSION_STATE"

// onDiskSnapshot is the versioned envelope written to
// SessionStateFilename so a future, incompatible layout can still be
// recognized and rejected cleanly instead of partially decoded.
type onDiskSnapshot struct {
	Version int             `json:"version"`
	States  map[string]State `json:"states"`
}

// Snapshot serializes every tracked vbucket's State to JSON.
func (st *Store) Snapshot() ([]byte, error) {
	all := st.All()
	env := onDiskSnapshot{Version: snapshotFormatVersion, States: make(map[string]State, len(all))}
	for vb, s := range all {
		env.States[fmt.Sprintf("%d", vb)] = s
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("session: could not marshal snapshot: %w", err)
	}
	return buf, nil
}

// Restore replaces the Store's contents with a snapshot previously
// produced by Snapshot.
func (st *Store) Restore(buf []byte) error {
	var env onDiskSnapshot
	if err := json.Unmarshal(buf, &env); err != nil {
		return fmt.Errorf("session: could not unmarshal snapshot: %w", err)
	}
	if err := checkSnapshotVersion(env.Version); err != nil {
		return err
	}

	next := make(map[uint16]*State, len(env.States))
	for k, s := range env.States {
		var vb uint16
		if _, err := fmt.Sscanf(k, "%d", &vb); err != nil {
			return fmt.Errorf("session: bad vbucket key %q: %w", k, err)
		}
		sCopy := s
		sCopy.VBucket = vb
		next[vb] = &sCopy
	}

	st.m.Lock()
	st.s = next
	st.m.Unlock()
	return nil
}

// SaveToFile writes a Snapshot to dir+"/"+SessionStateFilename,
// following the same save-then-rename-free, single-file-write
// approach cbgt's PIndex metadata uses: one JSON document, one file,
// truncated and rewritten wholesale on every save.
func (st *Store) SaveToFile(dir string) error {
	buf, err := st.Snapshot()
	if err != nil {
		return err
	}
	path := dir + string(os.PathSeparator) + SessionStateFilename
	if err := ioutil.WriteFile(path, buf, 0600); err != nil {
		return fmt.Errorf("session: could not save %s: %w", SessionStateFilename, err)
	}
	return nil
}

// LoadFromFile restores a Store from dir+"/"+SessionStateFilename. A
// missing file is not an error: it means this is the first time the
// client has ever run against this directory, and the Store is left
// empty for the caller to Init from scratch.
func (st *Store) LoadFromFile(dir string) error {
	path := dir + string(os.PathSeparator) + SessionStateFilename
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: could not load %s: %w", SessionStateFilename, err)
	}
	return st.Restore(buf)
}

// snapshotFormatVersion is bumped whenever onDiskSnapshot's shape
// changes incompatibly.
const snapshotFormatVersion = 1

// checkSnapshotVersion rejects a snapshot written by a newer,
// incompatible build.
func checkSnapshotVersion(v int) error {
	if v > snapshotFormatVersion {
		return fmt.Errorf("session: snapshot format version %d is newer"+
			" than this build understands (%d); upgrade before restoring",
			v, snapshotFormatVersion)
	}
	return nil
}
