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

package dcpstream

import "fmt"

// SnapshotFormatVersion tracks the schema of the SessionState snapshot
// that RestoreSessionState()/SessionState() round-trip (see
// session.Snapshot). Bump this whenever a field is added, removed, or
// reinterpreted so that a host loading an older persisted snapshot
// gets a clear error instead of a silently misinterpreted one.
const SnapshotFormatVersion = 1

// Version is this module's release version, independent of
// SnapshotFormatVersion: the wire protocol and snapshot format can
// both stay unchanged across several Version bumps.
const Version = "1.0.0"

// checkSnapshotVersion rejects a persisted snapshot whose format
// version is newer than what this build understands. An older
// snapshot version is accepted: the restore path is expected to
// migrate it field-by-field.
func checkSnapshotVersion(v int) error {
	if v > SnapshotFormatVersion {
		return fmt.Errorf("dcpstream: snapshot format version %d is newer than"+
			" this build understands (%d); upgrade before restoring", v,
			SnapshotFormatVersion)
	}
	return nil
}
