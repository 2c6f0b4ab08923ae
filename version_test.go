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

import "testing"

func TestCheckSnapshotVersion(t *testing.T) {
	tests := []struct {
		v       int
		wantErr bool
	}{
		{0, false},
		{SnapshotFormatVersion, false},
		{SnapshotFormatVersion - 1, false},
		{SnapshotFormatVersion + 1, true},
	}

	for _, test := range tests {
		err := checkSnapshotVersion(test.v)
		if (err != nil) != test.wantErr {
			t.Errorf("checkSnapshotVersion(%d) = %v, wantErr %v",
				test.v, err, test.wantErr)
		}
	}
}
