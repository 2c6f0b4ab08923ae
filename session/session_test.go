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
	"io/ioutil"
	"os"
	"testing"

	"github.com/blugelabs/dcpstream/wire"
)

func TestStoreAdvanceAndGet(t *testing.T) {
	st := NewStore()
	st.Init(5, State{})
	st.RecordFailoverLog(5, FailoverLog{{VBucketUUID: 77, Seqno: 0}})
	st.AdvanceSnapshot(5, 0, 100)
	st.AdvanceSeqno(5, 42)

	s, ok := st.Get(5)
	if !ok {
		t.Fatal("expected vbucket 5 to be present")
	}
	if s.VBucketUUID != 77 || s.Seqno != 42 || s.SnapshotEnd != 100 {
		t.Errorf("unexpected state: %+v", s)
	}
}

func TestAdvanceSeqnoNeverGoesBackwards(t *testing.T) {
	st := NewStore()
	st.Init(1, State{})
	st.AdvanceSeqno(1, 50)
	st.AdvanceSeqno(1, 10) // stale, must be ignored

	s, _ := st.Get(1)
	if s.Seqno != 50 {
		t.Errorf("seqno regressed to %d, want 50", s.Seqno)
	}
}

func TestApplyRollback(t *testing.T) {
	st := NewStore()
	st.Init(2, State{})
	st.AdvanceSeqno(2, 1000)
	st.AdvanceSnapshot(2, 900, 1000)
	st.RecordFailoverLog(2, FailoverLog{{VBucketUUID: 55, Seqno: 400}})

	st.ApplyRollback(2, 55, 400)

	s, _ := st.Get(2)
	if s.VBucketUUID != 55 || s.Seqno != 400 || s.SnapshotStart != 400 || s.SnapshotEnd != 400 {
		t.Errorf("rollback did not reset state: %+v", s)
	}
	if s.FailoverLog == nil {
		t.Errorf("non-zero rollback must not clear the failover log")
	}
}

func TestApplyRollbackToZeroClearsFailoverLog(t *testing.T) {
	st := NewStore()
	st.Init(3, State{})
	st.RecordFailoverLog(3, FailoverLog{{VBucketUUID: 55, Seqno: 400}})

	st.ApplyRollback(3, 0, 0)

	s, _ := st.Get(3)
	if s.VBucketUUID != 0 || s.Seqno != 0 {
		t.Errorf("rollback to zero did not reset state: %+v", s)
	}
	if s.FailoverLog != nil {
		t.Errorf("rollback to zero must clear the failover log, got %+v", s.FailoverLog)
	}
}

func TestFailoverLogLatestEmpty(t *testing.T) {
	var fl FailoverLog
	if _, _, err := fl.Latest(); err == nil {
		t.Fatal("expected an error for an empty failover log")
	}
}

func TestStateStreamRequestDefaultsSnapshot(t *testing.T) {
	s := State{VBucketUUID: 9, Seqno: 55}
	p := s.StreamRequest(0, wire.SeqnoInfinity)
	if p.SnapshotStart != 55 || p.SnapshotEnd != 55 {
		t.Errorf("expected snapshot bounds to default to seqno, got %+v", p)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := NewStore()
	st.Init(3, State{})
	st.RecordFailoverLog(3, FailoverLog{{VBucketUUID: 1, Seqno: 0}})
	st.AdvanceSeqno(3, 123)

	buf, err := st.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := NewStore()
	if err := restored.Restore(buf); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	s, ok := restored.Get(3)
	if !ok || s.Seqno != 123 {
		t.Errorf("restored state mismatch: %+v (ok=%v)", s, ok)
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "dcpstream-session")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(dir)

	st := NewStore()
	st.Init(7, State{})
	st.AdvanceSeqno(7, 999)
	if err := st.SaveToFile(dir); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewStore()
	if err := loaded.LoadFromFile(dir); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	s, ok := loaded.Get(7)
	if !ok || s.Seqno != 999 {
		t.Errorf("loaded state mismatch: %+v (ok=%v)", s, ok)
	}
}

func TestLoadFromFileMissingIsNotError(t *testing.T) {
	dir, err := ioutil.TempDir("", "dcpstream-session-empty")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	defer os.RemoveAll(dir)

	st := NewStore()
	if err := st.LoadFromFile(dir); err != nil {
		t.Fatalf("LoadFromFile on missing file: %v", err)
	}
	if len(st.All()) != 0 {
		t.Errorf("expected an empty store, got %v", st.All())
	}
}
