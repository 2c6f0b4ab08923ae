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

package wire

import (
	"bytes"
	"testing"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	tests := []*Frame{
		NewRequest(OpDCPStreamRequest, 42, 7),
		NewRequest(OpDCPNoop, 0, 99),
		{
			Header: Header{
				Magic:           MagicResponse,
				Opcode:          OpDCPMutation,
				VBucketOrStatus: 0,
				Opaque:          7,
				Cas:             123456,
			},
			Extras: EncodeStreamRequestExtras(StreamRequestParams{
				VBucketUUID: 1, StartSeqno: 2, EndSeqno: SeqnoInfinity,
			}),
			Key:   []byte("doc-1"),
			Value: []byte(`{"hello":"world"}`),
		},
	}

	for i, want := range tests {
		var buf bytes.Buffer
		if err := Encode(&buf, want); err != nil {
			t.Fatalf("test %d: Encode: %v", i, err)
		}

		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("test %d: Decode: %v", i, err)
		}

		if got.Magic != want.Magic || got.Opcode != want.Opcode ||
			got.VBucketOrStatus != want.VBucketOrStatus ||
			got.Opaque != want.Opaque || got.Cas != want.Cas {
			t.Errorf("test %d: header mismatch: got %+v, want %+v",
				i, got.Header, want.Header)
		}
		if !bytes.Equal(got.Extras, want.Extras) {
			t.Errorf("test %d: extras mismatch: got %x, want %x",
				i, got.Extras, want.Extras)
		}
		if !bytes.Equal(got.Key, want.Key) {
			t.Errorf("test %d: key mismatch: got %q, want %q",
				i, got.Key, want.Key)
		}
		if !bytes.Equal(got.Value, want.Value) {
			t.Errorf("test %d: value mismatch: got %q, want %q",
				i, got.Value, want.Value)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x00 // neither MagicRequest nor MagicResponse
	_, err := Decode(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected an error for a bad magic byte")
	}
}

func TestDecodeRejectsShortBody(t *testing.T) {
	var buf bytes.Buffer
	full := make([]byte, HeaderLen)
	full[0] = byte(MagicRequest)
	full[11] = 10 // TotalBodyLength = 10, but we write 0 body bytes
	buf.Write(full)
	if _, err := Decode(&buf); err == nil {
		t.Fatal("expected a short-body read error")
	}
}

func TestFailoverLogRoundTrip(t *testing.T) {
	entries := []FailoverLogEntry{
		{VBucketUUID: 111, Seqno: 500},
		{VBucketUUID: 222, Seqno: 100},
	}

	body := make([]byte, 0, 32)
	for _, e := range entries {
		extras := EncodeStreamRequestExtras(StreamRequestParams{
			VBucketUUID: e.VBucketUUID, StartSeqno: e.Seqno,
		})
		body = append(body, extras[8:24]...)
	}

	got, err := DecodeFailoverLog(body)
	if err != nil {
		t.Fatalf("DecodeFailoverLog: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}
