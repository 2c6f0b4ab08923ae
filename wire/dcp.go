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
	"encoding/binary"
	"fmt"
)

// SeqnoInfinity is the sentinel endSeqno meaning "stream until
// caught up and stay open".
const SeqnoInfinity = 0xFFFFFFFFFFFFFFFF

// StreamRequestParams is the body of a DCP_STREAM_REQUEST frame.
type StreamRequestParams struct {
	Flags         uint32
	VBucketUUID   uint64
	StartSeqno    uint64
	EndSeqno      uint64
	SnapshotStart uint64
	SnapshotEnd   uint64
}

// EncodeStreamRequestExtras packs a StreamRequestParams into the
// 48-byte extras section DCP_STREAM_REQUEST carries.
func EncodeStreamRequestExtras(p StreamRequestParams) []byte {
	b := make([]byte, 48)
	binary.BigEndian.PutUint32(b[0:4], p.Flags)
	binary.BigEndian.PutUint32(b[4:8], 0) // reserved
	binary.BigEndian.PutUint64(b[8:16], p.VBucketUUID)
	binary.BigEndian.PutUint64(b[16:24], p.StartSeqno)
	binary.BigEndian.PutUint64(b[24:32], p.EndSeqno)
	binary.BigEndian.PutUint64(b[32:40], p.SnapshotStart)
	binary.BigEndian.PutUint64(b[40:48], p.SnapshotEnd)
	return b
}

// FailoverLogEntry is one (vbuuid, seqno) pair from a server failover
// log response, newest first.
type FailoverLogEntry struct {
	VBucketUUID uint64
	Seqno       uint64
}

// DecodeFailoverLog parses the body of a successful DCP_STREAM_REQUEST
// response or a DCP_GET_FAILOVER_LOG response: a flat sequence of
// (uuid, seqno) pairs, newest entry first.
func DecodeFailoverLog(body []byte) ([]FailoverLogEntry, error) {
	if len(body)%16 != 0 {
		return nil, fmt.Errorf("wire: failover log body length %d not a"+
			" multiple of 16", len(body))
	}
	entries := make([]FailoverLogEntry, 0, len(body)/16)
	for i := 0; i < len(body); i += 16 {
		entries = append(entries, FailoverLogEntry{
			VBucketUUID: binary.BigEndian.Uint64(body[i : i+8]),
			Seqno:       binary.BigEndian.Uint64(body[i+8 : i+16]),
		})
	}
	return entries, nil
}

// RollbackSeqno decodes the body of a ROLLBACK-status
// DCP_STREAM_REQUEST response: an 8-byte seqno the client must rewind
// to.
func RollbackSeqno(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, fmt.Errorf("wire: rollback body too short: %d bytes",
			len(body))
	}
	return binary.BigEndian.Uint64(body[:8]), nil
}

// SnapshotFlags are the DISK/MEMORY/CHECKPOINT/ACK bits carried by a
// DCP_SNAPSHOT_MARKER frame.
type SnapshotFlags uint32

const (
	SnapshotFlagMemory    SnapshotFlags = 0x1
	SnapshotFlagDisk      SnapshotFlags = 0x2
	SnapshotFlagChk       SnapshotFlags = 0x4
	SnapshotFlagAck       SnapshotFlags = 0x8
)

func (f SnapshotFlags) Memory() bool { return f&SnapshotFlagMemory != 0 }
func (f SnapshotFlags) Disk() bool   { return f&SnapshotFlagDisk != 0 }
func (f SnapshotFlags) Ack() bool    { return f&SnapshotFlagAck != 0 }

// SnapshotMarker is the decoded extras of a DCP_SNAPSHOT_MARKER frame.
type SnapshotMarker struct {
	StartSeqno uint64
	EndSeqno   uint64
	Flags      SnapshotFlags
}

// DecodeSnapshotMarker parses a DCP_SNAPSHOT_MARKER frame's extras.
func DecodeSnapshotMarker(extras []byte) (SnapshotMarker, error) {
	if len(extras) < 20 {
		return SnapshotMarker{}, fmt.Errorf("wire: snapshot marker extras"+
			" too short: %d bytes", len(extras))
	}
	return SnapshotMarker{
		StartSeqno: binary.BigEndian.Uint64(extras[0:8]),
		EndSeqno:   binary.BigEndian.Uint64(extras[8:16]),
		Flags:      SnapshotFlags(binary.BigEndian.Uint32(extras[16:20])),
	}, nil
}

// MutationExtras is the decoded extras of a DCP_MUTATION/DELETION/
// EXPIRATION frame: the sequence number plus bookkeeping fields the
// caller doesn't usually need to act on.
type MutationExtras struct {
	Seqno        uint64
	RevSeqno     uint64
	Flags        uint32
	Expiration   uint32
	LockTime     uint32
	Nmeta        uint16
	NRU          uint8
}

// DecodeMutationExtras parses a mutation/deletion/expiration frame's
// extras (the 16-byte deletion/expiration layout is a prefix of the
// 31-byte mutation layout, so both share this decode path).
func DecodeMutationExtras(extras []byte) (MutationExtras, error) {
	if len(extras) < 16 {
		return MutationExtras{}, fmt.Errorf("wire: mutation extras too"+
			" short: %d bytes", len(extras))
	}
	m := MutationExtras{
		Seqno:    binary.BigEndian.Uint64(extras[0:8]),
		RevSeqno: binary.BigEndian.Uint64(extras[8:16]),
	}
	if len(extras) >= 28 {
		m.Flags = binary.BigEndian.Uint32(extras[16:20])
		m.Expiration = binary.BigEndian.Uint32(extras[20:24])
		m.LockTime = binary.BigEndian.Uint32(extras[24:28])
	}
	if len(extras) >= 31 {
		m.Nmeta = binary.BigEndian.Uint16(extras[28:30])
		m.NRU = extras[30]
	}
	return m, nil
}

// SeqnoAdvancedBody decodes the 8-byte body of a DCP_SEQNO_ADVANCED
// frame: the new seqno for offset-tracking purposes only.
func SeqnoAdvancedBody(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, fmt.Errorf("wire: seqno-advanced body too short: %d"+
			" bytes", len(body))
	}
	return binary.BigEndian.Uint64(body[:8]), nil
}

// SystemEventType enumerates the DCP_SYSTEM_EVENT subtypes this module
// distinguishes for collections events. Couchbase defines more than
// these; anything else is left to the raw frame.
type SystemEventType uint32

const (
	SystemEventCollectionCreate SystemEventType = 0
	SystemEventCollectionDrop   SystemEventType = 1
	SystemEventScopeCreate      SystemEventType = 2
	SystemEventScopeDrop        SystemEventType = 3
	SystemEventCollectionFlush  SystemEventType = 7
)

// SystemEventTypeFromExtras decodes a DCP_SYSTEM_EVENT frame's event
// type. Extras layout: bytes 0:8 the seqno (shares SeqnoAdvancedBody's
// prefix), 8:12 the scope/collection id a CollectionsFilter matches
// against, 12:16 the event type. Extras shorter than 16 bytes report
// SystemEventCollectionCreate, since that is the subtype servers predate
// this field with.
func SystemEventTypeFromExtras(extras []byte) SystemEventType {
	if len(extras) < 16 {
		return SystemEventCollectionCreate
	}
	return SystemEventType(binary.BigEndian.Uint32(extras[12:16]))
}

// StreamEndReasonFromBody decodes the 4-byte body of a
// DCP_STREAM_END frame.
func StreamEndReasonFromBody(body []byte) (StreamEndReason, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("wire: stream-end body too short: %d bytes",
			len(body))
	}
	return StreamEndReason(binary.BigEndian.Uint32(body[:4])), nil
}

// ObserveSeqnoResult decodes an OBSERVE_SEQNO response body: the
// active vbuuid, current (in-memory) seqno and last persisted seqno.
type ObserveSeqnoResult struct {
	FormatType       uint8
	VBucket          uint16
	VBucketUUID      uint64
	CurrentSeqno     uint64
	PersistedSeqno   uint64
	HasFailoverEntry bool
	OldVBucketUUID   uint64
	LastSeqno        uint64
}

// DecodeObserveSeqno parses the body of an OBSERVE_SEQNO response.
func DecodeObserveSeqno(body []byte) (ObserveSeqnoResult, error) {
	if len(body) < 27 {
		return ObserveSeqnoResult{}, fmt.Errorf("wire: observe-seqno body"+
			" too short: %d bytes", len(body))
	}
	r := ObserveSeqnoResult{
		FormatType:     body[0],
		VBucket:        binary.BigEndian.Uint16(body[1:3]),
		VBucketUUID:    binary.BigEndian.Uint64(body[3:11]),
		CurrentSeqno:   binary.BigEndian.Uint64(body[11:19]),
		PersistedSeqno: binary.BigEndian.Uint64(body[19:27]),
	}
	if r.FormatType == 1 && len(body) >= 43 {
		r.HasFailoverEntry = true
		r.OldVBucketUUID = binary.BigEndian.Uint64(body[27:35])
		r.LastSeqno = binary.BigEndian.Uint64(body[35:43])
	}
	return r, nil
}
