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
	"io"

	"github.com/couchbase/gomemcached"
)

// HeaderLen is the fixed size, in bytes, of every DCP/memcached
// binary-protocol frame header.
const HeaderLen = 24

// Magic distinguishes a request frame from a response frame.
type Magic uint8

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// Header is the fixed 24-byte frame header. VBucket and Status share
// the same wire offset: on a request frame it is the vbucket id, on a
// response frame it is the Status code.
type Header struct {
	Magic           Magic
	Opcode          Opcode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        uint8
	VBucketOrStatus uint16
	TotalBodyLength uint32
	Opaque          uint32
	Cas             uint64
}

// VBucket interprets VBucketOrStatus as a vbucket id (request frames).
func (h Header) VBucket() uint16 { return h.VBucketOrStatus }

// Status interprets VBucketOrStatus as a response status.
func (h Header) Status() Status { return Status(h.VBucketOrStatus) }

// Frame is a fully decoded request or response: the header plus its
// extras/key/value sections. Extras, Key and Value are consecutive
// slices of the wire body, split per the header's length fields; Value
// is whatever follows extras and key (failover log entries, mutation
// values, …).
type Frame struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte

	// Req is the decoded memcached-protocol request/response carrying
	// this frame's Cas/Extras/Body, populated the same way
	// cbdatasource.Receiver callbacks in the wider Couchbase Go
	// ecosystem hand a *gomemcached.MCRequest to the caller: the
	// binary frame is parsed once, here, and reused by every
	// downstream handler instead of being re-parsed per callback.
	Req *gomemcached.MCRequest
}

// Decode reads exactly one complete frame from r. It never returns a
// partial frame: a short read before the header or before
// TotalBodyLength bytes of body are available is reported as an error
// and the connection that owns r is no longer usable: a malformed
// length is a channel-fatal error.
func Decode(r io.Reader) (*Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: short header read: %w", err)
	}

	h := Header{
		Magic:           Magic(hdr[0]),
		Opcode:          Opcode(hdr[1]),
		KeyLength:       binary.BigEndian.Uint16(hdr[2:4]),
		ExtrasLength:    hdr[4],
		DataType:        hdr[5],
		VBucketOrStatus: binary.BigEndian.Uint16(hdr[6:8]),
		TotalBodyLength: binary.BigEndian.Uint32(hdr[8:12]),
		Opaque:          binary.BigEndian.Uint32(hdr[12:16]),
		Cas:             binary.BigEndian.Uint64(hdr[16:24]),
	}

	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return nil, fmt.Errorf("wire: bad magic byte 0x%02x", hdr[0])
	}

	if uint32(h.ExtrasLength)+uint32(h.KeyLength) > h.TotalBodyLength {
		return nil, fmt.Errorf("wire: extras+key length %d exceeds"+
			" body length %d", uint32(h.ExtrasLength)+uint32(h.KeyLength),
			h.TotalBodyLength)
	}

	body := make([]byte, h.TotalBodyLength)
	if h.TotalBodyLength > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("wire: short body read (opcode %s,"+
				" wanted %d bytes): %w", h.Opcode, h.TotalBodyLength, err)
		}
	}

	f := &Frame{Header: h}
	f.Extras = body[:h.ExtrasLength]
	f.Key = body[h.ExtrasLength : uint32(h.ExtrasLength)+uint32(h.KeyLength)]
	f.Value = body[uint32(h.ExtrasLength)+uint32(h.KeyLength):]

	f.Req = &gomemcached.MCRequest{
		Opcode:  gomemcached.CommandCode(h.Opcode),
		Cas:     h.Cas,
		Opaque:  h.Opaque,
		VBucket: h.VBucketOrStatus,
		Extras:  f.Extras,
		Key:     f.Key,
		Body:    f.Value,
	}

	return f, nil
}

// Encode writes f to w in wire format, recomputing the length fields
// from Extras/Key/Value so callers never have to keep TotalBodyLength
// in sync by hand.
func Encode(w io.Writer, f *Frame) error {
	body := make([]byte, 0, len(f.Extras)+len(f.Key)+len(f.Value))
	body = append(body, f.Extras...)
	body = append(body, f.Key...)
	body = append(body, f.Value...)

	var hdr [HeaderLen]byte
	hdr[0] = byte(f.Magic)
	hdr[1] = byte(f.Opcode)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(f.Key)))
	hdr[4] = byte(len(f.Extras))
	hdr[5] = f.DataType
	binary.BigEndian.PutUint16(hdr[6:8], f.VBucketOrStatus)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:16], f.Opaque)
	binary.BigEndian.PutUint64(hdr[16:24], f.Cas)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: header write: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("wire: body write: %w", err)
		}
	}
	return nil
}

// NewRequest builds a minimal request Frame for the given opcode,
// vbucket and opaque, with empty extras/key/value — callers fill
// those in before calling Encode.
func NewRequest(op Opcode, vbucket uint16, opaque uint32) *Frame {
	return &Frame{
		Header: Header{
			Magic:           MagicRequest,
			Opcode:          op,
			VBucketOrStatus: vbucket,
			Opaque:          opaque,
		},
	}
}
