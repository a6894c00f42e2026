// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package variableindex

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/stormset/sp-uefi-variable/internal/efi"
)

// ErrBufferTooSmall is returned by Dump when buf cannot hold the full
// serialization.
var ErrBufferTooSmall = errors.New("variableindex: buffer too small")

// ErrCorrupt is returned by Restore when buf is structurally invalid.
var ErrCorrupt = errors.New("variableindex: corrupt persisted image")

const (
	hasVariableByteLen    = 1
	hasConstraintsByteLen = 1
	guidLen               = 16
	fingerprintLen        = 32
	metadataFixedBaseLen  = guidLen + 4 /*attributes*/ + 8 /*uid*/ + 2 /*name_size*/ + hasVariableByteLen +
		8 /*auth timestamp*/ + 1 /*has fingerprint*/ + fingerprintLen
	constraintsFixedLen = 2 + 2 + 4 + 8 + 8
)

// metadataRecordLen is the size of one NV-visible entry's fixed metadata
// record, excluding the has-constraints byte and constraints record.
func (idx *Index) metadataRecordLen() int {
	return metadataFixedBaseLen + idx.maxNameSize
}

// MaxDumpSize bounds the number of bytes Dump can ever write for this
// index's configured capacity — the buffer size a caller (the
// persistent store facade) must provision.
func (idx *Index) MaxDumpSize() int {
	perEntry := idx.metadataRecordLen() + hasConstraintsByteLen + constraintsFixedLen
	return 4 + idx.maxEntries*perEntry
}

// Dump serializes the index's NV-visible entries into buf: a 4-byte
// little-endian counter followed by, per nvVisible entry, a fixed-size
// metadata record, a has-constraints byte, and the constraints record
// if present. It returns the number of bytes written and whether the
// index was dirty prior to the call; a fully successful Dump clears the
// dirty flag.
func (idx *Index) Dump(buf []byte) (int, bool, error) {
	wasDirty := idx.dirty

	need := 4
	for _, e := range idx.entries {
		if !e.nvVisible() {
			continue
		}
		need += idx.metadataRecordLen() + hasConstraintsByteLen
		if e.IsConstraintsSet {
			need += constraintsFixedLen
		}
	}
	if len(buf) < need {
		return 0, wasDirty, ErrBufferTooSmall
	}

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], idx.counter)
	off += 4

	for _, e := range idx.entries {
		if !e.nvVisible() {
			continue
		}
		off += idx.putMetadata(buf[off:], e)
		if e.IsConstraintsSet {
			buf[off] = 1
			off++
			off += putConstraints(buf[off:], e.Constraints)
		} else {
			buf[off] = 0
			off++
		}
	}

	idx.dirty = false
	return off, wasDirty, nil
}

func (idx *Index) putMetadata(buf []byte, e *Entry) int {
	off := 0
	copy(buf[off:off+guidLen], e.Metadata.GUID[:])
	off += guidLen
	binary.LittleEndian.PutUint32(buf[off:], uint32(e.Metadata.Attributes))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], e.Metadata.UID)
	off += 8
	nameSize := e.Metadata.Name.ByteLen()
	binary.LittleEndian.PutUint16(buf[off:], uint16(nameSize))
	off += 2
	if e.IsVariableSet {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	binary.LittleEndian.PutUint64(buf[off:], e.Metadata.AuthTimestamp)
	off += 8
	if e.Metadata.FingerprintSet {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	copy(buf[off:off+fingerprintLen], e.Metadata.Fingerprint[:])
	off += fingerprintLen
	nameBytes := buf[off : off+idx.maxNameSize]
	for i := range nameBytes {
		nameBytes[i] = 0
	}
	for i, u := range e.Metadata.Name {
		if (i+1)*2 > idx.maxNameSize {
			break
		}
		binary.LittleEndian.PutUint16(nameBytes[i*2:], u)
	}
	off += idx.maxNameSize
	return off
}

func putConstraints(buf []byte, c Constraints) int {
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], c.Revision)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], c.PropertyFlags)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.RequiredAttributes))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], c.MinSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], c.MaxSize)
	off += 8
	return off
}

// Restore replaces the index's contents with the image encoded in buf
// (the inverse of Dump) and returns the number of bytes consumed. The
// dirty flag is cleared: a freshly restored index reflects exactly what
// is persisted.
func (idx *Index) Restore(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: truncated counter", ErrCorrupt)
	}
	counter := binary.LittleEndian.Uint32(buf)
	off := 4

	var entries []*Entry
	var maxUID uint64
	recLen := idx.metadataRecordLen()

	for off < len(buf) {
		if off+recLen > len(buf) {
			return 0, fmt.Errorf("%w: truncated metadata record", ErrCorrupt)
		}
		e := &Entry{}
		n, err := idx.getMetadata(buf[off:off+recLen], e)
		if err != nil {
			return 0, err
		}
		off += n

		if off >= len(buf) {
			return 0, fmt.Errorf("%w: truncated has-constraints byte", ErrCorrupt)
		}
		hasConstraints := buf[off] != 0
		off++
		if hasConstraints {
			if off+constraintsFixedLen > len(buf) {
				return 0, fmt.Errorf("%w: truncated constraints record", ErrCorrupt)
			}
			e.Constraints = getConstraints(buf[off : off+constraintsFixedLen])
			e.IsConstraintsSet = true
			off += constraintsFixedLen
		}

		entries = append(entries, e)
		if e.Metadata.UID > maxUID {
			maxUID = e.Metadata.UID
		}
	}

	idx.entries = entries
	idx.counter = counter
	idx.dirty = false
	idx.nextUID = maxUID + 1
	return off, nil
}

func (idx *Index) getMetadata(buf []byte, e *Entry) (int, error) {
	off := 0
	copy(e.Metadata.GUID[:], buf[off:off+guidLen])
	off += guidLen
	e.Metadata.Attributes = efi.Attributes(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	e.Metadata.UID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	nameSize := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	e.IsVariableSet = buf[off] != 0
	off++
	e.Metadata.AuthTimestamp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	e.Metadata.FingerprintSet = buf[off] != 0
	off++
	copy(e.Metadata.Fingerprint[:], buf[off:off+fingerprintLen])
	off += fingerprintLen
	if nameSize < 2 || nameSize > idx.maxNameSize || nameSize%2 != 0 {
		return 0, fmt.Errorf("%w: invalid name_size %d", ErrCorrupt, nameSize)
	}
	nameBytes := buf[off : off+idx.maxNameSize]
	units := make([]uint16, nameSize/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(nameBytes[i*2:])
	}
	e.Metadata.Name = efi.Name(units)
	off += idx.maxNameSize
	return off, nil
}

func getConstraints(buf []byte) Constraints {
	off := 0
	var c Constraints
	c.Revision = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	c.PropertyFlags = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	c.RequiredAttributes = efi.Attributes(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	c.MinSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	c.MaxSize = binary.LittleEndian.Uint64(buf[off:])
	return c
}
