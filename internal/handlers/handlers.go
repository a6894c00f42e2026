// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package handlers decodes per-opcode request payloads off the wire,
// dispatches them to the UEFI Variable Store, and encodes the replies
// back into the structures the transport carries. Every caller-supplied
// length field is bounds-checked against the framed payload before use;
// any overflow or truncation is rejected as EFI_INVALID_PARAMETER
// without touching the store.
package handlers

import (
	"encoding/binary"
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/stormset/sp-uefi-variable/internal/efi"
	"github.com/stormset/sp-uefi-variable/internal/transport"
	"github.com/stormset/sp-uefi-variable/internal/uefivarstore"
	"github.com/stormset/sp-uefi-variable/internal/variableindex"
)

var errTruncated = errors.New("handlers: payload shorter than declared field")

const accessStructureFixedLen = 16 /*guid*/ + 8 /*data_size*/ + 8 /*name_size*/ + 4 /*attributes*/

// accessStructure is the per-variable access structure shared by
// GET_VARIABLE and SET_VARIABLE, in both request and reply direction.
type accessStructure struct {
	GUID       efi.GUID
	DataSize   uint64
	NameSize   uint64
	Attributes efi.Attributes
	Name       efi.Name
	Data       []byte
}

// decodeAccessPrefix decodes the guid/data_size/name_size/attributes/name
// portion common to both directions of the access structure and returns
// whatever trailing bytes follow the name. data_size means different
// things in each direction: GET_VARIABLE carries it as the caller's
// output buffer capacity (no data bytes are present on the wire for a
// read request), while SET_VARIABLE carries it as the exact length of
// the data that follows — so only the Set-side decoder consumes trailing
// bytes against it.
func decodeAccessPrefix(payload []byte) (accessStructure, []byte, error) {
	if len(payload) < accessStructureFixedLen {
		return accessStructure{}, nil, errTruncated
	}
	var a accessStructure
	copy(a.GUID[:], payload[:16])
	off := 16
	a.DataSize = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	a.NameSize = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	a.Attributes = efi.Attributes(binary.LittleEndian.Uint32(payload[off:]))
	off += 4

	if a.NameSize < 2 || a.NameSize%2 != 0 {
		return accessStructure{}, nil, errTruncated
	}
	rest := payload[off:]
	if uint64(len(rest)) < a.NameSize {
		return accessStructure{}, nil, errTruncated
	}
	a.Name = decodeName(rest[:a.NameSize])
	return a, rest[a.NameSize:], nil
}

// decodeGetVariableRequest decodes a GET_VARIABLE request: data_size is
// the caller's output buffer capacity, not a trailing byte count.
func decodeGetVariableRequest(payload []byte) (accessStructure, error) {
	a, _, err := decodeAccessPrefix(payload)
	return a, err
}

// decodeSetVariableRequest decodes a SET_VARIABLE request, consuming
// exactly data_size trailing bytes as the payload to write.
func decodeSetVariableRequest(payload []byte) (accessStructure, error) {
	return decodeAccessStructureWithData(payload)
}

// decodeAccessStructureWithData decodes an access structure whose
// data_size trailing bytes are actually present on the wire: true for
// SET_VARIABLE requests and for every GET_VARIABLE reply.
func decodeAccessStructureWithData(payload []byte) (accessStructure, error) {
	a, rest, err := decodeAccessPrefix(payload)
	if err != nil {
		return accessStructure{}, err
	}
	if uint64(len(rest)) < a.DataSize {
		return accessStructure{}, errTruncated
	}
	a.Data = rest[:a.DataSize]
	return a, nil
}

func encodeAccessStructure(a accessStructure) []byte {
	nameBytes := encodeName(a.Name)
	buf := make([]byte, accessStructureFixedLen+len(nameBytes)+len(a.Data))
	copy(buf[:16], a.GUID[:])
	off := 16
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(a.Data)))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(nameBytes)))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(a.Attributes))
	off += 4
	off += copy(buf[off:], nameBytes)
	copy(buf[off:], a.Data)
	return buf
}

func decodeName(b []byte) efi.Name {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return efi.Name(units)
}

func encodeName(n efi.Name) []byte {
	buf := make([]byte, len(n)*2)
	for i, u := range n {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

// nextNameStructure is the guid+name prefix shared by
// GET_NEXT_VARIABLE_NAME, GET_VAR_CHECK_PROPERTY and
// SET_VAR_CHECK_PROPERTY.
type nextNameStructure struct {
	GUID efi.GUID
	Name efi.Name
}

func decodeNextNameStructure(payload []byte) (nextNameStructure, []byte, error) {
	if len(payload) < 16+8 {
		return nextNameStructure{}, nil, errTruncated
	}
	var n nextNameStructure
	copy(n.GUID[:], payload[:16])
	nameSize := binary.LittleEndian.Uint64(payload[16:24])
	if nameSize < 2 || nameSize%2 != 0 {
		return nextNameStructure{}, nil, errTruncated
	}
	rest := payload[24:]
	if uint64(len(rest)) < nameSize {
		return nextNameStructure{}, nil, errTruncated
	}
	n.Name = decodeName(rest[:nameSize])
	return n, rest[nameSize:], nil
}

func encodeNextNameStructure(n nextNameStructure) []byte {
	nameBytes := encodeName(n.Name)
	buf := make([]byte, 16+8+len(nameBytes))
	copy(buf[:16], n.GUID[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(nameBytes)))
	copy(buf[24:], nameBytes)
	return buf
}

func encodeQueryInfoReply(maxStorage, remaining, maxVariable uint64, attrs efi.Attributes) []byte {
	buf := make([]byte, 8+8+8+4)
	binary.LittleEndian.PutUint64(buf[0:], maxStorage)
	binary.LittleEndian.PutUint64(buf[8:], remaining)
	binary.LittleEndian.PutUint64(buf[16:], maxVariable)
	binary.LittleEndian.PutUint32(buf[24:], uint32(attrs))
	return buf
}

func encodeVarCheckProperty(c variableindex.Constraints) []byte {
	buf := make([]byte, 2+4+2+8+8)
	binary.LittleEndian.PutUint16(buf[0:], c.Revision)
	binary.LittleEndian.PutUint32(buf[2:], uint32(c.RequiredAttributes))
	binary.LittleEndian.PutUint16(buf[6:], c.PropertyFlags)
	binary.LittleEndian.PutUint64(buf[8:], c.MinSize)
	binary.LittleEndian.PutUint64(buf[16:], c.MaxSize)
	return buf
}

func decodeVarCheckProperty(buf []byte) (variableindex.Constraints, error) {
	if len(buf) < 2+4+2+8+8 {
		return variableindex.Constraints{}, errTruncated
	}
	var c variableindex.Constraints
	c.Revision = binary.LittleEndian.Uint16(buf[0:])
	c.RequiredAttributes = efi.Attributes(binary.LittleEndian.Uint32(buf[2:]))
	c.PropertyFlags = binary.LittleEndian.Uint16(buf[6:])
	c.MinSize = binary.LittleEndian.Uint64(buf[8:])
	c.MaxSize = binary.LittleEndian.Uint64(buf[16:])
	return c, nil
}

// Dispatcher routes transport requests to a Store by opcode. NameBufCap
// bounds GetNextVariableName's reply: the wire's next-name structure
// carries no separate in/out capacity field the way the access
// structure's data_size doubles as one, so the maximum name a caller
// can receive is fixed at construction time to the store's configured
// MAX_VARIABLE_NAME_SIZE rather than invented as an extra wire field.
type Dispatcher struct {
	log        hclog.Logger
	store      *uefivarstore.Store
	nameBufCap uint64
	payloadCap uint64
}

func NewDispatcher(log hclog.Logger, store *uefivarstore.Store, nameBufCap, payloadCap uint64) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{log: log.Named("handlers"), store: store, nameBufCap: nameBufCap, payloadCap: payloadCap}
}

var _ transport.Responder = (*Dispatcher)(nil)

func (d *Dispatcher) Handle(req transport.Request) transport.Response {
	switch req.Opcode {
	case transport.OpGetVariable:
		return d.getVariable(req.Payload)
	case transport.OpSetVariable:
		return d.setVariable(req.Payload)
	case transport.OpGetNextVariableName:
		return d.getNextVariableName(req.Payload)
	case transport.OpQueryVariableInfo:
		return d.queryVariableInfo(req.Payload)
	case transport.OpReadyToBoot:
		d.log.Debug("ready-to-boot notification received")
		return transport.Response{Status: uint32(efi.Success)}
	case transport.OpExitBootService:
		d.store.ExitBootServices()
		return transport.Response{Status: uint32(efi.Success)}
	case transport.OpGetVarCheckProperty:
		return d.getVarCheckProperty(req.Payload)
	case transport.OpSetVarCheckProperty:
		return d.setVarCheckProperty(req.Payload)
	case transport.OpGetPayloadSize:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, d.payloadCap)
		return transport.Response{Status: uint32(efi.Success), Payload: buf}
	default:
		return transport.Response{Status: uint32(efi.Unsupported)}
	}
}

func (d *Dispatcher) getVariable(payload []byte) transport.Response {
	a, err := decodeGetVariableRequest(payload)
	if err != nil {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	attrs, data, required, status := d.store.GetVariable(a.GUID, a.Name, a.DataSize)
	if status != efi.Success {
		if status == efi.BufferTooSmall {
			buf := make([]byte, accessStructureFixedLen)
			copy(buf[:16], a.GUID[:])
			binary.LittleEndian.PutUint64(buf[16:], required)
			return transport.Response{Status: uint32(status), Payload: buf}
		}
		return transport.Response{Status: uint32(status)}
	}
	reply := accessStructure{GUID: a.GUID, Attributes: attrs, Data: data}
	return transport.Response{Status: uint32(efi.Success), Payload: encodeAccessStructure(reply)}
}

func (d *Dispatcher) setVariable(payload []byte) transport.Response {
	a, err := decodeSetVariableRequest(payload)
	if err != nil {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	status := d.store.SetVariable(a.GUID, a.Name, a.Attributes, a.Data)
	return transport.Response{Status: uint32(status)}
}

func (d *Dispatcher) getNextVariableName(payload []byte) transport.Response {
	n, _, err := decodeNextNameStructure(payload)
	if err != nil {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	guid, name, required, status := d.store.GetNextVariableName(n.GUID, n.Name, d.nameBufCap)
	if status != efi.Success {
		if status == efi.BufferTooSmall {
			buf := make([]byte, 16+8)
			copy(buf[:16], guid[:])
			binary.LittleEndian.PutUint64(buf[16:], required)
			return transport.Response{Status: uint32(status), Payload: buf}
		}
		return transport.Response{Status: uint32(status)}
	}
	return transport.Response{Status: uint32(efi.Success), Payload: encodeNextNameStructure(nextNameStructure{GUID: guid, Name: name})}
}

func (d *Dispatcher) queryVariableInfo(payload []byte) transport.Response {
	if len(payload) < 4 {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	attrs := efi.Attributes(binary.LittleEndian.Uint32(payload))
	maxStorage, remaining, maxVariable := d.store.QueryVariableInfo(attrs)
	return transport.Response{
		Status:  uint32(efi.Success),
		Payload: encodeQueryInfoReply(maxStorage, remaining, maxVariable, attrs),
	}
}

func (d *Dispatcher) getVarCheckProperty(payload []byte) transport.Response {
	n, _, err := decodeNextNameStructure(payload)
	if err != nil {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	c, status := d.store.GetVarCheckProperty(n.GUID, n.Name)
	if status != efi.Success {
		return transport.Response{Status: uint32(status)}
	}
	return transport.Response{Status: uint32(efi.Success), Payload: encodeVarCheckProperty(c)}
}

func (d *Dispatcher) setVarCheckProperty(payload []byte) transport.Response {
	n, rest, err := decodeNextNameStructure(payload)
	if err != nil {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	c, err := decodeVarCheckProperty(rest)
	if err != nil {
		return transport.Response{Status: uint32(efi.InvalidParameter)}
	}
	status := d.store.SetVarCheckProperty(n.GUID, n.Name, c)
	return transport.Response{Status: uint32(status)}
}
