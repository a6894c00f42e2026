// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package authvar strips and validates the PKCS#7 signature carried by
// a SetVariable whose attributes require authentication, and derives
// the signer fingerprint used by the private-authenticated-variable
// policy.
package authvar

import (
	"encoding/binary"
	"fmt"

	"github.com/stormset/sp-uefi-variable/internal/efi"
)

const headerFixedLen = 8 /*timestamp*/ + 4 /*cert length*/

// AuthHeader is the leading authentication header stripped from the
// SetVariable payload of an authenticated write.
type AuthHeader struct {
	Timestamp uint64
	Cert      []byte // DER-encoded PKCS#7 SignedData
}

// ParseAuthHeader splits payload into its authentication header and the
// inner variable payload that follows it. All parse failures map to
// EFI_COMPROMISED_DATA at the call site.
func ParseAuthHeader(payload []byte) (AuthHeader, []byte, error) {
	if len(payload) < headerFixedLen {
		return AuthHeader{}, nil, fmt.Errorf("authvar: payload shorter than auth header")
	}
	ts := binary.LittleEndian.Uint64(payload[0:8])
	certLen := binary.LittleEndian.Uint32(payload[8:12])
	rest := payload[headerFixedLen:]
	if uint64(certLen) > uint64(len(rest)) {
		return AuthHeader{}, nil, fmt.Errorf("authvar: signature length overruns payload")
	}
	cert := rest[:certLen]
	inner := rest[certLen:]
	return AuthHeader{Timestamp: ts, Cert: cert}, inner, nil
}

// canonicalDigestInput builds the exact byte sequence the signature
// covers: name || guid || attributes || timestamp || inner_payload.
func canonicalDigestInput(guid efi.GUID, name efi.Name, attrs efi.Attributes, timestamp uint64, inner []byte) []byte {
	buf := make([]byte, 0, name.ByteLen()+16+4+8+len(inner))
	for _, u := range name {
		buf = append(buf, byte(u), byte(u>>8))
	}
	buf = append(buf, guid[:]...)
	var attrBytes [4]byte
	binary.LittleEndian.PutUint32(attrBytes[:], uint32(attrs))
	buf = append(buf, attrBytes[:]...)
	var tsBytes [8]byte
	binary.LittleEndian.PutUint64(tsBytes[:], timestamp)
	buf = append(buf, tsBytes[:]...)
	buf = append(buf, inner...)
	return buf
}
