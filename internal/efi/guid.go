// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package efi

import "github.com/stormset/sp-uefi-variable/internal/uuidkey"

// GUID is a 128-bit vendor GUID. The wire and storage form is always
// the raw 16 bytes (little-endian-encoded fields per the Microsoft GUID
// layout); String/ParseGUID go through uuidkey only to get a canonical
// human-readable form for logs and the CLI.
type GUID [16]byte

// String renders g in its familiar 8-4-4-4-12 form.
func (g GUID) String() string {
	return uuidkey.Format(g)
}

// ParseGUID parses a canonical 8-4-4-4-12 string into a GUID.
func ParseGUID(s string) (GUID, error) {
	b, err := uuidkey.Parse(s)
	if err != nil {
		return GUID{}, err
	}
	return GUID(b), nil
}

// Name is a NUL-terminated UTF-16 variable name. The
// slice always includes the terminating U+0000 code unit.
type Name []uint16

// Empty reports whether n is the canonical empty-name sentinel used by
// FindNext/GetNextVariableName to select the first entry: a single
// U+0000 code unit.
func (n Name) Empty() bool {
	return len(n) == 1 && n[0] == 0
}

// ByteLen returns the length of n encoded as UTF-16LE bytes, including
// the terminator — this is the wire/storage "name_size".
func (n Name) ByteLen() int { return len(n) * 2 }

// Equal reports whether n and other encode the same code unit sequence.
func (n Name) Equal(other Name) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if n[i] != other[i] {
			return false
		}
	}
	return true
}

// NameFromString builds a Name (including terminator) from a Go string,
// for tests and the CLI harness.
func NameFromString(s string) Name {
	runes := []rune(s)
	units := make([]uint16, 0, len(runes)+1)
	for _, r := range runes {
		if r > 0xFFFF {
			// no surrogate pairs needed for variable names in this
			// partition's test/demo surface.
			r = 0xFFFD
		}
		units = append(units, uint16(r))
	}
	units = append(units, 0)
	return Name(units)
}

// String renders n back to a Go string, dropping the terminator.
func (n Name) String() string {
	if len(n) == 0 {
		return ""
	}
	body := n
	if body[len(body)-1] == 0 {
		body = body[:len(body)-1]
	}
	runes := make([]rune, len(body))
	for i, u := range body {
		runes[i] = rune(u)
	}
	return string(runes)
}
