// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package uuidkey renders the raw 16-byte GUID form used on the wire
// and in storage as the canonical 8-4-4-4-12 string form, and parses it
// back, using github.com/google/uuid. Nothing outside this package
// needs to know that representation exists.
package uuidkey

import "github.com/google/uuid"

// Format renders b as a canonical 8-4-4-4-12 UUID string.
func Format(b [16]byte) string {
	return uuid.UUID(b).String()
}

// Parse parses a canonical 8-4-4-4-12 string back into its raw 16
// bytes.
func Parse(s string) ([16]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, err
	}
	return [16]byte(u), nil
}
