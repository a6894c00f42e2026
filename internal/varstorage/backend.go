// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package varstorage wraps a generic UID-keyed KV backend to provide
// per-variable object storage, two alternating A/B index objects, and
// reconciliation between the restored index and the objects actually
// present in the backend.
package varstorage

import "errors"

// ErrNotFound is returned by Backend.Get for a UID with no stored
// object.
var ErrNotFound = errors.New("varstorage: object not found")

// Backend is the contract the external secure storage collaborator
// must satisfy: a key/value store keyed by UID with
// create/set/get/remove semantics and atomic replacement per UID.
type Backend interface {
	// Create stores data under uid, which must not already exist.
	Create(uid uint64, data []byte) error
	// Set atomically replaces the object stored under uid, which must
	// already exist.
	Set(uid uint64, data []byte) error
	// Get returns the object stored under uid, or ErrNotFound.
	Get(uid uint64) ([]byte, error)
	// Remove deletes the object stored under uid. Removing an absent
	// UID is not an error — idempotent, to tolerate a retry after a
	// torn write left a stray object.
	Remove(uid uint64) error
	// Exists reports whether uid currently has a stored object,
	// without materializing its contents — used by Init's torn-write
	// reconciliation pass.
	Exists(uid uint64) bool
}

// Reserved UIDs for the two alternating index copies. Both are below
// variableindex.FirstAllocatableUID so they can never collide with a
// real variable's UID.
const (
	IndexSlotA uint64 = 0
	IndexSlotB uint64 = 1
)
