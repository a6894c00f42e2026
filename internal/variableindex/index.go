// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package variableindex implements the in-memory variable metadata
// table: insertion-ordered entries keyed by (guid, name), lifecycle
// transitions between "set" and "constraints registered", and
// A/B-ready serialization.
package variableindex

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/stormset/sp-uefi-variable/internal/efi"
)

// ErrFull is returned by AddEntry when the index has no free slot.
var ErrFull = errors.New("variableindex: index full")

// ErrNameTooLong is returned by AddEntry when name exceeds the
// configured MAX_VARIABLE_NAME_SIZE.
var ErrNameTooLong = errors.New("variableindex: name too long")

// ErrInvalidEnumeration is returned by FindNext when name_in does not
// match any existing entry.
var ErrInvalidEnumeration = errors.New("variableindex: invalid enumeration cursor")

// Constraints mirrors "variable check-constraints".
type Constraints struct {
	Revision           uint16
	PropertyFlags      uint16 // bit 0: READ_ONLY
	RequiredAttributes efi.Attributes
	MinSize            uint64
	MaxSize            uint64
}

const PropertyReadOnly uint16 = 1

func (c Constraints) ReadOnly() bool { return c.PropertyFlags&PropertyReadOnly != 0 }

// Metadata is a variable's identity and attribute state. AuthTimestamp
// and Fingerprint carry what the authenticated variable verifier needs
// to survive a reboot: the last-accepted signing timestamp
// (monotonicity) and the bound signer fingerprint for "private
// authenticated" variables. They are zero/unset for variables that
// were never written through an authenticated SetVariable.
type Metadata struct {
	GUID           efi.GUID
	Name           efi.Name
	UID            uint64
	Attributes     efi.Attributes
	AuthTimestamp  uint64
	FingerprintSet bool
	Fingerprint    [32]byte

	// DataSize is the current stored object length, maintained by the
	// UEFI variable store for capacity accounting. It is not part of
	// the persisted image: Dump/Restore never touch it, and after a
	// restore the UEFI variable store recomputes it from the backend
	// objects.
	DataSize uint64
}

// Entry is one slot of the index.
type Entry struct {
	Metadata         Metadata
	Constraints      Constraints
	IsVariableSet    bool
	IsConstraintsSet bool
}

// nvVisible reports whether the entry currently contributes to the
// persisted (NV) image: either it holds a set variable with the
// NON_VOLATILE bit, or it holds NV-visible constraints registered ahead
// of the variable ever being written.
func (e *Entry) nvVisible() bool {
	if e.IsVariableSet && e.Metadata.Attributes.Has(efi.NonVolatile) {
		return true
	}
	if e.IsConstraintsSet && !e.IsVariableSet && e.Constraints.RequiredAttributes.Has(efi.NonVolatile) {
		return true
	}
	return false
}

// free reports whether the slot can be reclaimed.
func (e *Entry) free() bool { return !e.IsVariableSet && !e.IsConstraintsSet }

// Index is the in-memory variable table owned exclusively by the UEFI
// Variable Store.
type Index struct {
	log hclog.Logger

	entries     []*Entry
	counter     uint32
	dirty       bool
	nextUID     uint64
	maxEntries  int
	maxNameSize int
}

// Config bounds the index's capacity.
type Config struct {
	MaxVariables        int
	MaxVariableNameSize int
}

func DefaultConfig() Config {
	return Config{MaxVariables: 64, MaxVariableNameSize: 128}
}

// FirstAllocatableUID is the first UID handed out by AddEntry. UIDs
// below it are reserved by the persistent store facade for its two A/B
// index slots.
const FirstAllocatableUID = 2

func New(log hclog.Logger, cfg Config) *Index {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Index{
		log:         log.Named("variable-index"),
		nextUID:     FirstAllocatableUID,
		maxEntries:  cfg.MaxVariables,
		maxNameSize: cfg.MaxVariableNameSize,
	}
}

// Counter returns the current monotonic persistence counter.
func (idx *Index) Counter() uint32 { return idx.counter }

// SetCounter is used by the persistent store facade to install the
// counter value read back from the winning A/B slot at init.
func (idx *Index) SetCounter(c uint32) { idx.counter = c }

// AdvanceCounter increments the counter by one, wrapping modulo 2^32.
func (idx *Index) AdvanceCounter() { idx.counter++ }

// SetDirty forces the dirty flag, used by the persistent store facade
// to recover from a commit whose Dump succeeded but whose durable
// write failed.
func (idx *Index) SetDirty(dirty bool) { idx.dirty = dirty }

// Config returns the capacity bounds this index was constructed with,
// so a caller can build another index that decodes the same wire
// layout (used when comparing two persisted A/B images).
func (idx *Index) Config() Config {
	return Config{MaxVariables: idx.maxEntries, MaxVariableNameSize: idx.maxNameSize}
}

// Dirty reports whether anything NV-visible has changed since the last
// successful Dump.
func (idx *Index) Dirty() bool { return idx.dirty }

// Len returns the number of live entries (set or constraints-only).
func (idx *Index) Len() int { return len(idx.entries) }

func (idx *Index) markDirty(e *Entry) {
	if e.nvVisible() || e.IsConstraintsSet {
		// Only the entry's current state is checked here; an entry that
		// has already left NV visibility without constraints does not
		// dirty the index through this helper.
		idx.dirty = true
	}
}

// Find looks up an entry by (guid, name).
func (idx *Index) Find(guid efi.GUID, name efi.Name) (*Entry, bool) {
	for _, e := range idx.entries {
		if e.Metadata.GUID == guid && e.Metadata.Name.Equal(name) {
			return e, true
		}
	}
	return nil, false
}

// AddEntry inserts a fresh, empty entry for (guid, name). Callers must
// Find first; AddEntry does not check for an existing match — adding a
// duplicate (guid, name) is a caller error.
func (idx *Index) AddEntry(guid efi.GUID, name efi.Name) (*Entry, error) {
	if name.ByteLen() > idx.maxNameSize {
		return nil, ErrNameTooLong
	}
	if idx.maxEntries > 0 && len(idx.entries) >= idx.maxEntries {
		return nil, ErrFull
	}
	e := &Entry{Metadata: Metadata{GUID: guid, Name: append(efi.Name{}, name...), UID: idx.nextUID}}
	idx.nextUID++
	idx.entries = append(idx.entries, e)
	return e, nil
}

// FindNext implements variable enumeration: the empty name selects the
// first visible entry; otherwise name must match an existing entry and
// the next visible one (insertion order, skipping entries not
// currently set, and skipping entries the supplied visibility
// predicate rejects) is returned.
//
// visible may be nil, in which case every set entry is considered
// visible (for callers that don't apply the boot/runtime access gate).
func (idx *Index) FindNext(guid efi.GUID, name efi.Name, visible func(*Entry) bool) (*Entry, error) {
	if visible == nil {
		visible = func(*Entry) bool { return true }
	}

	start := 0
	if !name.Empty() {
		cur, ok := idx.Find(guid, name)
		if !ok {
			return nil, ErrInvalidEnumeration
		}
		idx2 := idx.indexOf(cur)
		if idx2 < 0 {
			return nil, ErrInvalidEnumeration
		}
		start = idx2 + 1
	}

	for i := start; i < len(idx.entries); i++ {
		e := idx.entries[i]
		if e.IsVariableSet && visible(e) {
			return e, nil
		}
	}
	return nil, nil
}

func (idx *Index) indexOf(target *Entry) int {
	for i, e := range idx.entries {
		if e == target {
			return i
		}
	}
	return -1
}

// SetVariable marks e as holding a written variable, recording its
// attributes. This dirties the index iff e is (or was) NV-visible.
func (idx *Index) SetVariable(e *Entry, attrs efi.Attributes) {
	wasVisible := e.nvVisible()
	e.IsVariableSet = true
	e.Metadata.Attributes = attrs
	if wasVisible || e.nvVisible() {
		idx.dirty = true
	}
}

// SetConstraints registers/updates constraints on e.
func (idx *Index) SetConstraints(e *Entry, c Constraints) {
	wasVisible := e.nvVisible()
	e.IsConstraintsSet = true
	e.Constraints = c
	if wasVisible || e.nvVisible() {
		idx.dirty = true
	}
}

// ClearVariable marks e as no longer holding a set variable. The slot
// survives if constraints are still registered; otherwise it becomes
// reclaimable via RemoveUnusedEntry.
func (idx *Index) ClearVariable(e *Entry) {
	wasVisible := e.nvVisible()
	e.IsVariableSet = false
	e.Metadata.Attributes = 0
	if wasVisible || e.nvVisible() {
		idx.dirty = true
	}
}

// RemoveUnusedEntry frees e's slot. e must have both flags false; calling
// it on a live entry is a caller error, handled here as a logged no-op
// rather than a panic.
func (idx *Index) RemoveUnusedEntry(e *Entry) {
	if !e.free() {
		idx.log.Warn("RemoveUnusedEntry called on a live entry, ignoring",
			"guid", e.Metadata.GUID.String())
		return
	}
	for i, cand := range idx.entries {
		if cand == e {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return
		}
	}
}

// All returns the live entries in insertion order. The returned slice
// must not be mutated by the caller.
func (idx *Index) All() []*Entry { return idx.entries }

func (idx *Index) String() string {
	return fmt.Sprintf("Index{entries=%d, counter=%d, dirty=%v}", len(idx.entries), idx.counter, idx.dirty)
}
