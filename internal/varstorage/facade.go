// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package varstorage

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/stormset/sp-uefi-variable/internal/efi"
	"github.com/stormset/sp-uefi-variable/internal/variableindex"
)

// ErrAmbiguousIndex is returned by Init when both A/B index copies are
// present with equal counters: the persisted state cannot be arbitrated
// and must be treated as corrupt rather than guessed at.
var ErrAmbiguousIndex = errors.New("varstorage: ambiguous A/B index state")

// Facade owns one Backend and the Index it persists into it, and
// implements the A/B commit/init protocol: two alternating slots, a
// monotonic counter picking the winner, and torn-write reconciliation
// against the backend.
type Facade struct {
	log     hclog.Logger
	backend Backend
	index   *variableindex.Index

	// active is the UID (IndexSlotA or IndexSlotB) that currently holds
	// the winning, up-to-date persisted image.
	active uint64
}

func New(log hclog.Logger, backend Backend, index *variableindex.Index) *Facade {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Facade{
		log:     log.Named("varstorage"),
		backend: backend,
		index:   index,
		active:  IndexSlotA,
	}
}

// Index returns the facade's managed index.
func (f *Facade) Index() *variableindex.Index { return f.index }

// isNewer reports whether counter a is exactly one commit ahead of b,
// under modulo-2^32 wraparound: uint32 subtraction already wraps the
// way this comparison requires.
func isNewer(a, b uint32) bool { return a-b == 1 }

// Init restores the winning A/B index copy (or starts empty if neither
// slot is populated) and reconciles any torn write left by a crash
// between persisting the index and persisting a variable's backend
// object.
func (f *Facade) Init() error {
	aRaw, aOK := f.readSlot(IndexSlotA)
	bRaw, bOK := f.readSlot(IndexSlotB)

	switch {
	case !aOK && !bOK:
		f.active = IndexSlotA
		f.log.Debug("no persisted index found, starting empty")

	case aOK != bOK:
		raw, slot := aRaw, IndexSlotA
		if bOK {
			raw, slot = bRaw, IndexSlotB
		}
		if _, err := f.index.Restore(raw); err != nil {
			return fmt.Errorf("varstorage: restoring sole index copy: %w", err)
		}
		// The next commit must carry a counter one past the restored copy's.
		f.index.AdvanceCounter()
		f.active = slot
		f.log.Debug("restored sole index copy", "slot", slot)

	default:
		tmpA := variableindex.New(f.log, f.configOf())
		if _, err := tmpA.Restore(aRaw); err != nil {
			return fmt.Errorf("varstorage: restoring index A: %w", err)
		}
		tmpB := variableindex.New(f.log, f.configOf())
		if _, err := tmpB.Restore(bRaw); err != nil {
			return fmt.Errorf("varstorage: restoring index B: %w", err)
		}

		switch {
		case tmpA.Counter() == tmpB.Counter():
			return ErrAmbiguousIndex
		case isNewer(tmpB.Counter(), tmpA.Counter()):
			if _, err := f.index.Restore(bRaw); err != nil {
				return fmt.Errorf("varstorage: restoring newer index B: %w", err)
			}
			f.active = IndexSlotB
		default:
			if _, err := f.index.Restore(aRaw); err != nil {
				return fmt.Errorf("varstorage: restoring newer index A: %w", err)
			}
			f.active = IndexSlotA
		}
		f.index.AdvanceCounter()
		f.log.Debug("resolved A/B index state", "active", f.active)
	}

	f.reconcileTornWrites()
	return nil
}

// configOf reproduces the restored index's capacity bounds so temporary
// comparison indexes decode records the same way.
func (f *Facade) configOf() variableindex.Config {
	return f.index.Config()
}

func (f *Facade) readSlot(uid uint64) ([]byte, bool) {
	if !f.backend.Exists(uid) {
		return nil, false
	}
	raw, err := f.backend.Get(uid)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

// reconcileTornWrites clears any entry marked as a set NV variable
// whose backend object is missing: that combination only arises from a
// crash between persisting the index and persisting the object (or
// vice versa), so the entry is dropped and the next commit re-persists
// a consistent image.
func (f *Facade) reconcileTornWrites() {
	for _, e := range f.index.All() {
		if !e.IsVariableSet || !e.Metadata.Attributes.Has(efi.NonVolatile) {
			continue
		}
		if !f.backend.Exists(e.Metadata.UID) {
			f.log.Warn("torn write detected, clearing orphaned index entry",
				"guid", e.Metadata.GUID.String(), "uid", e.Metadata.UID)
			f.index.ClearVariable(e)
		}
	}
}

// Commit persists the index to the inactive slot and flips which slot
// is active. It is a caller error to call Commit when the index is not
// dirty, but doing so is harmless (it simply rewrites the same
// content).
func (f *Facade) Commit() error {
	buf := make([]byte, f.index.MaxDumpSize())
	n, _, err := f.index.Dump(buf)
	if err != nil {
		return fmt.Errorf("varstorage: serializing index: %w", err)
	}

	inactive := f.inactiveSlot()
	if err := f.putSlot(inactive, buf[:n]); err != nil {
		// The dump already cleared the dirty flag; since nothing was
		// actually made durable, restore it so the next attempt
		// retries instead of silently losing the change.
		f.index.SetDirty(true)
		return fmt.Errorf("varstorage: writing index slot %d: %w", inactive, err)
	}

	f.index.AdvanceCounter()
	f.active = inactive
	return nil
}

func (f *Facade) inactiveSlot() uint64 {
	if f.active == IndexSlotA {
		return IndexSlotB
	}
	return IndexSlotA
}

func (f *Facade) putSlot(uid uint64, data []byte) error {
	if f.backend.Exists(uid) {
		return f.backend.Set(uid, data)
	}
	return f.backend.Create(uid, data)
}

// PutVariable durably stores data under uid, creating the backend
// object on first write and replacing it on subsequent writes.
func (f *Facade) PutVariable(uid uint64, data []byte) error {
	return f.putSlot(uid, data)
}

// GetVariable reads the backend object for uid.
func (f *Facade) GetVariable(uid uint64) ([]byte, error) {
	return f.backend.Get(uid)
}

// RemoveVariable deletes the backend object for uid. Callers must clear
// the index entry *before* calling RemoveVariable, so a crash between
// the two steps can only leave behind an unreferenced stray object,
// never resurrect a deleted one.
func (f *Facade) RemoveVariable(uid uint64) error {
	return f.backend.Remove(uid)
}
