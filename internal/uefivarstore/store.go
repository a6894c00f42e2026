// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package uefivarstore implements the UEFI Runtime Services variable
// operations: SetVariable, GetVariable, GetNextVariableName,
// QueryVariableInfo, ExitBootServices and SetVarCheckProperty. It owns
// the variable index, the NV persistent store facade, the volatile
// backend, and the access-mode and capacity policy that governs all of
// them.
package uefivarstore

import (
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/stormset/sp-uefi-variable/internal/authvar"
	"github.com/stormset/sp-uefi-variable/internal/config"
	"github.com/stormset/sp-uefi-variable/internal/efi"
	"github.com/stormset/sp-uefi-variable/internal/variableindex"
	"github.com/stormset/sp-uefi-variable/internal/varstorage"
)

// AuthVerifier is the capability the store delegates authenticated
// SetVariable payloads to. It is satisfied by *authvar.Verifier; tests
// substitute a fake so they never need to build a real PKCS#7
// signature.
type AuthVerifier interface {
	Verify(req authvar.Request) (authvar.Result, efi.Status)
}

// class distinguishes the two storage backends a variable can live in.
type class int

const (
	classVolatile class = iota
	classNV
)

func classOf(attrs efi.Attributes) class {
	if attrs.Has(efi.NonVolatile) {
		return classNV
	}
	return classVolatile
}

// Store implements the UEFI variable operations.
type Store struct {
	log hclog.Logger

	index    *variableindex.Index
	nv       *varstorage.Facade
	volatile varstorage.Backend
	verifier AuthVerifier

	limits config.Limits

	bootServicesActive bool
}

// New constructs a Store. nv must already own the index it will
// persist; New calls nv.Init() to restore (or start empty) its A/B
// state and recomputes NV accounting from what was restored. An A/B
// state with equal counters is reported as EFI_LOAD_ERROR.
func New(log hclog.Logger, nv *varstorage.Facade, volatile varstorage.Backend, verifier AuthVerifier, limits config.Limits) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	s := &Store{
		log:                log.Named("uefivarstore"),
		index:              nv.Index(),
		nv:                 nv,
		volatile:           volatile,
		verifier:           verifier,
		limits:             limits,
		bootServicesActive: true,
	}
	if err := nv.Init(); err != nil {
		if errors.Is(err, varstorage.ErrAmbiguousIndex) {
			return nil, efi.Wrap(efi.LoadError)
		}
		return nil, err
	}
	s.recomputeDataSizes()
	return s, nil
}

// recomputeDataSizes reads every NV-visible object's length back from
// the backend after a restore, since DataSize is accounting state, not
// part of the persisted image.
func (s *Store) recomputeDataSizes() {
	for _, e := range s.index.All() {
		if !e.IsVariableSet || classOf(e.Metadata.Attributes) != classNV {
			continue
		}
		data, err := s.nv.GetVariable(e.Metadata.UID)
		if err != nil {
			s.log.Warn("could not recompute size for restored variable", "guid", e.Metadata.GUID.String(), "error", err)
			continue
		}
		e.Metadata.DataSize = uint64(len(data))
	}
}

func (s *Store) usedBytes(c class) uint64 {
	var total uint64
	for _, e := range s.index.All() {
		if e.IsVariableSet && classOf(e.Metadata.Attributes) == c {
			total += e.Metadata.DataSize
		}
	}
	return total
}

func (s *Store) readObject(uid uint64, c class) ([]byte, error) {
	if c == classNV {
		return s.nv.GetVariable(uid)
	}
	return s.volatile.Get(uid)
}

func (s *Store) writeObject(uid uint64, c class, data []byte) error {
	if c == classNV {
		return s.nv.PutVariable(uid, data)
	}
	if s.volatile.Exists(uid) {
		return s.volatile.Set(uid, data)
	}
	return s.volatile.Create(uid, data)
}

func (s *Store) removeObject(uid uint64, c class) error {
	if c == classNV {
		return s.nv.RemoveVariable(uid)
	}
	return s.volatile.Remove(uid)
}

// visible implements the access-mode filter used by GetVariable and
// GetNextVariableName: an entry is visible iff it holds a set variable
// and carries the attribute bit matching the current boot phase.
func (s *Store) visible(e *variableindex.Entry) bool {
	if !e.IsVariableSet {
		return false
	}
	if s.bootServicesActive {
		return e.Metadata.Attributes.Has(efi.BootserviceAccess)
	}
	return e.Metadata.Attributes.Has(efi.RuntimeAccess)
}

// commitIfDirty persists the index if it is dirty, rolling back e to
// snapshot and returning EFI_DEVICE_ERROR on failure. removeIfUnused
// reclaims e's slot once the commit (if any) has succeeded — deferred
// this late so a failed commit can still be rolled back by restoring
// the snapshot in place.
func (s *Store) commitIfDirty(e *variableindex.Entry, snapshot variableindex.Entry, removeIfUnused bool) efi.Status {
	if s.index.Dirty() {
		if err := s.nv.Commit(); err != nil {
			*e = snapshot
			s.log.Warn("commit failed, rolled back in-memory change", "guid", e.Metadata.GUID.String(), "error", err)
			return efi.DeviceError
		}
	}
	if removeIfUnused && !e.IsVariableSet && !e.IsConstraintsSet {
		s.index.RemoveUnusedEntry(e)
	}
	return efi.Success
}

// SetVariable implements the full write path: attribute validation,
// constraint enforcement, authenticated-payload verification, deletion,
// append and create/replace, followed by capacity accounting and a
// commit when the change touched an NV-visible entry.
func (s *Store) SetVariable(guid efi.GUID, name efi.Name, attrs efi.Attributes, data []byte) efi.Status {
	if !attrs.Supported() {
		return efi.Unsupported
	}
	if attrs.Has(efi.RuntimeAccess) && !attrs.Has(efi.BootserviceAccess) {
		return efi.InvalidParameter
	}

	entry, found := s.index.Find(guid, name)

	if found && entry.IsConstraintsSet {
		if status := checkConstraints(entry.Constraints, attrs, data, found && entry.IsVariableSet); status != efi.Success {
			return status
		}
	}

	var authResult *authvar.Result
	if attrs.Authenticated() {
		var priorTimestamp uint64
		var priorFingerprint *[32]byte
		if found {
			priorTimestamp = entry.Metadata.AuthTimestamp
			if entry.Metadata.FingerprintSet {
				priorFingerprint = &entry.Metadata.Fingerprint
			}
		}
		result, status := s.verifier.Verify(authvar.Request{
			GUID: guid, Name: name, Attributes: attrs, Payload: data,
			PriorTimestamp: priorTimestamp, PriorFingerprint: priorFingerprint,
		})
		if status != efi.Success {
			return status
		}
		data = result.InnerPayload
		authResult = &result
	}

	// Deletion and append-no-op are judged against the *verified* inner
	// payload for an authenticated write: the raw wire payload always
	// carries the non-empty timestamp+PKCS7 header, so this check must
	// run after the substitution above, not before it.
	isDeletion := len(data) == 0 && !attrs.Has(efi.AppendWrite)
	isAppendNoop := attrs.Has(efi.AppendWrite) && len(data) == 0

	if isAppendNoop {
		if found && entry.IsVariableSet {
			return efi.Success
		}
		return efi.NotFound
	}

	if isDeletion {
		if !found || !entry.IsVariableSet {
			return efi.NotFound
		}
		return s.deleteVariable(entry)
	}

	if attrs.Has(efi.AppendWrite) && found && entry.IsVariableSet {
		return s.appendVariable(entry, attrs, data, authResult)
	}
	return s.createOrReplace(guid, name, entry, found, attrs, data, authResult)
}

// checkConstraints enforces READ_ONLY and the size/required-attribute
// bounds registered by SetVarCheckProperty. existingSet distinguishes a
// real deletion of an already-set variable (exempt from READ_ONLY only
// when MinSize == 0) from an empty write to a variable that isn't set
// yet, which is judged as any other write. Outside READ_ONLY, a
// deletion is judged against MinSize/MaxSize like any other write: a
// MinSize > 0 constraint blocks removal with EFI_INVALID_PARAMETER,
// exactly as it would block any other undersized write.
func checkConstraints(c variableindex.Constraints, attrs efi.Attributes, data []byte, existingSet bool) efi.Status {
	isDeletionOfExisting := len(data) == 0 && !attrs.Has(efi.AppendWrite) && existingSet

	if c.ReadOnly() {
		if isDeletionOfExisting {
			if c.MinSize > 0 {
				return efi.WriteProtected
			}
			return efi.Success
		}
		return efi.WriteProtected
	}

	var errs *multierror.Error
	size := uint64(len(data))
	if c.MinSize > 0 && size < c.MinSize {
		errs = multierror.Append(errs, efi.Wrap(efi.InvalidParameter))
	}
	if c.MaxSize > 0 && size > c.MaxSize {
		errs = multierror.Append(errs, efi.Wrap(efi.InvalidParameter))
	}
	if !isDeletionOfExisting && c.RequiredAttributes != 0 && attrs&c.RequiredAttributes != c.RequiredAttributes {
		errs = multierror.Append(errs, efi.Wrap(efi.InvalidParameter))
	}
	if errs.ErrorOrNil() != nil {
		return efi.AsStatus(errs)
	}
	return efi.Success
}

// applyAuthResult records the accepted signer's timestamp and (if bound)
// fingerprint on e. Called before commitIfDirty so an authenticated
// write's monotonicity/pinning state is captured in the same commit as
// the variable data itself, not a later one.
func applyAuthResult(e *variableindex.Entry, authResult *authvar.Result) {
	if authResult == nil {
		return
	}
	e.Metadata.AuthTimestamp = authResult.Timestamp
	if authResult.FingerprintBound {
		e.Metadata.FingerprintSet = true
		e.Metadata.Fingerprint = authResult.Fingerprint
	}
}

func (s *Store) deleteVariable(e *variableindex.Entry) efi.Status {
	snapshot := *e
	c := classOf(e.Metadata.Attributes)
	s.index.ClearVariable(e)
	e.Metadata.DataSize = 0

	if status := s.commitIfDirty(e, snapshot, true); status != efi.Success {
		return status
	}
	if err := s.removeObject(snapshot.Metadata.UID, c); err != nil {
		s.log.Warn("failed to remove backend object for deleted variable", "uid", snapshot.Metadata.UID, "error", err)
	}
	return efi.Success
}

func (s *Store) appendVariable(e *variableindex.Entry, attrs efi.Attributes, data []byte, authResult *authvar.Result) efi.Status {
	c := classOf(e.Metadata.Attributes)
	prior, err := s.readObject(e.Metadata.UID, c)
	if err != nil {
		return efi.DeviceError
	}
	combined := append(append([]byte(nil), prior...), data...)

	if s.limits.MaxVariableSize > 0 && uint64(len(combined)) > s.limits.MaxVariableSize {
		return efi.OutOfResources
	}
	delta := uint64(len(combined)) - uint64(len(prior))
	if s.limits.Capacity > 0 && delta > 0 {
		remaining := s.limits.Capacity - s.usedBytes(c)
		if delta > remaining {
			return efi.OutOfResources
		}
	}

	snapshot := *e
	s.index.SetVariable(e, attrs)
	e.Metadata.DataSize = uint64(len(combined))
	applyAuthResult(e, authResult)

	if status := s.commitIfDirty(e, snapshot, false); status != efi.Success {
		return status
	}
	if err := s.writeObject(e.Metadata.UID, c, combined); err != nil {
		s.log.Error("backend write failed after index commit", "uid", e.Metadata.UID, "error", err)
		return efi.DeviceError
	}
	return efi.Success
}

func (s *Store) createOrReplace(guid efi.GUID, name efi.Name, entry *variableindex.Entry, found bool, attrs efi.Attributes, data []byte, authResult *authvar.Result) efi.Status {
	c := classOf(attrs)

	if s.limits.MaxVariableSize > 0 && uint64(len(data)) > s.limits.MaxVariableSize {
		return efi.OutOfResources
	}

	var oldSize uint64
	var oldClass class
	if found {
		oldSize = entry.Metadata.DataSize
		oldClass = classOf(entry.Metadata.Attributes)
	}

	used := s.usedBytes(c)
	if found && oldClass == c {
		used -= oldSize
	}
	if s.limits.Capacity > 0 && uint64(len(data)) > s.limits.Capacity-used {
		return efi.OutOfResources
	}

	var e *variableindex.Entry
	var snapshot variableindex.Entry
	if found {
		e = entry
		snapshot = *e
	} else {
		var err error
		e, err = s.index.AddEntry(guid, name)
		if err != nil {
			if err == variableindex.ErrNameTooLong {
				return efi.InvalidParameter
			}
			return efi.OutOfResources
		}
		snapshot = *e
	}

	// A replace that moves a previously set variable across classes must
	// vacate the old backend object; best-effort, mirroring the
	// tolerance for stray unindexed objects documented for deletion.
	if found && entry.IsVariableSet && oldClass != c {
		if err := s.removeObject(e.Metadata.UID, oldClass); err != nil {
			s.log.Warn("failed to remove stale cross-class object", "uid", e.Metadata.UID, "error", err)
		}
	}

	s.index.SetVariable(e, attrs)
	e.Metadata.DataSize = uint64(len(data))
	applyAuthResult(e, authResult)

	if status := s.commitIfDirty(e, snapshot, false); status != efi.Success {
		return status
	}
	if err := s.writeObject(e.Metadata.UID, c, data); err != nil {
		s.log.Error("backend write failed after index commit", "uid", e.Metadata.UID, "error", err)
		return efi.DeviceError
	}
	return efi.Success
}

// GetVariable reads a variable's data into a buffer bounded by maxOut.
// It returns the stored attributes, the data (nil on failure), and the
// required size (populated even on EFI_BUFFER_TOO_SMALL so the caller
// can retry with a larger buffer).
func (s *Store) GetVariable(guid efi.GUID, name efi.Name, maxOut uint64) (efi.Attributes, []byte, uint64, efi.Status) {
	e, ok := s.index.Find(guid, name)
	if !ok || !e.IsVariableSet {
		return 0, nil, 0, efi.NotFound
	}
	if !s.visible(e) {
		return 0, nil, 0, efi.NotFound
	}

	c := classOf(e.Metadata.Attributes)
	data, err := s.readObject(e.Metadata.UID, c)
	if err != nil {
		return 0, nil, 0, efi.DeviceError
	}

	required := uint64(len(data))
	if required > maxOut {
		return e.Metadata.Attributes, nil, required, efi.BufferTooSmall
	}
	return e.Metadata.Attributes, data, required, efi.Success
}

// GetNextVariableName implements variable enumeration, respecting both
// the access-mode filter and a caller-supplied name buffer size.
func (s *Store) GetNextVariableName(guid efi.GUID, name efi.Name, maxNameBytes uint64) (efi.GUID, efi.Name, uint64, efi.Status) {
	next, err := s.index.FindNext(guid, name, s.visible)
	if err != nil {
		return efi.GUID{}, nil, 0, efi.InvalidParameter
	}
	if next == nil {
		return efi.GUID{}, nil, 0, efi.NotFound
	}
	required := uint64(next.Metadata.Name.ByteLen())
	if required > maxNameBytes {
		return efi.GUID{}, nil, required, efi.BufferTooSmall
	}
	return next.Metadata.GUID, next.Metadata.Name, required, efi.Success
}

// QueryVariableInfo reports capacity for the class (NV or volatile)
// that attrs selects.
func (s *Store) QueryVariableInfo(attrs efi.Attributes) (maxStorage, remaining, maxVariable uint64) {
	c := classOf(attrs)
	return s.limits.Capacity, s.limits.Capacity - s.usedBytes(c), s.limits.MaxVariableSize
}

// ExitBootServices latches the store into runtime mode. It cannot be
// undone short of reconstructing the Store (simulating a power cycle).
func (s *Store) ExitBootServices() {
	s.bootServicesActive = false
}

// GetVarCheckProperty returns the constraints currently registered for
// (guid, name), if any.
func (s *Store) GetVarCheckProperty(guid efi.GUID, name efi.Name) (variableindex.Constraints, efi.Status) {
	e, found := s.index.Find(guid, name)
	if !found || !e.IsConstraintsSet {
		return variableindex.Constraints{}, efi.NotFound
	}
	return e.Constraints, efi.Success
}

// SetVarCheckProperty registers or updates constraints for a variable
// that may or may not yet exist, committing if the change is
// NV-visible.
func (s *Store) SetVarCheckProperty(guid efi.GUID, name efi.Name, c variableindex.Constraints) efi.Status {
	e, found := s.index.Find(guid, name)
	var snapshot variableindex.Entry
	if found {
		snapshot = *e
	} else {
		var err error
		e, err = s.index.AddEntry(guid, name)
		if err != nil {
			if err == variableindex.ErrNameTooLong {
				return efi.InvalidParameter
			}
			return efi.OutOfResources
		}
		snapshot = *e
	}

	s.index.SetConstraints(e, c)
	return s.commitIfDirty(e, snapshot, false)
}
