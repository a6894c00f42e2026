// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package varstorage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormset/sp-uefi-variable/internal/efi"
	"github.com/stormset/sp-uefi-variable/internal/variableindex"
	"github.com/stormset/sp-uefi-variable/internal/varstorage/memkv"
)

func newTestFacade(t *testing.T) (*Facade, *memkv.Store) {
	t.Helper()
	backend := memkv.New()
	idx := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	f := New(nil, backend, idx)
	require.NoError(t, f.Init())
	return f, backend
}

func TestInit_EmptyBackend(t *testing.T) {
	f, _ := newTestFacade(t)
	require.Equal(t, 0, f.Index().Len())
	require.EqualValues(t, 0, f.Index().Counter())
	require.Equal(t, IndexSlotA, f.active)
}

func TestCommit_WritesInactiveSlotAndFlips(t *testing.T) {
	f, backend := newTestFacade(t)

	e, err := f.Index().AddEntry(efi.GUID{1}, efi.NameFromString("v1"))
	require.NoError(t, err)
	f.Index().SetVariable(e, efi.NonVolatile|efi.BootserviceAccess)
	require.True(t, f.Index().Dirty())

	require.NoError(t, f.Commit())
	require.False(t, f.Index().Dirty())
	require.Equal(t, IndexSlotB, f.active)
	require.True(t, backend.Exists(IndexSlotB))
	require.False(t, backend.Exists(IndexSlotA))

	// Second commit flips back to A.
	e2, err := f.Index().AddEntry(efi.GUID{2}, efi.NameFromString("v2"))
	require.NoError(t, err)
	f.Index().SetVariable(e2, efi.NonVolatile|efi.BootserviceAccess)
	require.NoError(t, f.Commit())
	require.Equal(t, IndexSlotA, f.active)
	require.True(t, backend.Exists(IndexSlotA))
}

func TestInit_RestoresAfterReboot(t *testing.T) {
	backend := memkv.New()
	idx1 := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	f1 := New(nil, backend, idx1)
	require.NoError(t, f1.Init())

	e, err := f1.Index().AddEntry(efi.GUID{9}, efi.NameFromString("persisted"))
	require.NoError(t, err)
	f1.Index().SetVariable(e, efi.NonVolatile|efi.BootserviceAccess)
	require.NoError(t, f1.PutVariable(e.Metadata.UID, []byte("hello")))
	require.NoError(t, f1.Commit())

	// simulate reboot: fresh index + facade over the same backend.
	idx2 := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	f2 := New(nil, backend, idx2)
	require.NoError(t, f2.Init())

	restored, ok := f2.Index().Find(efi.GUID{9}, efi.NameFromString("persisted"))
	require.True(t, ok)
	require.True(t, restored.IsVariableSet)
	data, err := f2.GetVariable(restored.Metadata.UID)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestInit_AmbiguousCounters(t *testing.T) {
	backend := memkv.New()
	idxA := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	bufA := make([]byte, idxA.MaxDumpSize())
	nA, _, err := idxA.Dump(bufA)
	require.NoError(t, err)
	require.NoError(t, backend.Create(IndexSlotA, bufA[:nA]))

	idxB := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	bufB := make([]byte, idxB.MaxDumpSize())
	nB, _, err := idxB.Dump(bufB)
	require.NoError(t, err)
	require.NoError(t, backend.Create(IndexSlotB, bufB[:nB]))

	idx := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	f := New(nil, backend, idx)
	require.ErrorIs(t, f.Init(), ErrAmbiguousIndex)
}

func TestInit_WrapAroundCounterIsNewer(t *testing.T) {
	require.True(t, isNewer(0, 0xFFFFFFFF))
	require.False(t, isNewer(0xFFFFFFFF, 0))
}

func TestInit_TornWriteRecovery(t *testing.T) {
	backend := memkv.New()
	idx := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	f := New(nil, backend, idx)
	require.NoError(t, f.Init())

	e1, _ := f.Index().AddEntry(efi.GUID{1}, efi.NameFromString("ok"))
	f.Index().SetVariable(e1, efi.NonVolatile|efi.BootserviceAccess)
	require.NoError(t, f.PutVariable(e1.Metadata.UID, []byte("fine")))

	e2, _ := f.Index().AddEntry(efi.GUID{2}, efi.NameFromString("torn"))
	f.Index().SetVariable(e2, efi.NonVolatile|efi.BootserviceAccess)
	require.NoError(t, f.PutVariable(e2.Metadata.UID, []byte("will be lost")))
	require.NoError(t, f.Commit())

	// Simulate a torn write: the object for e2 is gone but the index
	// still references it.
	require.NoError(t, backend.Remove(e2.Metadata.UID))

	idx2 := variableindex.New(nil, variableindex.Config{MaxVariables: 8, MaxVariableNameSize: 64})
	f2 := New(nil, backend, idx2)
	require.NoError(t, f2.Init())

	_, ok := f2.Index().Find(efi.GUID{1}, efi.NameFromString("ok"))
	require.True(t, ok)
	recovered, ok := f2.Index().Find(efi.GUID{2}, efi.NameFromString("torn"))
	require.True(t, ok)
	require.False(t, recovered.IsVariableSet, "orphaned entry must be cleared")
	require.True(t, f2.Index().Dirty(), "clearing the orphan must re-dirty the index")
}
