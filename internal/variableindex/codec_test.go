// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package variableindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormset/sp-uefi-variable/internal/efi"
)

func buildSampleIndex(t *testing.T) *Index {
	t.Helper()
	idx := New(nil, DefaultConfig())

	e1, err := idx.AddEntry(testGUID(1), efi.NameFromString("nv1"))
	require.NoError(t, err)
	idx.SetVariable(e1, efi.NonVolatile|efi.BootserviceAccess|efi.RuntimeAccess)

	e2, err := idx.AddEntry(testGUID(2), efi.NameFromString("volatileOnly"))
	require.NoError(t, err)
	idx.SetVariable(e2, efi.BootserviceAccess)

	e3, err := idx.AddEntry(testGUID(3), efi.NameFromString("nv-with-constraints"))
	require.NoError(t, err)
	idx.SetVariable(e3, efi.NonVolatile|efi.BootserviceAccess)
	idx.SetConstraints(e3, Constraints{Revision: 1, PropertyFlags: PropertyReadOnly, MinSize: 1, MaxSize: 64})

	return idx
}

func TestDumpRestore_RoundTrip(t *testing.T) {
	idx := buildSampleIndex(t)
	idx.SetCounter(41)
	idx.AdvanceCounter()

	buf := make([]byte, 4096)
	n, wasDirty, err := idx.Dump(buf)
	require.NoError(t, err)
	require.True(t, wasDirty)
	require.False(t, idx.Dirty(), "Dump must clear the dirty flag on success")

	restored := New(nil, DefaultConfig())
	consumed, err := restored.Restore(buf[:n])
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.Equal(t, idx.Counter(), restored.Counter())

	// Only NV-visible entries (e1, e3) survive the round trip.
	require.Equal(t, 2, restored.Len())

	r1, ok := restored.Find(testGUID(1), efi.NameFromString("nv1"))
	require.True(t, ok)
	require.True(t, r1.IsVariableSet)
	require.Equal(t, efi.NonVolatile|efi.BootserviceAccess|efi.RuntimeAccess, r1.Metadata.Attributes)
	require.False(t, r1.IsConstraintsSet)

	_, ok = restored.Find(testGUID(2), efi.NameFromString("volatileOnly"))
	require.False(t, ok, "volatile-only entry must not be persisted")

	r3, ok := restored.Find(testGUID(3), efi.NameFromString("nv-with-constraints"))
	require.True(t, ok)
	require.True(t, r3.IsConstraintsSet)
	require.True(t, r3.Constraints.ReadOnly())
	require.EqualValues(t, 64, r3.Constraints.MaxSize)
}

func TestDump_BufferTooSmall(t *testing.T) {
	idx := buildSampleIndex(t)
	tiny := make([]byte, 3)
	_, _, err := idx.Dump(tiny)
	require.ErrorIs(t, err, ErrBufferTooSmall)
	// a failed Dump must not clear dirty.
	require.True(t, idx.Dirty())
}

func TestDump_ConstraintsOnlyNVEntryPersists(t *testing.T) {
	idx := New(nil, DefaultConfig())
	e, err := idx.AddEntry(testGUID(5), efi.NameFromString("preregistered"))
	require.NoError(t, err)
	idx.SetConstraints(e, Constraints{RequiredAttributes: efi.NonVolatile, MinSize: 0, MaxSize: 100})
	require.True(t, idx.Dirty())

	buf := make([]byte, 4096)
	n, _, err := idx.Dump(buf)
	require.NoError(t, err)

	restored := New(nil, DefaultConfig())
	_, err = restored.Restore(buf[:n])
	require.NoError(t, err)

	r, ok := restored.Find(testGUID(5), efi.NameFromString("preregistered"))
	require.True(t, ok)
	require.False(t, r.IsVariableSet)
	require.True(t, r.IsConstraintsSet)
}

func TestRestore_Corrupt(t *testing.T) {
	idx := New(nil, DefaultConfig())
	_, err := idx.Restore([]byte{1, 2})
	require.ErrorIs(t, err, ErrCorrupt)
}
