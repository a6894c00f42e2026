// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package config holds the capacity configuration the boot glue
// (cmd/variable-sp) constructs and hands to the UEFI variable store.
// No file format is mandated: the local/demo entrypoint builds one from
// command-line flags.
package config

import "github.com/stormset/sp-uefi-variable/internal/variableindex"

// Limits bounds both the NV and volatile variable classes identically:
// each class tracks its own usage against the same capacity and
// per-variable maximum.
type Limits struct {
	Capacity        uint64
	MaxVariableSize uint64
}

// DefaultLimits matches the production-scale defaults of the demo
// entrypoint's -capacity and -max-var flags.
func DefaultLimits() Limits {
	return Limits{
		Capacity:        64 * 1024,
		MaxVariableSize: 4096,
	}
}

// DefaultIndexConfig returns the default variable index capacity.
// Index-entry count and name-size bounds are independent of the byte
// capacity above, so they are carried on variableindex.Config directly.
func DefaultIndexConfig() variableindex.Config {
	return variableindex.DefaultConfig()
}
