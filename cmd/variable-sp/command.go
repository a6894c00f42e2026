// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/stormset/sp-uefi-variable/internal/authvar"
	"github.com/stormset/sp-uefi-variable/internal/config"
	"github.com/stormset/sp-uefi-variable/internal/efi"
	"github.com/stormset/sp-uefi-variable/internal/handlers"
	"github.com/stormset/sp-uefi-variable/internal/transport"
	"github.com/stormset/sp-uefi-variable/internal/uefivarstore"
	"github.com/stormset/sp-uefi-variable/internal/variableindex"
	"github.com/stormset/sp-uefi-variable/internal/varstorage"
	"github.com/stormset/sp-uefi-variable/internal/varstorage/boltkv"
	"github.com/stormset/sp-uefi-variable/internal/varstorage/memkv"
)

// Meta holds flags and output shared by every subcommand: a Ui and,
// as more subcommands are added, any connection flags they share.
type Meta struct {
	Ui cli.Ui
}

// ServeCommand wires a UEFI variable store over a real BoltDB-backed NV
// facade and an in-memory volatile backend, then drives one demo
// request sequence over a loopback transport — the minimal
// boot/configuration glue needed to exercise the core end-to-end
// without a real FF-A/MM transport.
type ServeCommand struct {
	Meta
}

func (c *ServeCommand) Help() string {
	return strings.TrimSpace(`
Usage: variable-sp serve [options]

  Starts the UEFI variable store core against a BoltDB-backed persistent
  store and an in-memory volatile store, and exercises it over an
  in-process loopback transport.

Options:

  -db=<path>        Path to the BoltDB file backing the NV store.
  -capacity=<bytes> Per-class storage capacity (default 65536).
  -max-var=<bytes>  Per-variable maximum size (default 4096).
`)
}

func (c *ServeCommand) Synopsis() string {
	return "Run the UEFI variable store core against a local BoltDB file"
}

func (c *ServeCommand) Run(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := flags.String("db", "variable-sp.db", "path to the BoltDB file backing the NV store")
	capacity := flags.Uint64("capacity", 64*1024, "per-class storage capacity in bytes")
	maxVar := flags.Uint64("max-var", 4096, "per-variable maximum size in bytes")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "variable-sp", Level: hclog.Info})

	nvBackend, err := boltkv.Open(*dbPath)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("error opening NV store: %s", err))
		return 1
	}
	defer nvBackend.Close()

	idx := variableindex.New(log, config.DefaultIndexConfig())
	facade := varstorage.New(log, nvBackend, idx)
	verifier := authvar.New(log, nil)
	limits := config.Limits{Capacity: *capacity, MaxVariableSize: *maxVar}

	store, err := uefivarstore.New(log, facade, memkv.New(), verifier, limits)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("error initializing variable store: %s", err))
		return 1
	}

	dispatcher := handlers.NewDispatcher(log, store, uint64(config.DefaultIndexConfig().MaxVariableNameSize), *maxVar)
	loopback := transport.NewLoopback(dispatcher)

	c.runDemo(loopback)
	return 0
}

// runDemo exercises the quick-brown-fox scenario end-to-end over the
// transport boundary, printing each reply's status.
func (c *ServeCommand) runDemo(lb *transport.Loopback) {
	guid := efi.GUID{0xde, 0xad, 0xbe, 0xef}
	name := efi.NameFromString("DemoVar")
	nameBytes := make([]byte, len(name)*2)
	for i, u := range name {
		binary.LittleEndian.PutUint16(nameBytes[i*2:], u)
	}

	data := []byte("the quick brown fox")
	setPayload := make([]byte, 16+8+8+4+len(nameBytes)+len(data))
	copy(setPayload[:16], guid[:])
	binary.LittleEndian.PutUint64(setPayload[16:24], uint64(len(data)))
	binary.LittleEndian.PutUint64(setPayload[24:32], uint64(len(nameBytes)))
	binary.LittleEndian.PutUint32(setPayload[32:36], uint32(efi.BootserviceAccess))
	off := 36
	off += copy(setPayload[off:], nameBytes)
	copy(setPayload[off:], data)

	resp := lb.Send(transport.Request{Opcode: transport.OpSetVariable, Payload: setPayload})
	c.Ui.Output(fmt.Sprintf("SetVariable status=0x%x", resp.Status))

	getPayload := make([]byte, 16+8+8+4+len(nameBytes))
	copy(getPayload[:16], guid[:])
	binary.LittleEndian.PutUint64(getPayload[16:24], 1024)
	binary.LittleEndian.PutUint64(getPayload[24:32], uint64(len(nameBytes)))
	copy(getPayload[36:], nameBytes)

	resp = lb.Send(transport.Request{Opcode: transport.OpGetVariable, Payload: getPayload})
	c.Ui.Output(fmt.Sprintf("GetVariable status=0x%x payload_len=%d", resp.Status, len(resp.Payload)))
}
