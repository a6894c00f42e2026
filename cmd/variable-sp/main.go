// Copyright (c) 2024, Arm Limited. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Command variable-sp is the local/demo entrypoint for the UEFI
// variable store core: a thin github.com/mitchellh/cli wrapper around a
// command table, with exactly one subcommand ("serve") for now.
package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &cli.ColoredUi{
		OutputColor: cli.UiColorNone,
		InfoColor:   cli.UiColorNone,
		ErrorColor:  cli.UiColorRed,
		WarnColor:   cli.UiColorYellow,
		Ui: &cli.BasicUi{
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
			Reader:      os.Stdin,
		},
	}

	c := cli.NewCLI("variable-sp", version)
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"serve": func() (cli.Command, error) {
			return &ServeCommand{Meta: Meta{Ui: ui}}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}
