// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command sdmmcctl inspects configured SD/MMC units from the command line.
// The info subcommand prints a unit's settings from the configuration INI
// file. The read subcommand needs a platform transport linked in; this
// build carries none, so it reports an error without touching a card.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/f-secure-foundry/go-sdmmc"
)

type infoCmd struct {
	Config string `help:"Path to the unit configuration INI file." required:""`
	Unit   int    `help:"Unit number to inspect." default:"0"`
}

func (c *infoCmd) Run(ctx *kong.Context) error {
	configs, err := sdmmc.LoadUnitConfig(c.Config)
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if cfg.Unit != c.Unit {
			continue
		}
		fmt.Fprintf(os.Stdout, "unit %d: transport=%s max_clock_hz=%d verify_writes=%t\n",
			cfg.Unit, cfg.Transport, cfg.MaxClockHz, cfg.VerifyWrites)
		return nil
	}

	return fmt.Errorf("unit %d not found in %s", c.Unit, c.Config)
}

type readCmd struct {
	Config string `help:"Path to the unit configuration INI file." required:""`
	Unit   int    `help:"Unit number to read from." default:"0"`
	Sector uint32 `help:"First sector to read." default:"0"`
	Count  uint32 `help:"Number of 512-byte sectors to read." default:"1"`
}

func (c *readCmd) Run(ctx *kong.Context) error {
	// A real invocation wires a platform-specific NativeTransport or
	// SPITransport here; sdmmcctl itself carries none, since transport
	// construction is necessarily board-specific.
	return fmt.Errorf("sdmmcctl: no transport wired for this build; link a platform transport and call sdmmc.OpenNative/OpenSPI directly")
}

var cli struct {
	Info infoCmd `cmd:"" help:"Print the configured settings of a unit."`
	Read readCmd `cmd:"" help:"Read sectors from a configured unit."`
}

func main() {
	parser := kong.Parse(&cli,
		kong.Name("sdmmcctl"),
		kong.Description("Inspect and exercise SD/MMC units."),
		kong.UsageOnError(),
	)

	err := parser.Run()
	parser.FatalIfErrorf(err)
}
