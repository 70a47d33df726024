// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// UnitConfig describes one board's worth of static per-unit configuration:
// which transport shape to use and any clock/verification overrides. It is
// the kind of object-dictionary-style configuration this module's bring-up
// otherwise hardcodes, made loadable so a platform integrator can describe
// several units without recompiling.
type UnitConfig struct {
	Unit         int
	Transport    string // "native" or "spi"
	MaxClockHz   uint32
	VerifyWrites bool
}

// LoadUnitConfig parses an INI document describing one or more [unit.N]
// sections, returning one UnitConfig per section found.
//
// Example:
//
//	[unit.0]
//	transport = native
//	max_clock_hz = 50000000
//	verify_writes = false
func LoadUnitConfig(path string) ([]UnitConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("sdmmc: loading config %q: %w", path, err)
	}

	var configs []UnitConfig
	for _, sec := range f.Sections() {
		var unit int
		if _, err := fmt.Sscanf(sec.Name(), "unit.%d", &unit); err != nil {
			continue
		}

		cfg := UnitConfig{
			Unit:      unit,
			Transport: sec.Key("transport").MustString("native"),
		}
		cfg.MaxClockHz = uint32(sec.Key("max_clock_hz").MustUint(uint(MaxClockCeiling)))
		cfg.VerifyWrites = sec.Key("verify_writes").MustBool(false)

		if unit < 0 || unit >= MaxUnits {
			return nil, newError(unit, ErrorDeviceInvalidUnit, fmt.Errorf("section %q out of range", sec.Name()))
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}
