// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"time"

	"github.com/f-secure-foundry/go-sdmmc/bits"
)

// taacUnits and taacMultipliers implement the TAAC byte 0 time-unit and
// byte 0 value-multiplier tables (CSD physical layer, shared by SD and MMC).
var taacUnits = [8]time.Duration{
	1 * time.Nanosecond, 10 * time.Nanosecond, 100 * time.Nanosecond,
	1 * time.Microsecond, 10 * time.Microsecond, 100 * time.Microsecond,
	1 * time.Millisecond, 10 * time.Millisecond,
}

var taacMultipliers = [16]int{
	0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80,
}

// transferSpeedUnits and transferSpeedMultipliers implement TRAN_SPEED.
var transferSpeedUnits = [4]uint32{100 * 1000, 1000 * 1000, 10 * 1000 * 1000, 100 * 1000 * 1000}

var transferSpeedMultipliers = [16]uint32{
	0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80,
}

// MaxClockCeiling is the platform clock ceiling this core never exceeds,
// regardless of what the card advertises.
const MaxClockCeiling = 50 * 1000 * 1000

// decodeCID parses the 128-bit Card Identification register. Layout is
// shared between SD and MMC save for the product-name field width (5 bytes
// SD, 6 bytes MMC) and the manufacturing-date epoch.
func decodeCID(reg [16]byte, variant CardVariant) CardInfo {
	var ci CardInfo

	ci.ManufacturerID = byte(bits.Field128Uint(reg, 127, 120))

	if variant.IsSD() {
		ci.OEMID = uint16(bits.Field128Uint(reg, 119, 104))
		for i := 0; i < 5; i++ {
			ci.ProductName[i] = byte(bits.Field128Uint(reg, 103-8*i, 96-8*i))
		}
		ci.ProductRevMajor = byte(bits.Field128Uint(reg, 55, 52))
		ci.ProductRevMinor = byte(bits.Field128Uint(reg, 51, 48))
		ci.ProductSerial = uint32(bits.Field128Uint(reg, 47, 16))
		date := bits.Field128Uint(reg, 19, 8)
		ci.ManufactureYear = 2000 + int(date>>4)
		ci.ManufactureMonth = int(date & 0xf)
	} else {
		ci.OEMID = uint16(bits.Field128Uint(reg, 119, 112))
		for i := 0; i < 6; i++ {
			ci.ProductName[i] = byte(bits.Field128Uint(reg, 111-8*i, 104-8*i))
		}
		rev := bits.Field128Uint(reg, 55, 48)
		ci.ProductRevMajor = byte(rev >> 4)
		ci.ProductRevMinor = byte(rev & 0xf)
		ci.ProductSerial = uint32(bits.Field128Uint(reg, 47, 16))
		date := bits.Field128Uint(reg, 15, 8)
		ci.ManufactureYear = 1997 + int(date>>4)
		ci.ManufactureMonth = int(date & 0xf)
	}

	return ci
}

// decodeCSD parses the Card-Specific Data register, dispatching on the
// structural version held in the top two bits of byte 0 (bits 127:126), and
// returns the derived block count, max clock and data timeout. The card
// variant is required to disambiguate the high-capacity MMC override (which
// supersedes the CSD-derived geometry with the EXT_CSD SEC_COUNT field).
func decodeCSD(reg [16]byte, variant CardVariant) (totalBlocks uint32, maxClockHz uint32, timeout time.Duration, err error) {
	csdVersion := bits.Field128Uint(reg, 127, 126)

	taacByte := byte(bits.Field128Uint(reg, 119, 112))
	nsac := byte(bits.Field128Uint(reg, 111, 104))
	tranSpeed := byte(bits.Field128Uint(reg, 103, 96))

	maxClockHz = decodeTransferSpeed(tranSpeed)
	if maxClockHz > MaxClockCeiling || maxClockHz == 0 {
		maxClockHz = MaxClockCeiling
	}

	switch {
	case variant == CardMMC || variant == CardMMCHC:
		// MMC CSD versions 1.0/1.1/1.2/2.0 all use the CSDv1-shaped
		// C_SIZE/MULT geometry; a high-capacity card's true size comes
		// from EXT_CSD and is applied by the caller after this parse.
		totalBlocks, err = decodeCSDv1Size(reg)
	case csdVersion == 0:
		totalBlocks, err = decodeCSDv1Size(reg)
	case csdVersion == 1:
		totalBlocks, err = decodeCSDv2Size(reg)
	default:
		return 0, 0, 0, newError(0, ErrorDeviceInvalidLowFormat, nil)
	}
	if err != nil {
		return 0, 0, 0, err
	}

	if variant == CardSDv2HC {
		// SDHC/SDXC always use a fixed 100ms-equivalent data access
		// timeout; TAAC/NSAC are not meaningful for these cards.
		timeout = 100 * time.Millisecond
	} else {
		unit := taacUnits[taacByte&0x7]
		mult := taacMultipliers[(taacByte>>3)&0xf]
		taac := unit * time.Duration(mult)
		nsacTime := time.Duration(nsac) * 100 * time.Duration(1000000000/maxClockHz) * time.Nanosecond
		timeout = taac + nsacTime
		if timeout <= 0 {
			timeout = 100 * time.Millisecond
		}
	}

	return totalBlocks, maxClockHz, timeout, nil
}

func decodeTransferSpeed(tranSpeed byte) uint32 {
	unit := transferSpeedUnits[tranSpeed&0x3]
	mult := transferSpeedMultipliers[(tranSpeed>>3)&0xf]
	return unit * mult / 10
}

// decodeCSDv1Size derives capacity from the CSDv1 C_SIZE/C_SIZE_MULT/
// READ_BL_LEN fields (standard-capacity SD and all MMC densities up to the
// high-capacity override).
func decodeCSDv1Size(reg [16]byte) (uint32, error) {
	readBlLen := bits.Field128Uint(reg, 83, 80)
	cSize := bits.Field128Uint(reg, 73, 62)
	cSizeMult := bits.Field128Uint(reg, 49, 47)

	blockLen := uint64(1) << readBlLen
	if blockLen != 512 && blockLen != 1024 && blockLen != 2048 && blockLen != 4096 {
		return 0, newError(0, ErrorDeviceInvalidSectorSize, nil)
	}

	mult := uint64(1) << (cSizeMult + 2)
	deviceSize := (cSize + 1) * mult * blockLen

	blocks := deviceSize / DefaultBlockSize
	if blocks > 0xFFFFFFFF {
		return 0, newError(0, ErrorDeviceInvalidSize, nil)
	}

	return uint32(blocks), nil
}

// decodeCSDv2Size derives capacity from the CSDv2 C_SIZE field (SDHC/SDXC),
// which is already expressed directly in 512-byte units.
func decodeCSDv2Size(reg [16]byte) (uint32, error) {
	cSize := bits.Field128Uint(reg, 69, 48)

	blocks := (cSize + 1) * 1024
	if blocks > 0xFFFFFFFF {
		return 0, newError(0, ErrorDeviceInvalidSize, nil)
	}

	return uint32(blocks), nil
}

// ExtCSDSectorCountOffset is the byte offset of the SEC_COUNT field within
// the 512-byte Extended CSD register.
const ExtCSDSectorCountOffset = 212

// ExtCSDBusWidthOffset is the byte offset of the BUS_WIDTH field, written
// during MMC bus-width negotiation.
const ExtCSDBusWidthOffset = 183

// decodeExtCSDSectorCount reads the little-endian 32-bit SEC_COUNT field
// that overrides CSD-derived geometry for MMC cards above 2GB density.
func decodeExtCSDSectorCount(extCSD [512]byte) uint32 {
	o := ExtCSDSectorCountOffset
	return uint32(extCSD[o]) | uint32(extCSD[o+1])<<8 | uint32(extCSD[o+2])<<16 | uint32(extCSD[o+3])<<24
}

// decodeSCR parses the 64-bit SD Configuration Register, used only to learn
// whether the card supports 4-bit bus width.
type scrInfo struct {
	structureVersion byte
	busWidth4Bit     bool
}

func decodeSCR(reg [8]byte) scrInfo {
	var info scrInfo
	info.structureVersion = reg[0] >> 4
	busWidths := reg[1] & 0xf
	info.busWidth4Bit = busWidths&0x4 != 0
	return info
}

// sdStatusBusWidth reports the currently configured bus width out of the
// first byte of the 64-byte SD Status register (ACMD13), used only to
// verify a bus-width switch actually took effect.
func sdStatusBusWidth(reg [64]byte) byte {
	return (reg[0] >> 6) & 0x3
}

// switchFunctionAccepted inspects the 64-byte switch-function status block
// (CMD6 mode 1 response data) and reports whether the requested function
// group 1 (bus speed/access mode) value was actually granted, per bytes
// 16-17 of the status block.
func switchFunctionAccepted(status [64]byte, wantFunction byte) bool {
	granted := status[16] & 0xf
	return granted == wantFunction
}
