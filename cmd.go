// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import "fmt"

// Command indices (numeric, as placed on the wire).
const (
	CmdGoIdleState        = 0  // CMD0  - GO_IDLE_STATE
	CmdSendOpCondMMC      = 1  // CMD1  - SEND_OP_COND (MMC)
	CmdAllSendCID         = 2  // CMD2  - ALL_SEND_CID
	CmdSendRelativeAddr   = 3  // CMD3  - SEND_RELATIVE_ADDR (SD) / SET_RELATIVE_ADDR (MMC)
	CmdSwitch             = 6  // CMD6  - SWITCH_FUNC (SD) / SWITCH (MMC)
	CmdSelectCard         = 7  // CMD7  - SELECT/DESELECT_CARD
	CmdSendIfCondOrExtCSD = 8  // CMD8  - SEND_IF_COND (SD) / SEND_EXT_CSD (MMC)
	CmdSendCSD            = 9  // CMD9  - SEND_CSD
	CmdSendCID            = 10 // CMD10 - SEND_CID
	CmdStopTransmission   = 12 // CMD12 - STOP_TRANSMISSION
	CmdSendStatus         = 13 // CMD13 - SEND_STATUS
	CmdSetBlocklen        = 16 // CMD16 - SET_BLOCKLEN
	CmdReadSingleBlock    = 17 // CMD17 - READ_SINGLE_BLOCK
	CmdReadMultipleBlock  = 18 // CMD18 - READ_MULTIPLE_BLOCK
	CmdSetBlockCount      = 23 // CMD23 - SET_BLOCK_COUNT
	CmdWriteBlock         = 24 // CMD24 - WRITE_BLOCK
	CmdWriteMultipleBlock = 25 // CMD25 - WRITE_MULTIPLE_BLOCK
	CmdAppCmd             = 55 // CMD55 - APP_CMD
	CmdCrcOnOff           = 59 // CMD59 - CRC_ON_OFF (SPI only)

	AcmdSetBusWidth  = 6  // ACMD6  - SET_BUS_WIDTH
	AcmdSDStatus     = 13 // ACMD13 - SD_STATUS
	AcmdSendOpCondSD = 41 // ACMD41 - SD_SEND_OP_COND
	AcmdSendSCR      = 51 // ACMD51 - SEND_SCR
)

// ACMDBase is the offset added to an application-specific command's numeric
// index to obtain its extended index, so that e.g. ACMD41 is addressed as
// ACMDBase+41. Callers needing to issue an ACMD pass this extended index to
// BuildCommand; the codec classifies the command under its extended index
// (so ACMD6 and ACMD13 never share a table entry with CMD6 and CMD13),
// strips the offset from the wire index and sets IsAppCmd, and card.issue
// sends CMD55 before it.
const ACMDBase = 64

type cmdFamily int

const (
	familySD cmdFamily = iota
	familyMMC
)

func familyOf(variant CardVariant) cmdFamily {
	if variant.IsSD() || variant == CardNone {
		return familySD
	}
	return familyMMC
}

type cmdKey struct {
	index  uint32
	family cmdFamily
}

type cmdSpec struct {
	response ResponseShape
	flags    CommandFlags
	dir      DataDirection
}

// responseTable is the (command, variant-family) response classification
// table. A handful of commands (CMD1, CMD8, CMD6) differ in response shape
// between SD and MMC, so this must be a two-dimensional lookup rather than
// a single global table, per the governing specification.
var responseTable = map[cmdKey]cmdSpec{
	{CmdGoIdleState, familySD}:  {RspNone, CommandFlags{NeedsInitSeq: true}, DataNone},
	{CmdGoIdleState, familyMMC}: {RspNone, CommandFlags{NeedsInitSeq: true}, DataNone},

	{CmdSendOpCondMMC, familyMMC}: {RspR3, CommandFlags{ExpectsResp: true}, DataNone},

	{CmdAllSendCID, familySD}:  {RspR2, CommandFlags{ExpectsResp: true, LongResponse: true}, DataNone},
	{CmdAllSendCID, familyMMC}: {RspR2, CommandFlags{ExpectsResp: true, LongResponse: true}, DataNone},

	{CmdSendRelativeAddr, familySD}:  {RspR6, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{CmdSendRelativeAddr, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},

	{CmdSwitch, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},
	{CmdSwitch, familyMMC}: {RspR1b, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, BusyAfter: true}, DataNone},

	{CmdSelectCard, familySD}:  {RspR1b, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, BusyAfter: true}, DataNone},
	{CmdSelectCard, familyMMC}: {RspR1b, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, BusyAfter: true}, DataNone},

	{CmdSendIfCondOrExtCSD, familySD}:  {RspR7, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{CmdSendIfCondOrExtCSD, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},

	{CmdSendCSD, familySD}:  {RspR2, CommandFlags{LongResponse: true}, DataNone},
	{CmdSendCSD, familyMMC}: {RspR2, CommandFlags{LongResponse: true}, DataNone},

	{CmdSendCID, familySD}:  {RspR2, CommandFlags{LongResponse: true}, DataNone},
	{CmdSendCID, familyMMC}: {RspR2, CommandFlags{LongResponse: true}, DataNone},

	{CmdStopTransmission, familySD}:  {RspR1b, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, BusyAfter: true, StopsData: true}, DataNone},
	{CmdStopTransmission, familyMMC}: {RspR1b, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, BusyAfter: true, StopsData: true}, DataNone},

	{CmdSendStatus, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{CmdSendStatus, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},

	{CmdSetBlocklen, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{CmdSetBlocklen, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},

	{CmdReadSingleBlock, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},
	{CmdReadSingleBlock, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},

	{CmdReadMultipleBlock, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},
	{CmdReadMultipleBlock, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},

	{CmdSetBlockCount, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{CmdSetBlockCount, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},

	{CmdWriteBlock, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataHostToCard},
	{CmdWriteBlock, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataHostToCard},

	{CmdWriteMultipleBlock, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataHostToCard},
	{CmdWriteMultipleBlock, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataHostToCard},

	{CmdAppCmd, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{CmdAppCmd, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},

	{CmdCrcOnOff, familySD}:  {RspR1, CommandFlags{ExpectsResp: true}, DataNone},
	{CmdCrcOnOff, familyMMC}: {RspR1, CommandFlags{ExpectsResp: true}, DataNone},

	// Application-specific commands are only meaningful in the SD family and
	// are keyed by their extended (ACMDBase+n) index.
	{ACMDBase + AcmdSetBusWidth, familySD}:  {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true}, DataNone},
	{ACMDBase + AcmdSDStatus, familySD}:     {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},
	{ACMDBase + AcmdSendOpCondSD, familySD}: {RspR3, CommandFlags{ExpectsResp: true}, DataNone},
	{ACMDBase + AcmdSendSCR, familySD}:      {RspR1, CommandFlags{ExpectsResp: true, IndexValid: true, CRCValid: true, StartsData: true}, DataCardToHost},
}

// BuildCommand constructs a fully populated CommandDescriptor for the given
// (possibly extended/ACMD) index, argument and negotiated card variant.
//
// index >= ACMDBase denotes an application-specific command: ACMD41 is
// passed as ACMDBase+41. The returned descriptor's Index field always holds
// the bare numeric command actually placed on the wire, with IsAppCmd set
// so callers know to issue CMD55 first.
func BuildCommand(index uint32, arg uint32, variant CardVariant) (CommandDescriptor, error) {
	isApp := index >= ACMDBase
	numeric := index
	if isApp {
		numeric = index - ACMDBase
	}

	family := familyOf(variant)
	spec, ok := responseTable[cmdKey{index, family}]
	if !ok {
		return CommandDescriptor{}, fmt.Errorf("sdmmc: command %d unsupported for %v", index, variant)
	}

	desc := CommandDescriptor{
		Index:    numeric,
		Arg:      arg,
		IsAppCmd: isApp,
		Response: spec.response,
		Flags:    spec.flags,
		Data:     spec.dir,
	}

	switch index {
	case CmdReadSingleBlock, CmdWriteBlock:
		desc.Framing = FramingSingleBlock
		desc.BlockSize = DefaultBlockSize
		desc.BlockCount = 1
	case CmdReadMultipleBlock, CmdWriteMultipleBlock:
		desc.Framing = FramingMultiBlock
		desc.BlockSize = DefaultBlockSize
	case CmdStopTransmission:
		desc.Flags.StopsData = true
	case CmdSendIfCondOrExtCSD:
		if family == familyMMC {
			desc.Framing = FramingSingleBlock
			desc.BlockSize = 512
			desc.BlockCount = 1
		}
	case ACMDBase + AcmdSDStatus:
		desc.Framing = FramingSingleBlock
		desc.BlockSize = 64
		desc.BlockCount = 1
	case ACMDBase + AcmdSendSCR:
		desc.Framing = FramingSingleBlock
		desc.BlockSize = 8
		desc.BlockCount = 1
	case CmdSwitch:
		if family == familySD {
			desc.Framing = FramingSingleBlock
			desc.BlockSize = 64
			desc.BlockCount = 1
		}
	}

	return desc, nil
}

// CardStateFromStatus extracts the card-side state from bits 12..9 of an
// R1-shaped card status value (either a 32-bit status word or the low 32
// bits of an R1 response).
func CardStateFromStatus(status uint32) CardState {
	return CardState((status >> 9) & 0xf)
}

// appCmdAccepted reports whether a preceding R1 response had the APP_CMD bit
// (bit 5) set, i.e. the card is now expecting the following command to be
// interpreted as application-specific.
func appCmdAccepted(status uint32) bool {
	return (status>>5)&1 == 1
}
