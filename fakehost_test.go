// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"context"
	"time"
)

// fakeHost is an in-memory simulation of a single SD card, implementing the
// internal host interface directly so bring-up and I/O tests can exercise
// the card state machine without a real bus controller.
type fakeHost struct {
	isSPI bool

	// identification
	cid [16]byte
	csd [16]byte
	scr [8]byte

	highCapacity bool
	sdCard       bool // true: accepts ACMD41; false: MMC, only CMD1

	ocrBusyCountdown int // number of polls before OCR reports ready
	rca              uint16

	// storage, indexed by 512-byte sector
	blocks map[uint32][512]byte

	pendingAddr   uint32
	pendingIsHC   bool
	pendingWrite  bool
	multiBlock    bool
	pendingExtCSD bool
	extCSDProbes  int

	extCSD [512]byte

	failTransportN int // next N command()/readData()/writeData() calls fail; SEND_STATUS polls are exempt

	cmdLog []CommandDescriptor

	cardStatus CardState
	busWidth   int
	clockHz    uint32
	maxBlkCnt  uint32

	notPresent bool
}

// extCSDSectorCount stashes a SEC_COUNT value into the simulated Extended
// CSD, consumed by an MMC card's high-capacity CSD override during
// bring-up.
func (f *fakeHost) extCSDSectorCount(sectors uint32) {
	f.extCSD[ExtCSDSectorCountOffset] = byte(sectors)
	f.extCSD[ExtCSDSectorCountOffset+1] = byte(sectors >> 8)
	f.extCSD[ExtCSDSectorCountOffset+2] = byte(sectors >> 16)
	f.extCSD[ExtCSDSectorCountOffset+3] = byte(sectors >> 24)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		sdCard:     true,
		blocks:     make(map[uint32][512]byte),
		cardStatus: CardStateReady,
	}
}

func (f *fakeHost) spi() bool         { return f.isSPI }
func (f *fakeHost) cardPresent() bool { return !f.notPresent }
func (f *fakeHost) setClock(hz uint32) error {
	f.clockHz = hz
	return nil
}
func (f *fakeHost) setBusWidth(bitsWidth int) error {
	f.busWidth = bitsWidth
	return nil
}

func (f *fakeHost) maxBlockCount(blockSize int) uint32 {
	if f.maxBlkCnt == 0 {
		return 4
	}
	return f.maxBlkCnt
}

func (f *fakeHost) writeStop(ctx context.Context) error {
	f.cardStatus = CardStateTransfer
	return nil
}

func (f *fakeHost) lock()   {}
func (f *fakeHost) unlock() {}

func (f *fakeHost) setDataTimeout(d time.Duration) error { return nil }
func (f *fakeHost) setRespTimeout(d time.Duration) error { return nil }

func respShort(v uint32) Response {
	var r Response
	r.Short[0] = byte(v >> 24)
	r.Short[1] = byte(v >> 16)
	r.Short[2] = byte(v >> 8)
	r.Short[3] = byte(v)
	return r
}

func (f *fakeHost) maybeFail() error {
	if f.failTransportN > 0 {
		f.failTransportN--
		return &TransportError{Kind: TransportDataOther}
	}
	return nil
}

func (f *fakeHost) command(ctx context.Context, desc CommandDescriptor) (Response, error) {
	f.cmdLog = append(f.cmdLog, desc)

	if desc.IsAppCmd || desc.Index != CmdSendStatus {
		if err := f.maybeFail(); err != nil {
			return Response{}, err
		}
	}

	if desc.IsAppCmd {
		switch desc.Index {
		case AcmdSendOpCondSD:
			if !f.sdCard {
				return Response{}, &TransportError{Kind: TransportRespOther}
			}
			if f.ocrBusyCountdown > 0 {
				f.ocrBusyCountdown--
				return respShort(0x00FF8000), nil // busy bit clear
			}
			ocr := uint32(0x80FF8000)
			if f.highCapacity {
				ocr |= hcsBit
			}
			return respShort(ocr), nil
		case AcmdSetBusWidth:
			return respShort(0), nil
		case AcmdSDStatus:
			f.pendingAddr = 0
			return respShort(0), nil
		case AcmdSendSCR:
			return respShort(0), nil
		}
		return respShort(0), nil
	}

	switch desc.Index {
	case CmdGoIdleState:
		var r Response
		if f.isSPI {
			r.Short[3] = 0x01
		}
		return r, nil
	case CmdSendIfCondOrExtCSD:
		if f.sdCard {
			return respShort(desc.Arg & 0xFFF), nil
		}
		f.extCSDProbes++
		if f.extCSDProbes == 1 {
			// The early SEND_IF_COND probe is illegal for MMC cards
			// (EXT_CSD can only be read once selected).
			return Response{}, &TransportError{Kind: TransportRespOther}
		}
		f.pendingExtCSD = true
		return respShort(0), nil
	case CmdSendOpCondMMC:
		if f.ocrBusyCountdown > 0 {
			f.ocrBusyCountdown--
			return respShort(0x00FF8000), nil
		}
		ocr := uint32(0x80FF8000)
		if f.highCapacity {
			ocr |= hcsBit
		}
		return respShort(ocr), nil
	case CmdAllSendCID:
		var r Response
		r.Long = f.cid
		return r, nil
	case CmdSendRelativeAddr:
		if f.sdCard {
			f.rca = 0x1234
			return respShort(uint32(f.rca) << 16), nil
		}
		f.rca = uint16(desc.Arg >> 16)
		return respShort(0), nil
	case CmdSendCSD:
		var r Response
		r.Long = f.csd
		return r, nil
	case CmdSelectCard, CmdSetBlocklen:
		return respShort(uint32(CardStateTransfer) << 9), nil
	case CmdSendStatus:
		return respShort(uint32(f.cardStatus) << 9), nil
	case CmdCrcOnOff:
		return respShort(0), nil
	case CmdStopTransmission:
		f.cardStatus = CardStateTransfer
		return respShort(uint32(CardStateTransfer) << 9), nil
	case CmdReadSingleBlock, CmdWriteBlock:
		f.pendingAddr = f.translateAddr(desc.Arg)
		f.pendingWrite = desc.Index == CmdWriteBlock
		f.multiBlock = false
		f.cardStatus = CardStateData
		return respShort(0), nil
	case CmdReadMultipleBlock, CmdWriteMultipleBlock:
		f.pendingAddr = f.translateAddr(desc.Arg)
		f.pendingWrite = desc.Index == CmdWriteMultipleBlock
		f.multiBlock = true
		f.cardStatus = CardStateData
		return respShort(0), nil
	}

	return respShort(0), nil
}

func (f *fakeHost) translateAddr(arg uint32) uint32 {
	if f.highCapacity {
		return arg
	}
	return arg / DefaultBlockSize
}

func (f *fakeHost) readData(ctx context.Context, buf []byte, blockSize int) error {
	if err := f.maybeFail(); err != nil {
		return err
	}

	switch blockSize {
	case 8:
		copy(buf, f.scr[:])
		return nil
	case 64:
		return nil
	case 512:
		if f.pendingExtCSD {
			f.pendingExtCSD = false
			copy(buf, f.extCSD[:])
			return nil
		}
		if len(buf) == 512 {
			blk := f.blocks[f.pendingAddr]
			copy(buf, blk[:])
			if f.multiBlock {
				f.pendingAddr++
			}
			return nil
		}
	}
	return nil
}

func (f *fakeHost) writeData(ctx context.Context, buf []byte, blockSize int, multi bool) error {
	if err := f.maybeFail(); err != nil {
		return err
	}
	var blk [512]byte
	copy(blk[:], buf)
	f.blocks[f.pendingAddr] = blk
	if f.multiBlock {
		f.pendingAddr++
	}
	f.cardStatus = CardStateTransfer
	return nil
}
