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

	log "github.com/sirupsen/logrus"
)

const (
	resetAttempts   = 256
	resetInterval   = 2 * time.Millisecond
	ocrAttempts     = 256
	ocrInterval     = 2 * time.Millisecond
	hcsBit          = 1 << 30
	ocrBusyBit      = 1 << 31
	ocrVoltageWindow = 0x00FF8000

	// defaultRespTimeout is the fixed command-response timeout applied to
	// every card, set once at the start of bring-up.
	defaultRespTimeout = 1 * time.Second
)

// card holds the negotiated bring-up state for a single unit. It is the
// receiver for every bring-up, refresh and command-issuing method; the I/O
// engine and facade both operate through it.
type card struct {
	h    host
	unit int

	variant CardVariant
	rca     uint16
	info    CardInfo
	cid     [16]byte
	csd     [16]byte

	// maxBlkCnt is the largest multi-block run the host transport
	// supports, queried once during bring-up.
	maxBlkCnt uint32

	state     hostState
	crcOnSent bool

	// onIOResult is notified after every transfer-run attempt (not just the
	// final outcome), letting the handle pool tally per-unit success/failed
	// read/write counters. Defaults to a no-op so a card can be used
	// without going through the handle pool (e.g. in tests).
	onIOResult func(write bool, ok bool)
}

func newCard(h host, unit int) *card {
	return &card{h: h, unit: unit, state: hostUninit, onIOResult: func(write bool, ok bool) {}}
}

// issue sends a command, transparently prefixing CMD55 when the command is
// application-specific, and translates a transport failure into a
// *DeviceError.
func (c *card) issue(ctx context.Context, index, arg uint32) (Response, error) {
	desc, err := BuildCommand(index, arg, c.variant)
	if err != nil {
		return Response{}, newError(c.unit, ErrorDeviceIo, err)
	}

	if desc.IsAppCmd {
		appArg := uint32(0)
		if c.variant.IsSD() {
			appArg = uint32(c.rca) << 16
		}
		appDesc, err := BuildCommand(CmdAppCmd, appArg, c.variant)
		if err != nil {
			return Response{}, newError(c.unit, ErrorDeviceIo, err)
		}
		if _, err := c.h.command(ctx, appDesc); err != nil {
			return Response{}, c.wrapTransportErr(err)
		}
	}

	resp, err := c.h.command(ctx, desc)
	if err != nil {
		return Response{}, c.wrapTransportErr(err)
	}
	return resp, nil
}

func (c *card) wrapTransportErr(err error) *DeviceError {
	kind := transportErrorKind(err)
	switch kind {
	case TransportNoCard:
		return newError(c.unit, ErrorDeviceNotPresent, err)
	case TransportWaitTimeout, TransportRespTimeout, TransportDataTimeout:
		return newError(c.unit, ErrorDeviceTimeout, err)
	default:
		return newError(c.unit, ErrorDeviceIo, err)
	}
}

// bringUp runs the full card identification and configuration sequence
// (reset, voltage validation, OCR polling, identification, CSD read,
// selection, block length and bus-width negotiation). It is invoked once
// from Open and again from Refresh when the CID changed or could not be
// read.
func (c *card) bringUp(ctx context.Context) error {
	c.state = hostDetecting
	c.crcOnSent = false

	if !c.h.cardPresent() {
		return newError(c.unit, ErrorDeviceNotPresent, nil)
	}

	c.h.lock()
	defer c.h.unlock()

	if err := c.h.setRespTimeout(defaultRespTimeout); err != nil {
		return c.wrapTransportErr(err)
	}

	if err := c.reset(ctx); err != nil {
		return err
	}

	sdV2, err := c.sendIfCond(ctx)
	if err != nil {
		return err
	}

	if c.h.spi() && !c.crcOnSent {
		// SPI mode requires an explicit opt-in to CRC checking; sent
		// once per bring-up before OCR polling begins.
		if _, err := c.issue(ctx, CmdCrcOnOff, 1); err == nil {
			c.crcOnSent = true
		}
	}

	variant, err := c.negotiateOCR(ctx, sdV2)
	if err != nil {
		return err
	}
	c.variant = variant
	c.state = hostIdentifying

	if err := c.identify(ctx); err != nil {
		return err
	}

	if err := c.readCSDAndConfigure(ctx); err != nil {
		return err
	}

	c.maxBlkCnt = c.h.maxBlockCount(DefaultBlockSize)
	if c.maxBlkCnt == 0 {
		c.maxBlkCnt = 1
	}

	if err := c.select_(ctx); err != nil {
		return err
	}

	if err := c.negotiateBusWidth(ctx); err != nil {
		log.WithFields(log.Fields{"unit": c.unit}).Warn("sdmmc: bus width negotiation failed, continuing at default width")
	}

	c.state = hostReady
	log.WithFields(log.Fields{
		"unit":    c.unit,
		"variant": c.variant.String(),
		"blocks":  c.info.TotalBlocks,
	}).Info("sdmmc: card ready")

	return nil
}

// reset issues GO_IDLE_STATE repeatedly until the transport confirms the
// card has entered idle state, matching native controllers' tolerance for
// an unready card immediately after power-up.
func (c *card) reset(ctx context.Context) error {
	ok, err := waitWithInterval(ctx, resetAttempts, resetInterval, func() (bool, error) {
		resp, err := c.issue(ctx, CmdGoIdleState, 0)
		if err != nil {
			return false, nil // keep retrying through transient errors
		}
		if c.h.spi() {
			return resp.Short[3]&0x01 != 0, nil
		}
		return true, nil
	})
	if err != nil {
		return c.wrapTransportErr(err)
	}
	if !ok {
		return newError(c.unit, ErrorDeviceNotPresent, nil)
	}
	return nil
}

// sendIfCond issues CMD8 (SEND_IF_COND) with the canonical check pattern
//0x1AA. Its presence/absence and echo correctness settles the first half
// of variant negotiation:
//
//   - no response (illegal command) -> SD v1.x, or MMC (resolved by OCR
//     polling method next)
//   - valid echo -> SD v2.0+, high-capacity support requested via HCS in
//     the following ACMD41
//
// CMD8 is always attempted before OCR polling, and its failure is treated
// as "assume legacy" rather than a fatal bring-up error, so v1.x cards are
// not misdiagnosed as absent.
func (c *card) sendIfCond(ctx context.Context) (sdV2 bool, err error) {
	const checkPattern = 0x1AA

	resp, err := c.issue(ctx, CmdSendIfCondOrExtCSD, checkPattern)
	if err != nil {
		// Illegal command for SD v1.x cards and for MMC; not fatal.
		return false, nil
	}

	echo := resp.Uint32() & 0xFFF
	if echo != checkPattern {
		return false, nil
	}
	return true, nil
}

// negotiateOCR polls ACMD41 (SD) or CMD1 (MMC) until the card reports
// power-up complete, discovering whether the card is SD or MMC along the
// way (an SD card accepts ACMD41; a true MMC card rejects CMD55 or
// ACMD41 and is retried with CMD1).
func (c *card) negotiateOCR(ctx context.Context, sdV2 bool) (CardVariant, error) {
	c.variant = CardSDv2Std // tentative, enough to shape ACMD41 framing

	hcsArg := uint32(0)
	if sdV2 {
		hcsArg = hcsBit
	}

	ocr, highCap, ok, err := c.pollOCR(ctx, AcmdSendOpCondSD, ocrVoltageWindow|hcsArg, true)
	if err == nil && ok {
		if !sdV2 {
			return CardSDv1x, nil
		}
		if highCap {
			return CardSDv2HC, nil
		}
		return CardSDv2Std, nil
	}

	// Not an SD card (or SD bring-up wedged): fall back to MMC's CMD1.
	c.variant = CardMMC
	ocr, highCap, ok, err = c.pollOCR(ctx, CmdSendOpCondMMC, ocrVoltageWindow|hcsBit, false)
	if err != nil {
		return CardNone, err
	}
	if !ok {
		return CardNone, newError(c.unit, ErrorDeviceNotPresent, nil)
	}
	_ = ocr
	if highCap {
		return CardMMCHC, nil
	}
	return CardMMC, nil
}

// pollOCR repeatedly issues the given OCR-bearing command until the card
// sets OCR bit 31 (power-up complete), returning the final OCR value and
// whether the high-capacity bit was granted.
func (c *card) pollOCR(ctx context.Context, index, arg uint32, isACMD bool) (ocr uint32, highCap bool, ok bool, err error) {
	wireIndex := index
	if isACMD {
		wireIndex = ACMDBase + index
	}

	found, werr := waitWithInterval(ctx, ocrAttempts, ocrInterval, func() (bool, error) {
		resp, ierr := c.issue(ctx, wireIndex, arg)
		if ierr != nil {
			return false, ierr
		}
		ocr = resp.Uint32()
		return ocr&ocrBusyBit != 0, nil
	})
	if werr != nil {
		return 0, false, false, werr
	}
	if !found {
		return 0, false, false, nil
	}
	return ocr, ocr&hcsBit != 0, true, nil
}

// identify runs ALL_SEND_CID and SEND_RELATIVE_ADDR, assigning the card's
// RCA for native mode (SPI mode has no RCA and skips SEND_RELATIVE_ADDR).
func (c *card) identify(ctx context.Context) error {
	resp, err := c.issue(ctx, CmdAllSendCID, 0)
	if err != nil {
		return err
	}
	c.cid = resp.Long

	if c.h.spi() {
		return nil
	}

	arg := uint32(0)
	if c.variant == CardMMC || c.variant == CardMMCHC {
		arg = 1 << 16 // for MMC the host assigns the RCA; any nonzero value works here
	}
	resp, err = c.issue(ctx, CmdSendRelativeAddr, arg)
	if err != nil {
		return err
	}
	if c.variant.IsSD() {
		c.rca = uint16(resp.Uint32() >> 16)
	} else {
		c.rca = uint16(arg >> 16)
	}
	return nil
}

// readCSDAndConfigure reads the CSD, derives capacity/clock/timeout, raises
// the bus clock, and for high-capacity MMC applies the EXT_CSD SEC_COUNT
// override. High-capacity MMC is supported end-to-end, including over SPI,
// rather than refused.
func (c *card) readCSDAndConfigure(ctx context.Context) error {
	resp, err := c.issue(ctx, CmdSendCSD, uint32(c.rca)<<16)
	if err != nil {
		return err
	}
	c.csd = resp.Long

	totalBlocks, maxClock, timeout, err := decodeCSD(c.csd, c.variant)
	if err != nil {
		return err
	}

	c.info = decodeCID(c.cid, c.variant)
	c.info.BlockSize = DefaultBlockSize
	c.info.TotalBlocks = totalBlocks
	c.info.MaxClockHz = maxClock
	c.info.DataTimeout = timeout
	c.info.Variant = c.variant
	c.info.HighCapacity = c.variant.IsHighCapacity()

	if err := c.h.setClock(maxClock); err != nil {
		return c.wrapTransportErr(err)
	}
	if err := c.h.setDataTimeout(timeout); err != nil {
		return c.wrapTransportErr(err)
	}

	if c.variant == CardMMCHC {
		extCSD, err := c.readExtCSD(ctx)
		if err != nil {
			return err
		}
		if sectors := decodeExtCSDSectorCount(extCSD); sectors > 0 {
			c.info.TotalBlocks = sectors
		}
	}

	return nil
}

// readExtCSD reads the 512-byte Extended CSD register (CMD8 in MMC mode).
func (c *card) readExtCSD(ctx context.Context) ([512]byte, error) {
	var buf [512]byte

	desc, err := BuildCommand(CmdSendIfCondOrExtCSD, 0, c.variant)
	if err != nil {
		return buf, newError(c.unit, ErrorDeviceIo, err)
	}

	if _, err := c.h.command(ctx, desc); err != nil {
		return buf, c.wrapTransportErr(err)
	}
	if err := c.h.readData(ctx, buf[:], len(buf)); err != nil {
		return buf, c.wrapTransportErr(err)
	}
	return buf, nil
}

// select_ issues SELECT_CARD, transitioning the card from standby into
// transfer state. SPI mode has no card-select notion and skips this.
func (c *card) select_(ctx context.Context) error {
	if c.h.spi() {
		return nil
	}
	if _, err := c.issue(ctx, CmdSelectCard, uint32(c.rca)<<16); err != nil {
		return err
	}
	if _, err := c.issue(ctx, CmdSetBlocklen, DefaultBlockSize); err != nil {
		return err
	}
	return nil
}

// negotiateBusWidth attempts to raise the bus to its widest supported
// width: 4-bit for SD via ACMD6 (after checking SCR support and verifying
// via ACMD13), 8-bit for MMC via CMD6/EXT_CSD byte 183 (BUS_WIDTH).
// Failure here is not fatal to bring-up; the card remains usable at its
// default 1-bit width.
func (c *card) negotiateBusWidth(ctx context.Context) error {
	if c.h.spi() {
		return nil // SPI is always a 1-bit-equivalent serial transport
	}

	switch {
	case c.variant.IsSD():
		return c.negotiateBusWidthSD(ctx)
	default:
		return c.negotiateBusWidthMMC(ctx)
	}
}

func (c *card) negotiateBusWidthSD(ctx context.Context) error {
	resp, err := c.issue(ctx, ACMDBase+AcmdSendSCR, 0)
	if err != nil {
		return err
	}
	_ = resp // SCR payload is delivered via the data phase, read below

	var scrBuf [8]byte
	if err := c.h.readData(ctx, scrBuf[:], 8); err != nil {
		return c.wrapTransportErr(err)
	}
	scr := decodeSCR(scrBuf)
	if !scr.busWidth4Bit {
		return nil
	}

	if _, err := c.issue(ctx, ACMDBase+AcmdSetBusWidth, 2); err != nil {
		return err
	}
	if err := c.h.setBusWidth(4); err != nil {
		return c.wrapTransportErr(err)
	}

	if _, err := c.issue(ctx, ACMDBase+AcmdSDStatus, 0); err != nil {
		return err
	}
	var statusBuf [64]byte
	if err := c.h.readData(ctx, statusBuf[:], 64); err != nil {
		return c.wrapTransportErr(err)
	}
	if sdStatusBusWidth(statusBuf) != 0x2 {
		return newError(c.unit, ErrorDeviceIo, nil)
	}
	return nil
}

func (c *card) negotiateBusWidthMMC(ctx context.Context) error {
	// SWITCH (CMD6) access mode 3 (write byte), index = BUS_WIDTH offset,
	// value = 2 (8-bit bus), per the EXT_CSD field layout.
	arg := uint32(3)<<24 | uint32(ExtCSDBusWidthOffset)<<16 | uint32(2)<<8
	if _, err := c.issue(ctx, CmdSwitch, arg); err != nil {
		return err
	}
	if err := c.h.setBusWidth(8); err != nil {
		return c.wrapTransportErr(err)
	}
	return nil
}

// refresh determines whether the previously bound card is still present,
// a different card, or gone. It first peeks the CID via the broadcast
// ALL_SEND_CID command, which is safe to issue outside of bring-up; if it
// matches the cached CID, the card is unchanged and refresh avoids the
// cost of a full bring-up. A mismatch, or any failure peeking the CID
// (e.g. the card dropped off the bus), falls back to tearing down and
// re-running bring-up in full.
func (c *card) refresh(ctx context.Context) (changed bool, err error) {
	prevCID := c.cid
	prevVariant := c.variant

	resp, peekErr := c.issue(ctx, CmdAllSendCID, 0)
	if peekErr != nil {
		if err := c.bringUp(ctx); err != nil {
			c.state = hostFailed
			return prevVariant != CardNone, err
		}
		return c.cid != prevCID, nil
	}

	if resp.Long == prevCID {
		// ALL_SEND_CID moves a native-mode card to Identification state;
		// SPI mode has no card-select state and is unaffected. Restore
		// Transfer-state readiness without the expensive CSD re-read,
		// clock and bus-width renegotiation a full bring-up would repeat.
		if !c.h.spi() {
			if err := c.identify(ctx); err != nil {
				c.state = hostFailed
				return true, err
			}
			if err := c.select_(ctx); err != nil {
				c.state = hostFailed
				return true, err
			}
		}
		return false, nil
	}

	if err := c.bringUp(ctx); err != nil {
		c.state = hostFailed
		return true, err
	}
	return true, nil
}

// waitState polls SEND_STATUS until the card reports the target state or
// attempts is exhausted, mirroring the uSDHC driver's post-command
// ready-state confirmation.
func (c *card) waitState(ctx context.Context, target CardState, attempts int, interval time.Duration) error {
	ok, err := waitWithInterval(ctx, attempts, interval, func() (bool, error) {
		resp, err := c.issue(ctx, CmdSendStatus, uint32(c.rca)<<16)
		if err != nil {
			return false, nil
		}
		return CardStateFromStatus(resp.Uint32()) == target, nil
	})
	if err != nil {
		return c.wrapTransportErr(err)
	}
	if !ok {
		return newError(c.unit, ErrorDeviceTimeout, nil)
	}
	return nil
}
