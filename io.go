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
	runRetryLimit      = 5
	statusRetryOnFault = 2 * time.Millisecond
	stopRecoveryPolls  = 10000
	stopRecoveryWait   = 1 * time.Millisecond
)

// verifyWrites, when set, causes every write request to be read back in
// full and compared before returning success. Intended for platform bring-up
// and test use only; it roughly doubles write latency.
type ioOptions struct {
	verifyWrites bool
}

// addrArg translates a sector index into the command argument appropriate
// for the card's addressing mode: byte offset for standard-capacity cards,
// block index directly for high-capacity cards.
func (c *card) addrArg(sector uint32) uint32 {
	if c.info.HighCapacity {
		return sector
	}
	return sector * DefaultBlockSize
}

// readSectors reads count sectors starting at sector into buf (which must
// be count*DefaultBlockSize bytes), splitting the transfer into runs no
// larger than the host's negotiated maximum block count and retrying each
// run up to runRetryLimit times before giving up.
func (c *card) readSectors(ctx context.Context, sector uint32, count uint32, buf []byte) error {
	return c.runTransfer(ctx, sector, count, buf, false)
}

// writeSectors writes count sectors starting at sector from buf.
func (c *card) writeSectors(ctx context.Context, sector uint32, count uint32, buf []byte, opts ioOptions) error {
	if err := c.runTransfer(ctx, sector, count, buf, true); err != nil {
		return err
	}
	if opts.verifyWrites {
		return c.verifyWrite(ctx, sector, count, buf)
	}
	return nil
}

func (c *card) verifyWrite(ctx context.Context, sector uint32, count uint32, want []byte) error {
	got := make([]byte, len(want))
	if err := c.runTransfer(ctx, sector, count, got, false); err != nil {
		return err
	}
	for i := range got {
		if got[i] != want[i] {
			return newError(c.unit, ErrorDeviceIo, nil)
		}
	}
	return nil
}

// runTransfer implements the per-request algorithm shared by reads and
// writes: reselect and confirm transfer-state readiness, split into
// bounded runs, and on run failure retry up to runRetryLimit times before
// surfacing the error with the STOP_TRANSMISSION recovery distinction.
func (c *card) runTransfer(ctx context.Context, startSector, count uint32, buf []byte, write bool) error {
	if c.state != hostReady {
		return newError(c.unit, ErrorDeviceNotOpen, nil)
	}

	c.h.lock()
	defer c.h.unlock()

	maxRun := c.maxBlkCnt
	if maxRun == 0 {
		maxRun = 1
	}

	remaining := count
	sector := startSector
	offset := 0

	for remaining > 0 {
		if err := c.ensureTransferState(ctx); err != nil {
			return err
		}

		runSize := remaining
		if runSize > maxRun {
			runSize = maxRun
		}

		runBuf := buf[offset : offset+int(runSize)*DefaultBlockSize]

		if err := c.runOnce(ctx, sector, runSize, runBuf, write); err != nil {
			return err
		}

		sector += runSize
		remaining -= runSize
		offset += int(runSize) * DefaultBlockSize
	}

	return nil
}

// runOnce performs a single bounded run (single- or multi-block command,
// per runSize), trying it an initial time plus up to runRetryLimit retries
// (six attempts total) on transport failure. On a multi-block run, each
// failed attempt is followed by STOP_TRANSMISSION recovery; recovery
// succeeding lets the loop retry the run, while recovery failing to clear
// the card aborts immediately as permanently stuck, per the error
// taxonomy's Recoverable field.
func (c *card) runOnce(ctx context.Context, sector uint32, runSize uint32, buf []byte, write bool) error {
	var lastErr error
	recovered := false

	for attempt := 0; attempt <= runRetryLimit; attempt++ {
		if attempt > 0 {
			log.WithFields(log.Fields{
				"unit":    c.unit,
				"sector":  sector,
				"attempt": attempt,
			}).Debug("sdmmc: retrying transfer run")
		}

		err := c.transferRun(ctx, sector, runSize, buf, write)
		c.onIOResult(write, err == nil)
		if err == nil {
			return nil
		}
		lastErr = err

		if runSize > 1 {
			ok, recErr := c.recoverFromStop(ctx)
			if recErr != nil {
				return recErr
			}
			if !ok {
				de := newError(c.unit, ErrorDeviceIo, lastErr)
				de.Recoverable = false
				return de
			}
			recovered = true
		}
	}

	de, ok := lastErr.(*DeviceError)
	if !ok {
		de = newError(c.unit, ErrorDeviceIo, lastErr)
	}
	de.Recoverable = recovered
	return de
}

// transferRun issues one read/write command and its data phase for runSize
// consecutive blocks starting at sector.
func (c *card) transferRun(ctx context.Context, sector uint32, runSize uint32, buf []byte, write bool) error {
	index := CmdReadSingleBlock
	if write {
		index = CmdWriteBlock
	}
	if runSize > 1 {
		index = CmdReadMultipleBlock
		if write {
			index = CmdWriteMultipleBlock
		}
	}

	arg := c.addrArg(sector)
	desc, err := BuildCommand(uint32(index), arg, c.variant)
	if err != nil {
		return newError(c.unit, ErrorDeviceIo, err)
	}

	if _, err := c.h.command(ctx, desc); err != nil {
		return c.wrapTransportErr(err)
	}

	for i := uint32(0); i < runSize; i++ {
		blockBuf := buf[i*DefaultBlockSize : (i+1)*DefaultBlockSize]
		var err error
		if write {
			err = c.h.writeData(ctx, blockBuf, DefaultBlockSize, runSize > 1)
		} else {
			err = c.h.readData(ctx, blockBuf, DefaultBlockSize)
		}
		if err != nil {
			if runSize > 1 {
				_ = c.stopMultiBlock(ctx, write)
			}
			return c.wrapTransportErr(err)
		}
	}

	if runSize > 1 {
		if err := c.stopMultiBlock(ctx, write); err != nil {
			return err
		}
	}

	return nil
}

// stopMultiBlock terminates a multi-block run: reads always use
// STOP_TRANSMISSION (CMD12), even over SPI, while an SPI write instead ends
// with the 0xFD stop-transmission token (native writes still use CMD12,
// issued the same way as reads).
func (c *card) stopMultiBlock(ctx context.Context, write bool) error {
	if write && c.h.spi() {
		if err := c.h.writeStop(ctx); err != nil {
			return c.wrapTransportErr(err)
		}
		return nil
	}
	_, err := c.issue(ctx, CmdStopTransmission, 0)
	return err
}

// recoverFromStop polls SEND_STATUS up to stopRecoveryPolls times waiting
// for the card to leave the programming/receive-data state. transferRun
// already issues STOP_TRANSMISSION (or the SPI stop token) whenever a data
// block failed mid-run; this just confirms the card actually cleared.
// recovered reports whether it did within budget; the caller decides
// whether that warrants another attempt.
func (c *card) recoverFromStop(ctx context.Context) (recovered bool, err error) {
	ok, werr := waitWithInterval(ctx, stopRecoveryPolls, stopRecoveryWait, func() (bool, error) {
		resp, err := c.issue(ctx, CmdSendStatus, uint32(c.rca)<<16)
		if err != nil {
			return false, nil
		}
		st := CardStateFromStatus(resp.Uint32())
		return st == CardStateTransfer || st == CardStateStandby, nil
	})
	if werr != nil {
		return false, c.wrapTransportErr(werr)
	}

	return ok, nil
}

// ensureTransferState polls SEND_STATUS, retrying once after a short pause
// if the command itself fails, and reselects the card with SELECT_CARD when
// the status reports Standby (another card was selected). In SPI mode the
// status never reads Standby, so no reselect happens. Any other reported
// state, including one other than Transfer, is accepted without further
// checks.
func (c *card) ensureTransferState(ctx context.Context) error {
	resp, err := c.issue(ctx, CmdSendStatus, uint32(c.rca)<<16)
	if err != nil {
		// one retry after a brief pause before declaring failure
		select {
		case <-ctx.Done():
			return c.wrapTransportErr(ctx.Err())
		case <-time.After(statusRetryOnFault):
		}
		resp, err = c.issue(ctx, CmdSendStatus, uint32(c.rca)<<16)
		if err != nil {
			return err
		}
	}

	if CardStateFromStatus(resp.Uint32()) == CardStateStandby {
		if _, err := c.issue(ctx, CmdSelectCard, uint32(c.rca)<<16); err != nil {
			return err
		}
	}

	return nil
}
