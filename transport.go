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

// NativeTransport is the collaborator a platform package implements to
// drive a card over a native command/data bus (4-bit or 8-bit, CMD/DAT
// lines), mirroring the uSDHC controller interface this core's bring-up
// sequence and I/O engine are written against.
//
// Implementations must be safe for sequential use by a single goroutine at
// a time; the core itself serialises access per unit via each Device's own
// mutex and the transport's Lock/Unlock.
type NativeTransport interface {
	// SendCommand issues a command and returns its response, blocking
	// until the transport completes the exchange or ctx is done.
	SendCommand(ctx context.Context, desc CommandDescriptor) (Response, error)

	// ReadBlocks clocks in one or more BlockSize-sized blocks following a
	// data-start command already issued via SendCommand.
	ReadBlocks(ctx context.Context, buf []byte, blockSize int) error

	// WriteBlocks clocks out one or more BlockSize-sized blocks following
	// a data-start command already issued via SendCommand.
	WriteBlocks(ctx context.Context, buf []byte, blockSize int) error

	// SetClock requests a bus clock frequency in Hz; the transport may
	// round down to the nearest supported divisor.
	SetClock(hz uint32) error

	// SetBusWidth requests a data bus width in bits (1, 4 or 8).
	SetBusWidth(bits int) error

	// CardPresent reports whether the transport currently detects a card
	// inserted (card-detect line or equivalent).
	CardPresent() bool

	// MaxBlockCount reports the largest number of blockSize-sized blocks
	// the controller can move in a single multi-block command, e.g. the
	// depth of its DMA descriptor chain. Always >= 1.
	MaxBlockCount(blockSize int) uint32

	// Lock acquires the exclusive per-unit bus lock, held for the
	// duration of a bring-up sequence or a per-request I/O run, guarding
	// against some other caller driving the same controller directly.
	Lock()
	// Unlock releases the lock acquired by Lock.
	Unlock()

	// SetDataTimeout configures the data-phase timeout derived from the
	// card's CSD (TAAC/NSAC) once bring-up has parsed it.
	SetDataTimeout(d time.Duration) error
	// SetRespTimeout configures the fixed command-response timeout.
	SetRespTimeout(d time.Duration) error
}

// SPITransport is the collaborator a platform package implements to drive a
// card over a raw SPI bus, including framing and chip-select management
// that the core's SPI codec relies on.
type SPITransport interface {
	// Exchange clocks out tx while simultaneously clocking in len(tx)
	// bytes, the fundamental SPI full-duplex primitive.
	Exchange(ctx context.Context, tx []byte) ([]byte, error)

	// AssertSelect drives chip-select active (low) for the duration of a
	// single command/response/data exchange.
	AssertSelect()

	// DeassertSelect drives chip-select inactive.
	DeassertSelect()

	// SetClock requests a bus clock frequency in Hz.
	SetClock(hz uint32) error

	// MaxBlockCount reports the largest number of blockSize-sized blocks
	// this transport will stream in one multi-block command before the
	// engine must fall back to a fresh run. Always >= 1.
	MaxBlockCount(blockSize int) uint32

	// Lock acquires the exclusive per-unit bus lock, held for the
	// duration of a bring-up sequence or a per-request I/O run.
	Lock()
	// Unlock releases the lock acquired by Lock.
	Unlock()

	// SetDataTimeout configures the data-phase timeout derived from the
	// card's CSD (TAAC/NSAC) once bring-up has parsed it.
	SetDataTimeout(d time.Duration) error
	// SetRespTimeout configures the fixed command-response timeout.
	SetRespTimeout(d time.Duration) error
}

// host is the internal capability set the card state machine and I/O
// engine are written against, satisfied by either a nativeHost or an
// spiHost adapter. Keeping this unexported lets both transport shapes share
// one bring-up/I/O implementation without leaking the adapter types.
type host interface {
	command(ctx context.Context, desc CommandDescriptor) (Response, error)
	readData(ctx context.Context, buf []byte, blockSize int) error
	// writeData streams one block; multi indicates this block belongs to
	// a multi-block run, which SPI framing marks with a different start
	// token (0xFC vs 0xFE) than a lone block.
	writeData(ctx context.Context, buf []byte, blockSize int, multi bool) error
	// writeStop terminates a multi-block write over SPI with the
	// stop-transmission token (0xFD) rather than a CMD12 command frame;
	// a no-op for native transports, which terminate via CmdStopTransmission
	// instead (issued by the caller through command()).
	writeStop(ctx context.Context) error
	setClock(hz uint32) error
	setBusWidth(bitsWidth int) error
	cardPresent() bool
	// maxBlockCount reports the largest multi-block run the underlying
	// transport supports at the given block size, queried once during
	// bring-up and cached on the card.
	maxBlockCount(blockSize int) uint32
	// spi reports whether this host is backed by an SPI transport, which
	// changes a handful of bring-up and transfer rules (idle-bit check on
	// reset, explicit CRC_ON_OFF, no RCA or card select, no bus-width
	// negotiation, token-terminated multi-block writes).
	spi() bool

	// lock and unlock delegate to the collaborator's per-unit bus lock,
	// held across a bring-up sequence or a per-request I/O run.
	lock()
	unlock()
	setDataTimeout(d time.Duration) error
	setRespTimeout(d time.Duration) error
}

func waitWithInterval(ctx context.Context, attempts int, interval time.Duration, fn func() (bool, error)) (bool, error) {
	for i := 0; i < attempts; i++ {
		ok, err := fn()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
	return false, nil
}
