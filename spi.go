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

// crc7Update computes the CRC-7 (polynomial x^7+x^3+1) used to frame every
// SPI-mode command, over the 5-byte command+argument prefix.
func crc7Update(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc ^= 0x89
			}
			crc <<= 1
		}
	}
	return crc >> 1
}

// crc16ccitt computes the CRC-16/XMODEM checksum (CCITT polynomial 0x1021,
// initial value 0) used to frame SPI data blocks.
func crc16ccitt(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

const (
	spiTokenStartSingle = 0xFE
	spiTokenStartMulti  = 0xFC
	spiTokenStopMulti   = 0xFD

	spiDataRespMask     = 0x1F
	spiDataRespAccepted = 0x05
	spiDataRespCRCErr   = 0x0B
	spiDataRespWriteErr = 0x0D

	// spiReadStartTokenPolls and spiWriteBusyPolls are the hard iteration
	// bounds for the read start-token scan and the write wait-while-busy
	// loop, matching the card's worst-case latency at the slowest
	// supported clock.
	spiReadStartTokenPolls = 312500
	spiWriteBusyPolls      = 781250
)

// buildSPIFrame constructs the 6-byte SPI command frame: a start bit/
// transmission bit/command-index byte, the big-endian 32-bit argument, and
// a CRC-7 byte with its end bit set. CRC is mandatory only for CMD0 and
// CMD8 on real cards but this codec always computes and sends a valid one,
// matching the reference driver this module's SPI path is grounded on.
func buildSPIFrame(desc CommandDescriptor) [6]byte {
	var frame [6]byte
	frame[0] = 0x40 | byte(desc.Index&0x3f)
	frame[1] = byte(desc.Arg >> 24)
	frame[2] = byte(desc.Arg >> 16)
	frame[3] = byte(desc.Arg >> 8)
	frame[4] = byte(desc.Arg)
	frame[5] = (crc7Update(frame[:5]) << 1) | 0x01
	return frame
}

// spiHost adapts an SPITransport collaborator to the internal host
// interface, implementing command framing, response scanning and data
// block tokens directly (the SPI protocol has no native controller to
// delegate this to, unlike nativeHost).
type spiHost struct {
	t SPITransport
}

func newSPIHost(t SPITransport) *spiHost {
	return &spiHost{t: t}
}

func (h *spiHost) spi() bool { return true }

func (h *spiHost) setClock(hz uint32) error      { return h.t.SetClock(hz) }
func (h *spiHost) setBusWidth(bitsWidth int) error { return nil }
func (h *spiHost) cardPresent() bool             { return true }

func (h *spiHost) maxBlockCount(blockSize int) uint32 {
	return h.t.MaxBlockCount(blockSize)
}

func (h *spiHost) lock()   { h.t.Lock() }
func (h *spiHost) unlock() { h.t.Unlock() }

func (h *spiHost) setDataTimeout(d time.Duration) error {
	return h.t.SetDataTimeout(d)
}

func (h *spiHost) setRespTimeout(d time.Duration) error {
	return h.t.SetRespTimeout(d)
}

// command issues a command frame and scans the reply stream for the
// leading response byte (top bit clear), per the SD SPI physical layer.
func (h *spiHost) command(ctx context.Context, desc CommandDescriptor) (Response, error) {
	h.t.AssertSelect()
	defer h.t.DeassertSelect()

	frame := buildSPIFrame(desc)
	if _, err := h.t.Exchange(ctx, frame[:]); err != nil {
		return Response{}, &TransportError{Kind: TransportRespOther, Err: err}
	}

	r1, err := h.scanR1(ctx)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	resp.Shape = desc.Response
	// Every SPI response begins with the R1 status byte. For a plain R1
	// it is the entire payload (Uint32 reports it in the low byte); R3/R7
	// replace it with the 4-byte trailing register (OCR or CMD8 echo) that
	// follows it.
	resp.Short[3] = r1

	switch desc.Response {
	case RspR3, RspR7:
		tail, err := h.t.Exchange(ctx, make([]byte, 4))
		if err != nil {
			return Response{}, &TransportError{Kind: TransportRespOther, Err: err}
		}
		copy(resp.Short[:], tail)
	}

	if r1&0x80 != 0 {
		return resp, &TransportError{Kind: TransportRespTimeout}
	}

	return resp, nil
}

// scanR1 scans up to 128 bytes of 0xFF filler for the R1 token (top bit
// clear), per the SPI physical layer's NCR window.
func (h *spiHost) scanR1(ctx context.Context) (byte, error) {
	for i := 0; i < 128; i++ {
		b, err := h.t.Exchange(ctx, []byte{0xFF})
		if err != nil {
			return 0xFF, &TransportError{Kind: TransportRespOther, Err: err}
		}
		if b[0]&0x80 == 0 {
			return b[0], nil
		}
	}
	return 0xFF, &TransportError{Kind: TransportRespTimeout}
}

// readData clocks in a single data block (buf must be blockSize bytes,
// called once per block by the I/O engine), scanning for the start token
// and verifying the trailing CRC-16.
func (h *spiHost) readData(ctx context.Context, buf []byte, blockSize int) error {
	found := false
	for i := 0; i < spiReadStartTokenPolls; i++ {
		b, err := h.t.Exchange(ctx, []byte{0xFF})
		if err != nil {
			return &TransportError{Kind: TransportDataOther, Err: err}
		}
		if b[0] == spiTokenStartSingle || b[0] == spiTokenStartMulti {
			found = true
			break
		}
	}
	if !found {
		return &TransportError{Kind: TransportDataTimeout}
	}

	filler := make([]byte, blockSize)
	for i := range filler {
		filler[i] = 0xFF
	}
	data, err := h.t.Exchange(ctx, filler)
	if err != nil {
		return &TransportError{Kind: TransportDataOther, Err: err}
	}
	copy(buf, data)

	crcBytes, err := h.t.Exchange(ctx, []byte{0xFF, 0xFF})
	if err != nil {
		return &TransportError{Kind: TransportDataOther, Err: err}
	}
	want := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
	if got := crc16ccitt(buf[:blockSize]); got != want {
		return &TransportError{Kind: TransportDataCRC}
	}

	return nil
}

// writeData clocks out a single data block with start token, payload and
// CRC-16, then checks the card's data-response token and waits while busy.
// multi selects the multi-block start token (0xFC) over the single-block
// one (0xFE), per the SPI physical layer.
func (h *spiHost) writeData(ctx context.Context, buf []byte, blockSize int, multi bool) error {
	startToken := byte(spiTokenStartSingle)
	if multi {
		startToken = spiTokenStartMulti
	}

	crc := crc16ccitt(buf[:blockSize])
	frame := make([]byte, 0, 1+blockSize+2)
	frame = append(frame, startToken)
	frame = append(frame, buf[:blockSize]...)
	frame = append(frame, byte(crc>>8), byte(crc))

	if _, err := h.t.Exchange(ctx, frame); err != nil {
		return &TransportError{Kind: TransportDataOther, Err: err}
	}

	respByte, err := h.t.Exchange(ctx, []byte{0xFF})
	if err != nil {
		return &TransportError{Kind: TransportDataOther, Err: err}
	}
	switch respByte[0] & spiDataRespMask {
	case spiDataRespAccepted:
	case spiDataRespCRCErr:
		return &TransportError{Kind: TransportDataCRC}
	case spiDataRespWriteErr:
		return &TransportError{Kind: TransportDataOther}
	default:
		return &TransportError{Kind: TransportDataOther}
	}

	return h.waitNotBusy(ctx, spiWriteBusyPolls)
}

// writeStop sends the stop-transmission token (0xFD) that terminates an SPI
// multi-block write, then waits for the card to clear busy: SPI multi-block
// writes end with a token rather than CMD12.
func (h *spiHost) writeStop(ctx context.Context) error {
	if _, err := h.t.Exchange(ctx, []byte{spiTokenStopMulti}); err != nil {
		return &TransportError{Kind: TransportDataOther, Err: err}
	}
	// One filler byte before the busy line settles, matching the gap the
	// reference driver leaves after sending the stop token.
	if _, err := h.t.Exchange(ctx, []byte{0xFF}); err != nil {
		return &TransportError{Kind: TransportDataOther, Err: err}
	}
	return h.waitNotBusy(ctx, spiWriteBusyPolls)
}

// waitNotBusy polls the data line (via dummy 0xFF exchanges) until the card
// returns 0xFF (not busy) or attempts is exhausted.
func (h *spiHost) waitNotBusy(ctx context.Context, attempts int) error {
	for i := 0; i < attempts; i++ {
		b, err := h.t.Exchange(ctx, []byte{0xFF})
		if err != nil {
			return &TransportError{Kind: TransportDataOther, Err: err}
		}
		if b[0] == 0xFF {
			return nil
		}
	}
	return &TransportError{Kind: TransportWaitTimeout}
}
