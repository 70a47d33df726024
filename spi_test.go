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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC7KnownVectors(t *testing.T) {
	// GO_IDLE_STATE (CMD0), argument 0: well-known CRC-7 0x4A.
	assert.Equal(t, byte(0x4A), crc7Update([]byte{0x40, 0x00, 0x00, 0x00, 0x00}))

	// SEND_IF_COND (CMD8), argument 0x1AA: well-known CRC-7 0x43.
	assert.Equal(t, byte(0x43), crc7Update([]byte{0x48, 0x00, 0x00, 0x01, 0xAA}))
}

func TestBuildSPIFrame(t *testing.T) {
	desc := CommandDescriptor{Index: CmdGoIdleState, Arg: 0}
	frame := buildSPIFrame(desc)
	assert.Equal(t, [6]byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x95}, frame)
}

func TestCRC16CCITT(t *testing.T) {
	assert.Equal(t, uint16(0), crc16ccitt(nil))
	// Changing the payload must change the checksum.
	a := crc16ccitt([]byte{0x00, 0x01, 0x02})
	b := crc16ccitt([]byte{0x00, 0x01, 0x03})
	assert.NotEqual(t, a, b)
}

// spiWire is a minimal in-memory SPITransport that replays one scripted
// response per Exchange call (in call order), letting the SPI host's
// command and data framing be exercised without a real bus.
type spiWire struct {
	responses [][]byte
	call      int
	tx        []byte // every byte ever written, for assertion
}

func (s *spiWire) Exchange(ctx context.Context, out []byte) ([]byte, error) {
	s.tx = append(s.tx, out...)

	var scripted []byte
	if s.call < len(s.responses) {
		scripted = s.responses[s.call]
	}
	s.call++

	resp := make([]byte, len(out))
	copy(resp, scripted)
	for i := len(scripted); i < len(resp); i++ {
		resp[i] = 0xFF
	}
	return resp, nil
}

func (s *spiWire) AssertSelect()                      {}
func (s *spiWire) DeassertSelect()                    {}
func (s *spiWire) SetClock(hz uint32) error           { return nil }
func (s *spiWire) MaxBlockCount(blockSize int) uint32 { return 1 }
func (s *spiWire) Lock()                              {}
func (s *spiWire) Unlock()                            {}
func (s *spiWire) SetDataTimeout(d time.Duration) error { return nil }
func (s *spiWire) SetRespTimeout(d time.Duration) error { return nil }

func TestSPIWriteBlockWireSequence(t *testing.T) {
	wire := &spiWire{responses: [][]byte{
		nil,            // the frame exchange itself; card is silent
		{0x05},         // data-response token: accepted
		{0xFF},         // not busy
	}}
	h := newSPIHost(wire)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i)
	}

	err := h.writeData(context.Background(), buf, 512, false)
	require.NoError(t, err)

	assert.Equal(t, byte(spiTokenStartSingle), wire.tx[0])
	assert.Equal(t, buf, wire.tx[1:513])
	gotCRC := uint16(wire.tx[513])<<8 | uint16(wire.tx[514])
	assert.Equal(t, crc16ccitt(buf), gotCRC)
}
