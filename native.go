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

// nativeHost adapts a NativeTransport collaborator to the internal host
// interface consumed by the state machine and I/O engine.
type nativeHost struct {
	t NativeTransport
}

func newNativeHost(t NativeTransport) *nativeHost {
	return &nativeHost{t: t}
}

func (h *nativeHost) command(ctx context.Context, desc CommandDescriptor) (Response, error) {
	return h.t.SendCommand(ctx, desc)
}

func (h *nativeHost) readData(ctx context.Context, buf []byte, blockSize int) error {
	return h.t.ReadBlocks(ctx, buf, blockSize)
}

func (h *nativeHost) writeData(ctx context.Context, buf []byte, blockSize int, multi bool) error {
	return h.t.WriteBlocks(ctx, buf, blockSize)
}

// writeStop is a no-op for native transports: the caller issues
// CMD12/STOP_TRANSMISSION itself through command().
func (h *nativeHost) writeStop(ctx context.Context) error {
	return nil
}

func (h *nativeHost) setClock(hz uint32) error {
	return h.t.SetClock(hz)
}

func (h *nativeHost) setBusWidth(bitsWidth int) error {
	return h.t.SetBusWidth(bitsWidth)
}

func (h *nativeHost) cardPresent() bool {
	return h.t.CardPresent()
}

func (h *nativeHost) maxBlockCount(blockSize int) uint32 {
	return h.t.MaxBlockCount(blockSize)
}

func (h *nativeHost) lock()   { h.t.Lock() }
func (h *nativeHost) unlock() { h.t.Unlock() }

func (h *nativeHost) setDataTimeout(d time.Duration) error {
	return h.t.SetDataTimeout(d)
}

func (h *nativeHost) setRespTimeout(d time.Duration) error {
	return h.t.SetRespTimeout(d)
}

func (h *nativeHost) spi() bool {
	return false
}
