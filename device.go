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
	"fmt"
	"regexp"
	"sync"
)

// pathPattern validates the "name:unit:" device path grammar: a
// non-empty name, a colon, a unit number in [0, MaxUnits), a trailing
// colon.
var pathPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+:([0-9]{1,2}):$`)

// OpenOptions configures a Device at Open time.
type OpenOptions struct {
	// Observer, if non-nil, is notified of every DeviceError raised by a
	// transfer or refresh on the resulting handle (see ErrorObserver).
	Observer ErrorObserver
	// VerifyWrites enables write-then-read verification (see ioOptions).
	VerifyWrites bool
}

// Device is the public block-device handle returned by Open. All methods
// are safe for concurrent use by multiple goroutines; each serialises
// against the unit's own card state.
type Device struct {
	mu     sync.Mutex
	idx    int
	unit   int
	c      *card
	opts   ioOptions
	closed bool
}

// ParsePath validates a device path of the form "name:unit:" and returns
// the parsed unit number.
func ParsePath(path string) (unit int, err error) {
	m := pathPattern.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("sdmmc: malformed device path %q", path)
	}
	var u int
	if _, err := fmt.Sscanf(m[1], "%d", &u); err != nil {
		return 0, fmt.Errorf("sdmmc: malformed unit in path %q", path)
	}
	if u < 0 || u >= MaxUnits {
		return 0, newError(u, ErrorDeviceInvalidUnit, nil)
	}
	return u, nil
}

// OpenNative brings up a card over a native command/data transport and
// returns a Device bound to it.
func OpenNative(ctx context.Context, unit int, t NativeTransport, opts OpenOptions) (*Device, error) {
	return open(ctx, unit, newNativeHost(t), opts)
}

// OpenSPI brings up a card over an SPI transport and returns a Device
// bound to it.
func OpenSPI(ctx context.Context, unit int, t SPITransport, opts OpenOptions) (*Device, error) {
	return open(ctx, unit, newSPIHost(t), opts)
}

func open(ctx context.Context, unit int, h host, opts OpenOptions) (*Device, error) {
	if unit < 0 || unit >= MaxUnits {
		return nil, newError(unit, ErrorDeviceInvalidUnit, nil)
	}

	c := newCard(h, unit)
	if err := c.bringUp(ctx); err != nil {
		return nil, err
	}

	idx, err := globalPool.acquire(unit, c, opts.Observer)
	if err != nil {
		return nil, err
	}
	c.onIOResult = func(write bool, ok bool) {
		globalPool.recordIO(idx, write, ok)
	}

	return &Device{
		idx:  idx,
		unit: unit,
		c:    c,
		opts: ioOptions{verifyWrites: opts.VerifyWrites},
	}, nil
}

// Close releases the device's pool slot. After Close, all further calls on
// the Device return ErrorDeviceNotOpen.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	globalPool.release(d.idx)
	return nil
}

func (d *Device) guard() error {
	if d.closed {
		return newError(d.unit, ErrorDeviceNotOpen, nil)
	}
	return nil
}

func (d *Device) reportIfDeviceError(err error) error {
	if de, ok := err.(*DeviceError); ok {
		globalPool.notifyError(d.idx, de.Kind)
	}
	return err
}

// ReadSectors reads count 512-byte sectors starting at sector into buf,
// which must be exactly count*512 bytes. count == 0 succeeds immediately
// without touching the transport.
func (d *Device) ReadSectors(ctx context.Context, sector uint32, count uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.guard(); err != nil {
		return err
	}
	if done, err := d.validateRange(sector, count, buf); done {
		return err
	}

	return d.reportIfDeviceError(d.c.readSectors(ctx, sector, count, buf))
}

// WriteSectors writes count 512-byte sectors starting at sector from buf.
// count == 0 succeeds immediately without touching the transport.
func (d *Device) WriteSectors(ctx context.Context, sector uint32, count uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.guard(); err != nil {
		return err
	}
	if done, err := d.validateRange(sector, count, buf); done {
		return err
	}

	return d.reportIfDeviceError(d.c.writeSectors(ctx, sector, count, buf, d.opts))
}

// validateRange reports done=true when the caller must return immediately
// (either a zero-length no-op success, or a range/buffer-size error that
// must surface as DeviceIo without ever reaching the transport).
func (d *Device) validateRange(sector uint32, count uint32, buf []byte) (done bool, err error) {
	if count == 0 {
		return true, nil
	}
	if uint64(len(buf)) != uint64(count)*DefaultBlockSize {
		return true, newError(d.unit, ErrorDeviceIo, fmt.Errorf("buffer length %d does not match %d sectors", len(buf), count))
	}
	total := d.c.info.TotalBlocks
	if uint64(sector)+uint64(count) > uint64(total) {
		return true, newError(d.unit, ErrorDeviceIo, fmt.Errorf("sector range [%d,%d) exceeds capacity %d", sector, uint64(sector)+uint64(count), total))
	}
	return false, nil
}

// Query returns a snapshot of the card's parsed registers and negotiated
// geometry.
func (d *Device) Query() (CardInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.guard(); err != nil {
		return CardInfo{}, err
	}
	return d.c.info, nil
}

// IOCounters returns a snapshot of this handle's successful/failed
// read/write tallies, counted per transfer-run attempt.
func (d *Device) IOCounters() (IOCounters, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.guard(); err != nil {
		return IOCounters{}, err
	}
	return globalPool.stats(d.idx)
}

// IOCtrlOp identifies an out-of-band control operation accepted by IOCtrl.
type IOCtrlOp int

const (
	// IOCtrlRefresh re-runs card identification, reporting whether the
	// card changed.
	IOCtrlRefresh IOCtrlOp = iota
	// IOCtrlQueryCardInfo returns the current CardInfo snapshot.
	IOCtrlQueryCardInfo
	// IOCtrlReadCID returns the raw 128-bit CID register.
	IOCtrlReadCID
	// IOCtrlReadCSD returns the raw 128-bit CSD register.
	IOCtrlReadCSD
)

// IOCtrl performs an out-of-band control operation and returns an
// operation-specific result.
func (d *Device) IOCtrl(ctx context.Context, op IOCtrlOp) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.guard(); err != nil {
		return nil, err
	}

	switch op {
	case IOCtrlRefresh:
		changed, err := d.c.refresh(ctx)
		if err != nil {
			return changed, d.reportIfDeviceError(err)
		}
		return changed, nil
	case IOCtrlQueryCardInfo:
		return d.c.info, nil
	case IOCtrlReadCID:
		return d.c.cid, nil
	case IOCtrlReadCSD:
		return d.c.csd, nil
	default:
		return nil, newError(d.unit, ErrorDeviceIo, fmt.Errorf("unknown io_ctrl op %d", op))
	}
}
