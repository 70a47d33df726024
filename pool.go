// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import "sync"

// MaxUnits bounds the number of simultaneously open handles, matching the
// fixed-capacity arena style of the driver object pools this core's handle
// management is modelled on.
const MaxUnits = 25

// handle is one slot of the fixed-capacity pool. A zero-value handle is
// free; freeNext chains free slots into an intrusive singly-linked list
// through the slots array itself, avoiding any separate allocation.
type handle struct {
	card     *card
	unit     int
	observer ErrorObserver
	opts     ioOptions
	inUse    bool
	freeNext int

	// Per-unit successful/failed read/write tallies, updated after every
	// transfer-run attempt via the card's onIOResult callback.
	readsOK      uint64
	readsFailed  uint64
	writesOK     uint64
	writesFailed uint64
}

// IOCounters is a snapshot of a handle's successful/failed read/write
// tallies, counted per transfer-run attempt (a retried run contributes one
// failure per failed attempt plus, if it eventually succeeds, one success).
type IOCounters struct {
	ReadsOK      uint64
	ReadsFailed  uint64
	WritesOK     uint64
	WritesFailed uint64
}

// pool is the process-wide fixed-capacity handle arena. Its mutex is a
// distinct critical section from a card's own per-unit bus lock: pool.mu
// guards slot allocation bookkeeping only, never held across a card I/O
// operation.
type pool struct {
	mu       sync.Mutex
	slots    [MaxUnits]handle
	freeHead int          // index of first free slot, or -1 if full
	unitOpen [MaxUnits]bool // true while some slot is bound to that unit number
}

var globalPool = newPool()

func newPool() *pool {
	p := &pool{}
	for i := range p.slots {
		p.slots[i].freeNext = i + 1
	}
	p.slots[MaxUnits-1].freeNext = -1
	p.freeHead = 0
	return p
}

// errPoolExhausted is returned when every slot is in use.
var errPoolExhausted = newError(-1, ErrorMemoryAllocation, nil)

// errAlreadyOpen is returned when open is requested for a unit that already
// has a live handle bound to it.
var errAlreadyOpen = newError(-1, ErrorDeviceAlreadyOpen, nil)

// acquire pops a slot off the free list and binds it to the given card,
// returning a stable index the caller uses as its handle. Fails with
// ErrorDeviceAlreadyOpen if unit already has a live handle.
func (p *pool) acquire(unit int, c *card, observer ErrorObserver) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if unit >= 0 && unit < MaxUnits && p.unitOpen[unit] {
		de := *errAlreadyOpen
		de.Unit = unit
		return -1, &de
	}

	if p.freeHead < 0 {
		return -1, errPoolExhausted
	}

	idx := p.freeHead
	p.freeHead = p.slots[idx].freeNext

	p.slots[idx] = handle{
		card:     c,
		unit:     unit,
		observer: observer,
		inUse:    true,
		freeNext: -1,
	}
	if unit >= 0 && unit < MaxUnits {
		p.unitOpen[unit] = true
	}

	return idx, nil
}

// release returns a slot to the free list. Using idx after release is a
// programming error; the facade guards against this by marking the Device
// closed on Close, so later calls fail before reaching the pool.
func (p *pool) release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unit := p.slots[idx].unit
	if unit >= 0 && unit < MaxUnits {
		p.unitOpen[unit] = false
	}
	p.slots[idx] = handle{freeNext: p.freeHead}
	p.freeHead = idx
}

// get returns the slot at idx if it is currently in use, nil otherwise
// (covers both an out-of-range idx and a freed/reused slot that no longer
// belongs to the caller).
func (p *pool) get(idx int) *handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= MaxUnits || !p.slots[idx].inUse {
		return nil
	}
	h := p.slots[idx]
	return &h
}

// recordIO tallies the outcome of one transfer-run attempt against the
// handle at idx. A stale or out-of-range idx is silently ignored, since the
// card's onIOResult callback can outlive the handle across a racing Close.
func (p *pool) recordIO(idx int, write bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= MaxUnits || !p.slots[idx].inUse {
		return
	}
	h := &p.slots[idx]
	switch {
	case write && ok:
		h.writesOK++
	case write && !ok:
		h.writesFailed++
	case !write && ok:
		h.readsOK++
	case !write && !ok:
		h.readsFailed++
	}
}

// stats returns a snapshot of the handle's IOCounters at idx.
func (p *pool) stats(idx int) (IOCounters, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= MaxUnits || !p.slots[idx].inUse {
		return IOCounters{}, newError(-1, ErrorDeviceNotOpen, nil)
	}
	h := p.slots[idx]
	return IOCounters{
		ReadsOK:      h.readsOK,
		ReadsFailed:  h.readsFailed,
		WritesOK:     h.writesOK,
		WritesFailed: h.writesFailed,
	}, nil
}

func (p *pool) notifyError(idx int, kind ErrorKind) {
	p.mu.Lock()
	var observer ErrorObserver
	var unit int
	if idx >= 0 && idx < MaxUnits && p.slots[idx].inUse {
		observer = p.slots[idx].observer
		unit = p.slots[idx].unit
	}
	p.mu.Unlock()

	if observer != nil {
		observer.OnError(unit, kind)
	}
}
