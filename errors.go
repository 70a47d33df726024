// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import "fmt"

// ErrorKind classifies a driver-level failure as surfaced to the upper
// layer, per the error taxonomy of the governing specification.
type ErrorKind int

const (
	// ErrorNone indicates no error (zero value, never returned wrapped).
	ErrorNone ErrorKind = iota
	// ErrorDeviceNotPresent is raised when the card did not respond to
	// reset or OCR polling, or disappeared mid-operation.
	ErrorDeviceNotPresent
	// ErrorDeviceNotOpen is raised when a handle refers to a unit that
	// was closed.
	ErrorDeviceNotOpen
	// ErrorDeviceIo is raised when a command/data operation failed
	// after all local retries.
	ErrorDeviceIo
	// ErrorDeviceTimeout is raised when a bounded wait (response, busy,
	// data) hit its limit.
	ErrorDeviceTimeout
	// ErrorDeviceInvalidLowFormat is raised when the card is present but
	// its CSD/EXT_CSD decode was refused.
	ErrorDeviceInvalidLowFormat
	// ErrorDeviceInvalidSize is raised when the card reports an
	// unsupported geometry (device size overflow).
	ErrorDeviceInvalidSize
	// ErrorDeviceInvalidSectorSize is raised when the card reports a
	// block size outside the supported set.
	ErrorDeviceInvalidSectorSize
	// ErrorDeviceInvalidUnit is raised when a unit number lies outside
	// [0, MaxUnits): at open, in a device path, or in a configuration
	// file. The transports have no open step that could reject a unit.
	ErrorDeviceInvalidUnit
	// ErrorDeviceAlreadyOpen is raised when open is requested for a unit
	// that already has a live handle.
	ErrorDeviceAlreadyOpen
	// ErrorBufferUnavailable names an exhausted collaborator buffer pool
	// during bring-up. This core reads the Extended CSD into its own
	// buffer and never raises it.
	ErrorBufferUnavailable
	// ErrorMemoryAllocation is raised when the handle pool is exhausted.
	ErrorMemoryAllocation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorDeviceNotPresent:
		return "device not present"
	case ErrorDeviceNotOpen:
		return "device not open"
	case ErrorDeviceIo:
		return "device I/O error"
	case ErrorDeviceTimeout:
		return "device timeout"
	case ErrorDeviceInvalidLowFormat:
		return "invalid low-level format"
	case ErrorDeviceInvalidSize:
		return "invalid device size"
	case ErrorDeviceInvalidSectorSize:
		return "invalid sector size"
	case ErrorDeviceInvalidUnit:
		return "invalid unit"
	case ErrorDeviceAlreadyOpen:
		return "device already open"
	case ErrorBufferUnavailable:
		return "buffer unavailable"
	case ErrorMemoryAllocation:
		return "memory allocation failed"
	default:
		return "no error"
	}
}

// DeviceError is the concrete error type returned by OpenNative, OpenSPI
// and the Device methods when they fail. It carries the error taxonomy kind alongside the
// underlying cause (often a TransportError) so callers can both branch on
// Kind and unwrap to the root cause.
type DeviceError struct {
	Kind ErrorKind
	Unit int
	// Recoverable distinguishes, for a STOP_TRANSMISSION recovery
	// failure, "card busy and will likely recover" (true) from "card
	// permanently stuck" (false). Only meaningful when Kind is
	// ErrorDeviceIo and raised out of the multi-block tail of a
	// transfer; zero value (false) elsewhere.
	Recoverable bool
	Err         error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sdmmc: unit %d: %s: %v", e.Unit, e.Kind, e.Err)
	}
	return fmt.Sprintf("sdmmc: unit %d: %s", e.Unit, e.Kind)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func newError(unit int, kind ErrorKind, err error) *DeviceError {
	return &DeviceError{Kind: kind, Unit: unit, Err: err}
}

// ErrorObserver receives a notification, keyed by unit, for every
// DeviceError returned by a handle's ReadSectors, WriteSectors or
// IOCtrl(IOCtrlRefresh). Range, buffer-size and closed-handle errors are
// returned without a notification. Installed at Open time via
// OpenOptions.Observer; it
// keeps per-kind instrumentation out of the handle's hot path, per the
// driver's design notes.
type ErrorObserver interface {
	OnError(unit int, kind ErrorKind)
}

// TransportErrorKind classifies the low-level failure reported by a Host
// Transport collaborator, as enumerated in the governing specification's
// external interface section.
type TransportErrorKind int

const (
	TransportNone TransportErrorKind = iota
	TransportNoCard
	TransportBusy
	TransportUnknown
	TransportWaitTimeout
	TransportRespTimeout
	TransportRespCRC
	TransportRespCmdIx
	TransportRespEndBit
	TransportRespOther
	TransportDataUnderrun
	TransportDataOverrun
	TransportDataTimeout
	TransportDataCRC
	TransportDataStartBit
	TransportDataOther
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportNoCard:
		return "no-card"
	case TransportBusy:
		return "busy"
	case TransportWaitTimeout:
		return "wait-timeout"
	case TransportRespTimeout:
		return "resp-timeout"
	case TransportRespCRC:
		return "resp-crc"
	case TransportRespCmdIx:
		return "resp-cmd-ix"
	case TransportRespEndBit:
		return "resp-end-bit"
	case TransportRespOther:
		return "resp-other"
	case TransportDataUnderrun:
		return "data-underrun"
	case TransportDataOverrun:
		return "data-overrun"
	case TransportDataTimeout:
		return "data-timeout"
	case TransportDataCRC:
		return "data-crc"
	case TransportDataStartBit:
		return "data-start-bit"
	case TransportDataOther:
		return "data-other"
	case TransportUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// TransportError is returned by Host Transport collaborator methods.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Kind)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErrorKind(err error) TransportErrorKind {
	var te *TransportError
	if err == nil {
		return TransportNone
	}
	if asTransportError(err, &te) {
		return te.Kind
	}
	return TransportUnknown
}

func asTransportError(err error, target **TransportError) bool {
	for err != nil {
		if te, ok := err.(*TransportError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
