// Package device owns the single fingerprint scanner. Session turns one
// callback driven acquisition into one still image; Serializer makes sure
// only one operation drives the hardware at any instant.
package device

import (
	"errors"
	"fmt"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// Handle identifies an opened scanner.
type Handle uintptr

// Vendor status codes the session interprets.
const (
	CodeOK            = 0
	CodeSDKInitDone   = -115
	CodeDeviceOpened  = -117
	CodeDeviceNotFind = -100
	CodeBeginFail     = -110
	CodeImageTimeout  = -113
)

// FrameEvent is one callback from the acquisition loop. Code 0 with a non
// empty buffer carries a frame; other events are status notifications.
type FrameEvent struct {
	Code   int
	Width  int
	Height int
	Frame  []byte
}

// Usable reports whether the event carries an image.
func (e FrameEvent) Usable() bool {
	return e.Code == CodeOK && len(e.Frame) > 0
}

// FrameCallback receives frame events, possibly on a vendor owned thread.
type FrameCallback func(FrameEvent)

// HardwareDevice is the vendor SDK surface the session drives.
type HardwareDevice interface {
	ProbeConnected() (bool, error)
	Open() (Handle, error)
	Close(h Handle) error
	StartAcquisition(h Handle, params fingerprint.AcquisitionParameters, onFrame FrameCallback) error
	StopAcquisition(h Handle) error
}

// Releaser is implemented by drivers holding process wide SDK state.
type Releaser interface {
	Release() error
}

// CodeOf extracts a vendor code from a driver error, or fallback.
func CodeOf(err error, fallback int) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return fallback
}

// StatusError is the error drivers return for non zero vendor codes.
type StatusError struct {
	Call string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Call, e.Code)
}
