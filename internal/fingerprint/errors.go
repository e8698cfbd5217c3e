package fingerprint

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks malformed or unknown commands.
	ErrProtocol = errors.New("protocol error")
	// ErrDeviceNotConnected is returned when no scanner is attached or open.
	ErrDeviceNotConnected = errors.New("fingerprint device not connected")
	// ErrAcquisitionStartFailed is returned when the hardware rejects a start call.
	ErrAcquisitionStartFailed = errors.New("failed to start acquisition")
	// ErrCaptureTimeout is returned when no usable frame arrives in time.
	ErrCaptureTimeout = errors.New("capture timed out")
	// ErrDeviceBusy is returned when the exclusive device lock cannot be taken in time.
	ErrDeviceBusy = errors.New("device busy")
	// ErrRecordNotFound is returned when a verify target has no stored image.
	ErrRecordNotFound = errors.New("no stored fingerprint found")
	// ErrStore marks persistence failures.
	ErrStore = errors.New("store error")
)

// HardwareError carries a vendor status code from a device primitive.
type HardwareError struct {
	Op   string
	Code int
	Err  error
}

func (e *HardwareError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v (code %d)", e.Op, e.Err, e.Code)
}

// Unwrap exposes the taxonomy sentinel.
func (e *HardwareError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StoreError wraps a persistence failure so callers can match ErrStore.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}
