// Package devicetest provides an instrumented HardwareDevice for tests.
package devicetest

import (
	"errors"
	"sync"
	"time"

	"github.com/example/finger-bridge/internal/device"
	"github.com/example/finger-bridge/internal/fingerprint"
)

// Call is one recorded hardware primitive.
type Call struct {
	Name   string
	Params fingerprint.AcquisitionParameters
	At     time.Time
}

// Hardware is a scriptable scanner. Zero value is a connected device that
// never delivers a frame.
type Hardware struct {
	mu sync.Mutex

	Disconnected bool
	OpenErr      error
	StartErr     error
	// Events are delivered in order after Delay once acquisition starts.
	Events []device.FrameEvent
	Delay  time.Duration
	// Sync delivers events inside StartAcquisition.
	Sync bool

	calls    []Call
	stopCh   chan struct{}
	released bool
}

// Frame builds a usable frame event of width×height pixels filled with fill.
func Frame(width, height int, fill byte) device.FrameEvent {
	buf := make([]byte, width*height)
	for i := range buf {
		buf[i] = fill
	}
	return device.FrameEvent{Code: device.CodeOK, Width: width, Height: height, Frame: buf}
}

func (h *Hardware) record(name string, params fingerprint.AcquisitionParameters) {
	h.calls = append(h.calls, Call{Name: name, Params: params, At: time.Now()})
}

// Calls returns a copy of the recorded calls.
func (h *Hardware) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// Names returns the recorded call names in order.
func (h *Hardware) Names() []string {
	calls := h.Calls()
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// Count returns how many times name was called.
func (h *Hardware) Count(name string) int {
	n := 0
	for _, c := range h.Calls() {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Released reports whether Release was called.
func (h *Hardware) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// SetDisconnected changes the probe result.
func (h *Hardware) SetDisconnected(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Disconnected = v
}

func (h *Hardware) ProbeConnected() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("probe", fingerprint.AcquisitionParameters{})
	return !h.Disconnected, nil
}

func (h *Hardware) Open() (device.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("open", fingerprint.AcquisitionParameters{})
	if h.OpenErr != nil {
		return 0, h.OpenErr
	}
	return device.Handle(7), nil
}

func (h *Hardware) Close(device.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("close", fingerprint.AcquisitionParameters{})
	return nil
}

func (h *Hardware) StartAcquisition(_ device.Handle, params fingerprint.AcquisitionParameters, onFrame device.FrameCallback) error {
	h.mu.Lock()
	h.record("start", params)
	if h.StartErr != nil {
		err := h.StartErr
		h.mu.Unlock()
		return err
	}
	if h.stopCh != nil {
		h.mu.Unlock()
		return errors.New("devicetest: overlapping acquisition")
	}
	stop := make(chan struct{})
	h.stopCh = stop
	events := append([]device.FrameEvent(nil), h.Events...)
	delay, inline := h.Delay, h.Sync
	h.mu.Unlock()

	if inline {
		for _, ev := range events {
			onFrame(ev)
		}
		return nil
	}
	go func() {
		if delay > 0 {
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
		}
		for _, ev := range events {
			select {
			case <-stop:
				return
			default:
			}
			onFrame(ev)
		}
	}()
	return nil
}

func (h *Hardware) StopAcquisition(device.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("stop", fingerprint.AcquisitionParameters{})
	if h.stopCh != nil {
		close(h.stopCh)
		h.stopCh = nil
	}
	return nil
}

func (h *Hardware) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.record("release", fingerprint.AcquisitionParameters{})
	return nil
}
