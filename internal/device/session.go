package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// State is the acquisition state of the session.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateStreaming
	StateCompleted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var errClosed = errors.New("session closed")

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithTransitionHook registers fn to observe every state change.
func WithTransitionHook(fn func(from, to State)) SessionOption {
	return func(s *Session) { s.onTransition = fn }
}

// Session owns the hardware handle. Callers must serialise Capture through a
// Serializer; a second concurrent Capture is rejected rather than queued.
type Session struct {
	hw           HardwareDevice
	logger       *zap.Logger
	onTransition func(from, to State)

	state atomic.Int32

	mu      sync.Mutex
	handle  Handle
	opened  bool
	current *acquisition
}

type acquisition struct {
	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

func (a *acquisition) cancel() {
	a.abortOnce.Do(func() { close(a.abort) })
}

// NewSession wraps a hardware driver. The device is not opened until Connect
// or the first Capture.
func NewSession(hw HardwareDevice, logger *zap.Logger, opts ...SessionOption) *Session {
	s := &Session{hw: hw, logger: logger.Named("device_session")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current acquisition state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the handle is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Connect re-probes the scanner and opens it if needed.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Session) connectLocked() error {
	present, err := s.hw.ProbeConnected()
	if err != nil {
		return &fingerprint.HardwareError{Op: "probe device", Code: CodeOf(err, CodeDeviceNotFind), Err: fingerprint.ErrDeviceNotConnected}
	}
	if !present {
		if s.opened {
			s.logger.Warn("scanner disappeared, dropping handle")
			_ = s.hw.Close(s.handle)
			s.opened = false
		}
		return fingerprint.ErrDeviceNotConnected
	}
	if s.opened {
		return nil
	}
	h, err := s.hw.Open()
	if err != nil {
		code := CodeOf(err, CodeDeviceNotFind)
		s.logger.Error("failed to open scanner", zap.Int("code", code), zap.Error(err))
		return &fingerprint.HardwareError{Op: "open device", Code: code, Err: fingerprint.ErrDeviceNotConnected}
	}
	s.handle = h
	s.opened = true
	s.logger.Info("scanner connected")
	return nil
}

func (s *Session) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to && s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// Capture runs one acquisition and returns the first usable frame. Exactly
// one stop call follows a successful start, whether a frame arrived, the
// duration elapsed or ctx ended.
func (s *Session) Capture(ctx context.Context, params fingerprint.AcquisitionParameters) (*fingerprint.Image, error) {
	if params.Duration <= 0 {
		params.Duration = fingerprint.DefaultCaptureDuration
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: acquisition already in progress", fingerprint.ErrDeviceBusy)
	}
	if !s.opened {
		if err := s.connectLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	h := s.handle
	acq := &acquisition{abort: make(chan struct{}), done: make(chan struct{})}
	s.current = acq
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		close(acq.done)
	}()

	frames := make(chan *fingerprint.Image, 1)
	var accepted atomic.Bool
	onFrame := func(ev FrameEvent) {
		if s.state.CompareAndSwap(int32(StateArmed), int32(StateStreaming)) && s.onTransition != nil {
			s.onTransition(StateArmed, StateStreaming)
		}
		if !ev.Usable() || accepted.Load() {
			return
		}
		img, err := fingerprint.NewImage(ev.Width, ev.Height, ev.Frame)
		if err != nil {
			s.logger.Warn("discarding malformed frame", zap.Error(err))
			return
		}
		if accepted.CompareAndSwap(false, true) {
			frames <- img
		}
	}

	log := s.logger.With(zap.Int("target_finger", params.TargetFinger), zap.Duration("duration", params.Duration))
	s.transition(StateArmed)
	if err := s.hw.StartAcquisition(h, params, onFrame); err != nil {
		s.transition(StateIdle)
		code := CodeOf(err, CodeBeginFail)
		log.Error("start acquisition rejected", zap.Int("code", code), zap.Error(err))
		return nil, &fingerprint.HardwareError{Op: "start acquisition", Code: code, Err: fingerprint.ErrAcquisitionStartFailed}
	}
	log.Debug("acquisition armed")

	timer := time.NewTimer(params.Duration)
	defer timer.Stop()

	var (
		img      *fingerprint.Image
		abortErr error
	)
	select {
	case img = <-frames:
	case <-timer.C:
	case <-ctx.Done():
		abortErr = ctx.Err()
		log.Warn("operation deadline reached during acquisition", zap.Error(abortErr))
	case <-acq.abort:
		abortErr = errClosed
		log.Warn("acquisition aborted by shutdown")
	}

	if err := s.hw.StopAcquisition(h); err != nil {
		log.Warn("stop acquisition failed", zap.Error(err))
	}
	if img == nil {
		select {
		case img = <-frames:
		default:
		}
	}

	if img == nil {
		s.transition(StateTimedOut)
		s.transition(StateIdle)
		if abortErr != nil {
			return nil, fmt.Errorf("%w: acquisition aborted: %v", fingerprint.ErrCaptureTimeout, abortErr)
		}
		return nil, fmt.Errorf("%w: no fingerprint within %s", fingerprint.ErrCaptureTimeout, params.Duration)
	}
	s.transition(StateCompleted)
	s.transition(StateIdle)
	log.Info("frame captured", zap.Int("width", img.Width), zap.Int("height", img.Height))
	return img, nil
}

// Close stops a running acquisition, closes the handle and releases SDK
// globals. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	acq := s.current
	s.mu.Unlock()
	if acq != nil {
		acq.cancel()
		<-acq.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.opened {
		err = s.hw.Close(s.handle)
		s.opened = false
		s.logger.Info("scanner closed")
	}
	if r, ok := s.hw.(Releaser); ok {
		if rerr := r.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
