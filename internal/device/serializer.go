package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// Serializer admits one hardware operation at a time. Waiters block for at
// most wait (zero means until ctx ends) and then fail with ErrDeviceBusy.
type Serializer struct {
	slot    chan struct{}
	wait    time.Duration
	logger  *zap.Logger
	waiting atomic.Int64
}

// NewSerializer builds a serializer with the given bounded wait.
func NewSerializer(wait time.Duration, logger *zap.Logger) *Serializer {
	return &Serializer{
		slot:   make(chan struct{}, 1),
		wait:   wait,
		logger: logger.Named("device_serializer"),
	}
}

// Busy reports whether an operation currently holds the device.
func (s *Serializer) Busy() bool {
	return len(s.slot) > 0
}

// Waiting returns the number of callers queued for the device.
func (s *Serializer) Waiting() int64 {
	return s.waiting.Load()
}

// Acquire takes the exclusive right to drive the hardware. The returned
// release func is idempotent.
func (s *Serializer) Acquire(ctx context.Context) (func(), error) {
	s.waiting.Add(1)
	defer s.waiting.Add(-1)

	var timeout <-chan time.Time
	if s.wait > 0 {
		timer := time.NewTimer(s.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.slot <- struct{}{}:
	case <-timeout:
		s.logger.Warn("device lock wait expired", zap.Duration("wait", s.wait))
		return nil, fmt.Errorf("%w: scanner still in use after %s", fingerprint.ErrDeviceBusy, s.wait)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", fingerprint.ErrDeviceBusy, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-s.slot })
	}, nil
}

// WithExclusiveDevice runs op while holding the device. The lock is released
// when op returns, fails or panics.
func WithExclusiveDevice[T any](ctx context.Context, s *Serializer, op func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := s.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()
	return op(ctx)
}
