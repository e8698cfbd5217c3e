// Package usecase runs bridge operations against the single scanner and
// records what happened.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/device"
	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/logging"
	"github.com/example/finger-bridge/internal/matching"
	"github.com/example/finger-bridge/internal/repository"
)

// Operation names used in audit logs, metrics and cache entries.
const (
	OpCapture  = "capture"
	OpVerify   = "verify"
	OpIdentify = "match"
	OpConnect  = "connect"
)

// OperationRepository defines the audit persistence needed by the use case.
type OperationRepository interface {
	SaveLog(ctx context.Context, log *repository.OperationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.OperationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Device is the scanner session as seen by the use case.
type Device interface {
	matching.Capturer
	Connect() error
	Connected() bool
	State() device.State
}

// Observer receives one call per finished operation.
type Observer interface {
	OperationFinished(operation, result string, elapsed time.Duration)
}

// Options tunes acquisition and bookkeeping.
type Options struct {
	Acquisition    fingerprint.AcquisitionParameters
	OperationGrace time.Duration
	CacheTTL       time.Duration
	TopCandidates  int
}

// DefaultOptions mirrors the scanner defaults.
func DefaultOptions() Options {
	return Options{
		Acquisition:    fingerprint.DefaultAcquisition(fingerprint.AnyFinger),
		OperationGrace: 3 * time.Second,
		CacheTTL:       5 * time.Minute,
		TopCandidates:  5,
	}
}

// CaptureResult is returned by a successful enrolment capture.
type CaptureResult struct {
	RequestID string
	Key       fingerprint.Key
	Image     *fingerprint.Image
}

// MatchResult is returned by verify and identify.
type MatchResult struct {
	RequestID string
	Key       fingerprint.Key
	Outcome   fingerprint.Outcome
	Image     *fingerprint.Image
}

// DeviceStatus reports scanner readiness.
type DeviceStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Busy      bool   `json:"busy"`
	Waiting   int64  `json:"waiting"`
}

// BridgeUseCase funnels every hardware operation through one serializer.
type BridgeUseCase struct {
	device         Device
	serializer     *device.Serializer
	templates      matching.TemplateStore
	logs           OperationRepository
	cache          Cache
	observer       Observer
	capturer       *boundedCapturer
	verifier       *matching.VerifyEngine
	identifier     *matching.IdentifyEngine
	logger         *zap.Logger
	opts           Options
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewBridgeUseCase constructs a new use case instance. cache and observer may be nil.
func NewBridgeUseCase(
	dev Device,
	serializer *device.Serializer,
	templates matching.TemplateStore,
	logs OperationRepository,
	cache Cache,
	matcher matching.Matcher,
	observer Observer,
	logger *zap.Logger,
	opts Options,
) *BridgeUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	logger = logger.Named("bridge_usecase")
	capturer := &boundedCapturer{device: dev, grace: opts.OperationGrace}
	return &BridgeUseCase{
		device:         dev,
		serializer:     serializer,
		templates:      templates,
		logs:           logs,
		cache:          cache,
		observer:       observer,
		capturer:       capturer,
		verifier:       matching.NewVerifyEngine(templates, capturer, matcher, logger),
		identifier:     matching.NewIdentifyEngine(templates, capturer, matcher, logger, opts.TopCandidates),
		logger:         logger,
		opts:           opts,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// boundedCapturer caps each acquisition at its duration plus a grace period
// so a stuck device cannot hold the serializer forever.
type boundedCapturer struct {
	device matching.Capturer
	grace  time.Duration
}

func (b *boundedCapturer) Capture(ctx context.Context, params fingerprint.AcquisitionParameters) (*fingerprint.Image, error) {
	if params.Duration > 0 && b.grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Duration+b.grace)
		defer cancel()
	}
	return b.device.Capture(ctx, params)
}

// Capture acquires one image for key and upserts it into the template store.
func (uc *BridgeUseCase) Capture(ctx context.Context, key fingerprint.Key) (*CaptureResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.capture", requestID).With(zap.Stringer("key", key))
	started := time.Now()

	img, err := device.WithExclusiveDevice(ctx, uc.serializer, func(ctx context.Context) (*fingerprint.Image, error) {
		img, err := uc.capturer.Capture(ctx, uc.opts.Acquisition.ForFinger(key.FingerIndex))
		if err != nil {
			return nil, err
		}
		data, err := img.EncodeBMP()
		if err != nil {
			return nil, fmt.Errorf("encode captured image: %w", err)
		}
		if err := uc.templates.Upsert(ctx, &fingerprint.Record{Key: key, ImageBMP: data}); err != nil {
			return nil, fingerprint.StoreError("save capture", err)
		}
		return img, nil
	})

	entry := &repository.OperationLog{
		RequestID:   requestID,
		Operation:   OpCapture,
		SubjectID:   key.SubjectID,
		FingerIndex: key.FingerIndex,
		Partition:   key.Partition,
		Success:     err == nil,
	}
	if err != nil {
		opLogger.Error("capture failed", zap.Error(err))
		entry.Details = err.Error()
	} else {
		entry.Details = fmt.Sprintf("captured %s %dx%d", fingerprint.FingerName(key.FingerIndex), img.Width, img.Height)
		opLogger.Info("capture stored")
	}
	uc.finish(ctx, entry, started, err)
	if err != nil {
		return nil, err
	}
	return &CaptureResult{RequestID: requestID, Key: key, Image: img}, nil
}

// Verify compares a fresh capture with the record stored under key.
func (uc *BridgeUseCase) Verify(ctx context.Context, key fingerprint.Key) (*MatchResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID).With(zap.Stringer("key", key))
	started := time.Now()

	res, err := device.WithExclusiveDevice(ctx, uc.serializer, func(ctx context.Context) (*matching.Result, error) {
		return uc.verifier.Verify(ctx, key, uc.opts.Acquisition)
	})

	entry := &repository.OperationLog{
		RequestID:   requestID,
		Operation:   OpVerify,
		SubjectID:   key.SubjectID,
		FingerIndex: key.FingerIndex,
		Partition:   key.Partition,
	}
	if err != nil {
		opLogger.Warn("verify failed", zap.Error(err))
		entry.Details = err.Error()
		uc.finish(ctx, entry, started, err)
		return nil, err
	}
	entry.Decision = res.Outcome.Decision.String()
	entry.Score = res.Outcome.Score
	entry.Success = res.Outcome.Matched()
	entry.Details = fmt.Sprintf("verify %s score=%.2f", entry.Decision, res.Outcome.Score)
	opLogger.Info("verify finished", zap.String("decision", entry.Decision), zap.Float64("score", res.Outcome.Score))
	uc.finish(ctx, entry, started, nil)

	return &MatchResult{RequestID: requestID, Key: key, Outcome: res.Outcome, Image: res.Image}, nil
}

// Identify searches every stored record for the best match to a fresh capture.
func (uc *BridgeUseCase) Identify(ctx context.Context) (*MatchResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)
	started := time.Now()

	res, err := device.WithExclusiveDevice(ctx, uc.serializer, func(ctx context.Context) (*matching.Result, error) {
		return uc.identifier.Identify(ctx, uc.opts.Acquisition)
	})

	entry := &repository.OperationLog{RequestID: requestID, Operation: OpIdentify}
	if err != nil {
		opLogger.Warn("identify failed", zap.Error(err))
		entry.Details = err.Error()
		uc.finish(ctx, entry, started, err)
		return nil, err
	}
	entry.Decision = res.Outcome.Decision.String()
	entry.Score = res.Outcome.Score
	entry.Success = res.Outcome.Matched()
	if key := res.Outcome.MatchedKey; key != nil {
		entry.SubjectID = key.SubjectID
		entry.FingerIndex = key.FingerIndex
		entry.Partition = key.Partition
	}
	entry.Details = fmt.Sprintf("identify %s best=%.2f candidates=%d", entry.Decision, res.Outcome.Score, len(res.Outcome.Candidates))
	opLogger.Info("identify finished", zap.String("decision", entry.Decision), zap.Float64("best_score", res.Outcome.Score))
	uc.finish(ctx, entry, started, nil)

	return &MatchResult{RequestID: requestID, Outcome: res.Outcome, Image: res.Image}, nil
}

// Connect re-probes the scanner while holding the device.
func (uc *BridgeUseCase) Connect(ctx context.Context) (DeviceStatus, error) {
	_, err := device.WithExclusiveDevice(ctx, uc.serializer, func(context.Context) (struct{}, error) {
		return struct{}{}, uc.device.Connect()
	})
	if err != nil {
		uc.logger.Warn("device connect failed", zap.Error(err))
	}
	uc.observe(OpConnect, resultLabel(err), 0)
	return uc.DeviceStatus(), err
}

// DeviceStatus reports the scanner state without touching the hardware.
func (uc *BridgeUseCase) DeviceStatus() DeviceStatus {
	return DeviceStatus{
		Connected: uc.device.Connected(),
		State:     uc.device.State().String(),
		Busy:      uc.serializer.Busy(),
		Waiting:   uc.serializer.Waiting(),
	}
}

// GetImage returns the stored record for key without touching the hardware.
func (uc *BridgeUseCase) GetImage(ctx context.Context, key fingerprint.Key) (*fingerprint.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	record, err := uc.templates.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil || !record.HasImage() {
		return nil, fingerprint.ErrRecordNotFound
	}
	return record, nil
}

// GetResult retrieves a cached operation outcome or loads it from persistence.
func (uc *BridgeUseCase) GetResult(ctx context.Context, requestID string) (*repository.OperationLog, error) {
	cacheKey := operationCacheKey(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedOperation
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return payload.toLog(), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.logs.FindByRequestID(ctx, requestID)
}

// finish persists and caches the audit entry. Bookkeeping failures are
// logged and never change the operation's own result.
func (uc *BridgeUseCase) finish(ctx context.Context, entry *repository.OperationLog, started time.Time, opErr error) {
	elapsed := time.Since(started)
	entry.DurationMs = elapsed.Milliseconds()
	entry.CreatedAt = time.Now().UTC()
	opLogger := logging.WithOperation(uc.logger, "usecase.audit", entry.RequestID)

	result := entry.Decision
	if opErr != nil || result == "" {
		result = resultLabel(opErr)
	}
	uc.observe(entry.Operation, result, elapsed)

	ctx = context.WithoutCancel(ctx)
	if err := uc.logs.SaveLog(ctx, entry); err != nil {
		opLogger.Error("failed to persist operation log", zap.Error(err))
	}

	serialized, err := json.Marshal(newCachedOperation(entry))
	if err != nil {
		opLogger.Error("failed to serialize operation result", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, entry.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, operationCacheKey(entry.RequestID), string(serialized), uc.opts.CacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache operation result", zap.Error(err))
	}
}

func (uc *BridgeUseCase) observe(operation, result string, elapsed time.Duration) {
	if uc.observer != nil {
		uc.observer.OperationFinished(operation, result, elapsed)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, fingerprint.ErrDeviceBusy):
		return "busy"
	case errors.Is(err, fingerprint.ErrCaptureTimeout):
		return "timeout"
	case errors.Is(err, fingerprint.ErrRecordNotFound):
		return "not_found"
	default:
		return "error"
	}
}
