package matching

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// VerifyEngine compares a live capture with one stored record.
type VerifyEngine struct {
	store    TemplateStore
	capturer Capturer
	matcher  Matcher
	logger   *zap.Logger
}

// NewVerifyEngine wires a verify engine.
func NewVerifyEngine(store TemplateStore, capturer Capturer, matcher Matcher, logger *zap.Logger) *VerifyEngine {
	return &VerifyEngine{store: store, capturer: capturer, matcher: matcher, logger: logger.Named("verify_engine")}
}

// Verify looks up key, captures the same finger and scores the pair. The
// store is consulted before the scanner so a missing record never arms it.
// A non-match is a normal outcome.
func (e *VerifyEngine) Verify(ctx context.Context, key fingerprint.Key, params fingerprint.AcquisitionParameters) (*Result, error) {
	record, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, fingerprint.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fingerprint.StoreError("get record", err)
	}
	if record == nil || !record.HasImage() {
		return nil, fmt.Errorf("%w: %s", fingerprint.ErrRecordNotFound, key)
	}
	stored, err := record.Image()
	if err != nil {
		return nil, fmt.Errorf("stored image for %s: %w", key, err)
	}

	live, err := e.capturer.Capture(ctx, params.ForFinger(key.FingerIndex))
	if err != nil {
		return nil, err
	}

	score, err := e.matcher.Score(ctx, stored, live)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", key, err)
	}

	outcome := fingerprint.Outcome{Score: score, Decision: VerifyDecision(score)}
	if outcome.Matched() {
		matched := record.Key
		outcome.MatchedKey = &matched
	}
	e.logger.Info("verification scored",
		zap.String("subject_id", key.SubjectID),
		zap.Int("finger_index", key.FingerIndex),
		zap.String("partition", key.Partition),
		zap.Float64("score", score),
		zap.Stringer("decision", outcome.Decision),
	)
	return &Result{Outcome: outcome, Image: live}, nil
}
