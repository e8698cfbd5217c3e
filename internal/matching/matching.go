// Package matching implements one-to-one verification and one-to-many
// identification over a captured still image.
package matching

import (
	"context"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// Decision thresholds. Verify accepts a score equal to the threshold,
// identify requires a score strictly above it.
const (
	VerifyThreshold   = 40.0
	IdentifyThreshold = 40.0
)

// Matcher scores two still images; higher is more similar.
type Matcher interface {
	Score(ctx context.Context, a, b *fingerprint.Image) (float64, error)
}

// TemplateStore is the persistence surface the engines need.
type TemplateStore interface {
	Get(ctx context.Context, key fingerprint.Key) (*fingerprint.Record, error)
	ListAllWithImage(ctx context.Context) ([]fingerprint.Record, error)
	Upsert(ctx context.Context, record *fingerprint.Record) error
}

// Capturer produces one still image from the scanner.
type Capturer interface {
	Capture(ctx context.Context, params fingerprint.AcquisitionParameters) (*fingerprint.Image, error)
}

// VerifyDecision applies the inclusive verify threshold.
func VerifyDecision(score float64) fingerprint.Decision {
	if score >= VerifyThreshold {
		return fingerprint.Match
	}
	return fingerprint.NoMatch
}

// IdentifyDecision applies the exclusive identify threshold.
func IdentifyDecision(score float64) fingerprint.Decision {
	if score > IdentifyThreshold {
		return fingerprint.Match
	}
	return fingerprint.NoMatch
}

// Result pairs an outcome with the image it was computed from.
type Result struct {
	Outcome fingerprint.Outcome
	Image   *fingerprint.Image
}
