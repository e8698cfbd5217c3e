// Package fingerprint holds the domain model shared by the device session,
// the matching engines and the transports: record keys, still images,
// acquisition parameters and match outcomes.
package fingerprint

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPartition is used when a request omits the population segment.
const DefaultPartition = "prisoner"

// Finger index bounds accepted on input.
const (
	MinFingerIndex = 1
	MaxFingerIndex = 10
)

// AnyFinger asks the device to accept whichever finger is presented.
const AnyFinger = 0

var fingerNames = [...]string{
	"Right Thumb",
	"Right Index",
	"Right Middle",
	"Right Ring",
	"Right Little",
	"Left Thumb",
	"Left Index",
	"Left Middle",
	"Left Ring",
	"Left Little",
}

// FingerName renders a finger index for humans. Out of range values are "Unknown".
func FingerName(index int) string {
	if index < MinFingerIndex || index > MaxFingerIndex {
		return "Unknown"
	}
	return fingerNames[index-1]
}

// ValidFingerIndex reports whether index names one of the ten fingers.
func ValidFingerIndex(index int) bool {
	return index >= MinFingerIndex && index <= MaxFingerIndex
}

// Key is the natural key of a stored finger record.
type Key struct {
	SubjectID   string
	FingerIndex int
	Partition   string
}

// NewKey builds a key, defaulting the partition.
func NewKey(subjectID string, fingerIndex int, partition string) Key {
	partition = strings.TrimSpace(partition)
	if partition == "" {
		partition = DefaultPartition
	}
	return Key{SubjectID: strings.TrimSpace(subjectID), FingerIndex: fingerIndex, Partition: partition}
}

// Validate checks the key can address a record.
func (k Key) Validate() error {
	if k.SubjectID == "" {
		return fmt.Errorf("%w: subject id is required", ErrProtocol)
	}
	if !ValidFingerIndex(k.FingerIndex) {
		return fmt.Errorf("%w: finger index must be between %d and %d", ErrProtocol, MinFingerIndex, MaxFingerIndex)
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.SubjectID, k.FingerIndex, k.Partition)
}

// Record is one stored finger. ImageBMP holds the still image as captured;
// Template is an optional vendor template blob and is opaque here.
type Record struct {
	Key       Key
	ImageBMP  []byte
	Template  []byte
	UpdatedAt time.Time
}

// HasImage reports whether the record carries a still image.
func (r *Record) HasImage() bool {
	return r != nil && len(r.ImageBMP) > 0
}

// Image decodes the stored still image.
func (r *Record) Image() (*Image, error) {
	if !r.HasImage() {
		return nil, fmt.Errorf("record %s has no stored image", r.Key)
	}
	return DecodeBMP(r.ImageBMP)
}

// AcquisitionParameters configure one capture attempt. Values are copied per call.
type AcquisitionParameters struct {
	TargetFinger      int
	Duration          time.Duration
	QualityThreshold  int
	ContrastThreshold int
	FeatureFormat     int
}

// Acquisition defaults used by the original scanner integration.
const (
	DefaultCaptureDuration   = 7 * time.Second
	DefaultQualityThreshold  = 60
	DefaultContrastThreshold = 40
	DefaultFeatureFormat     = 3
)

// DefaultAcquisition returns parameters for target with the standard thresholds.
func DefaultAcquisition(target int) AcquisitionParameters {
	return AcquisitionParameters{
		TargetFinger:      target,
		Duration:          DefaultCaptureDuration,
		QualityThreshold:  DefaultQualityThreshold,
		ContrastThreshold: DefaultContrastThreshold,
		FeatureFormat:     DefaultFeatureFormat,
	}
}

// ForFinger returns a copy of p aimed at target.
func (p AcquisitionParameters) ForFinger(target int) AcquisitionParameters {
	p.TargetFinger = target
	return p
}

// Decision is the result of applying a threshold to a score.
type Decision int

const (
	NoMatch Decision = iota
	Match
)

func (d Decision) String() string {
	if d == Match {
		return "match"
	}
	return "no_match"
}

// Candidate is one scored record from an identify scan.
type Candidate struct {
	Key   Key
	Score float64
}

// Outcome is a derived, never persisted, match decision.
type Outcome struct {
	Score      float64
	MatchedKey *Key
	Decision   Decision
	Candidates []Candidate
}

// Matched reports whether the decision is a match.
func (o Outcome) Matched() bool {
	return o.Decision == Match
}
