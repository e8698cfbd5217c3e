package matching

import (
	"context"

	"github.com/emirpasic/gods/trees/binaryheap"
	"go.uber.org/zap"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// IdentifyEngine searches every stored record for the best match.
type IdentifyEngine struct {
	store    TemplateStore
	capturer Capturer
	matcher  Matcher
	logger   *zap.Logger
	topN     int
}

// NewIdentifyEngine wires an identify engine reporting up to topN candidates.
func NewIdentifyEngine(store TemplateStore, capturer Capturer, matcher Matcher, logger *zap.Logger, topN int) *IdentifyEngine {
	return &IdentifyEngine{store: store, capturer: capturer, matcher: matcher, logger: logger.Named("identify_engine"), topN: topN}
}

// Identify captures any finger and scans the store in its natural order.
// The running best is only replaced by a strictly greater score, so the
// first record holding the maximum wins ties. Records that cannot be scored
// are logged and skipped.
func (e *IdentifyEngine) Identify(ctx context.Context, params fingerprint.AcquisitionParameters) (*Result, error) {
	live, err := e.capturer.Capture(ctx, params.ForFinger(fingerprint.AnyFinger))
	if err != nil {
		return nil, err
	}

	records, err := e.store.ListAllWithImage(ctx)
	if err != nil {
		return nil, fingerprint.StoreError("list records", err)
	}

	var (
		bestScore float64
		bestKey   *fingerprint.Key
		skipped   int
	)
	ranking := newCandidateRanking(e.topN)
	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := &records[i]
		if !record.HasImage() {
			continue
		}
		score, err := e.score(ctx, live, record)
		if err != nil {
			skipped++
			e.logger.Warn("skipping record during identify",
				zap.String("subject_id", record.Key.SubjectID),
				zap.Int("finger_index", record.Key.FingerIndex),
				zap.String("partition", record.Key.Partition),
				zap.Error(err),
			)
			continue
		}
		ranking.offer(i, record.Key, score)
		if score > bestScore {
			bestScore = score
			key := record.Key
			bestKey = &key
		}
	}

	outcome := fingerprint.Outcome{Score: bestScore, Decision: fingerprint.NoMatch, Candidates: ranking.ranked()}
	if bestKey != nil && IdentifyDecision(bestScore) == fingerprint.Match {
		outcome.Decision = fingerprint.Match
		outcome.MatchedKey = bestKey
	}
	e.logger.Info("identification finished",
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
		zap.Float64("best_score", bestScore),
		zap.Stringer("decision", outcome.Decision),
	)
	return &Result{Outcome: outcome, Image: live}, nil
}

func (e *IdentifyEngine) score(ctx context.Context, live *fingerprint.Image, record *fingerprint.Record) (float64, error) {
	stored, err := record.Image()
	if err != nil {
		return 0, err
	}
	return e.matcher.Score(ctx, live, stored)
}

type rankedCandidate struct {
	seq       int
	candidate fingerprint.Candidate
}

// candidateRanking keeps the n best candidates in a min-heap whose root is
// the weakest entry: lowest score, and among equal scores the latest seen.
type candidateRanking struct {
	limit int
	heap  *binaryheap.Heap
}

func newCandidateRanking(limit int) *candidateRanking {
	return &candidateRanking{
		limit: limit,
		heap: binaryheap.NewWith(func(a, b interface{}) int {
			ca, cb := a.(rankedCandidate), b.(rankedCandidate)
			switch {
			case ca.candidate.Score < cb.candidate.Score:
				return -1
			case ca.candidate.Score > cb.candidate.Score:
				return 1
			case ca.seq > cb.seq:
				return -1
			case ca.seq < cb.seq:
				return 1
			default:
				return 0
			}
		}),
	}
}

func (r *candidateRanking) offer(seq int, key fingerprint.Key, score float64) {
	if r.limit <= 0 {
		return
	}
	r.heap.Push(rankedCandidate{seq: seq, candidate: fingerprint.Candidate{Key: key, Score: score}})
	if r.heap.Size() > r.limit {
		r.heap.Pop()
	}
}

// ranked drains the heap best first.
func (r *candidateRanking) ranked() []fingerprint.Candidate {
	n := r.heap.Size()
	if n == 0 {
		return nil
	}
	out := make([]fingerprint.Candidate, n)
	for i := n - 1; i >= 0; i-- {
		v, _ := r.heap.Pop()
		out[i] = v.(rankedCandidate).candidate
	}
	return out
}
