package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/repository"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "finger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestUpsertIsIdempotentPerKey(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	key := fingerprint.NewKey("P-1", 2, "")

	require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: key, ImageBMP: []byte("first")}))
	require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: key, ImageBMP: []byte("second")}))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got.ImageBMP)
	assert.Equal(t, key, got.Key)

	all, err := store.ListAllWithImage(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte("second"), all[0].ImageBMP)
}

func TestPartitionSeparatesRecords(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: fingerprint.NewKey("P-1", 2, "prisoner"), ImageBMP: []byte("a")}))
	require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: fingerprint.NewKey("P-1", 2, "suspect"), ImageBMP: []byte("b")}))

	got, err := store.Get(ctx, fingerprint.NewKey("P-1", 2, "suspect"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.ImageBMP)

	_, err = store.Get(ctx, fingerprint.NewKey("P-1", 3, "suspect"))
	assert.True(t, errors.Is(err, fingerprint.ErrRecordNotFound))
}

func TestListAllWithImageKeepsInsertionOrder(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	keys := []fingerprint.Key{
		fingerprint.NewKey("C", 1, ""),
		fingerprint.NewKey("A", 1, ""),
		fingerprint.NewKey("B", 1, ""),
	}
	for _, key := range keys {
		require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: key, ImageBMP: []byte(key.SubjectID)}))
	}
	require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: fingerprint.NewKey("empty", 1, "")}))
	// Overwriting keeps the original position.
	require.NoError(t, store.Upsert(ctx, &fingerprint.Record{Key: keys[0], ImageBMP: []byte("C2")}))

	all, err := store.ListAllWithImage(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C", all[0].Key.SubjectID)
	assert.Equal(t, "A", all[1].Key.SubjectID)
	assert.Equal(t, "B", all[2].Key.SubjectID)
}

func TestUpsertRejectsInvalidKey(t *testing.T) {
	store := openTempStore(t)
	err := store.Upsert(context.Background(), &fingerprint.Record{Key: fingerprint.NewKey("P", 11, "")})
	assert.True(t, errors.Is(err, fingerprint.ErrProtocol))
}

func TestOperationLogs(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLog(ctx, &repository.OperationLog{
		RequestID: "req-1", Operation: "verify", SubjectID: "P-1", FingerIndex: 2,
		Partition: "prisoner", Decision: "match", Score: 60, Success: true, DurationMs: 100,
	}))
	require.NoError(t, store.SaveLog(ctx, &repository.OperationLog{
		RequestID: "req-2", Operation: "match", Decision: "no_match", Score: 20, Success: false, DurationMs: 300,
	}))

	log, err := store.FindByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "verify", log.Operation)
	assert.Equal(t, "prisoner", log.Partition)
	assert.True(t, log.Success)
	assert.False(t, log.CreatedAt.IsZero())

	_, err = store.FindByRequestID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrLogNotFound)

	agg, err := store.AggregateMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalCount)
	assert.Equal(t, int64(1), agg.SuccessCount)
	assert.InDelta(t, 40.0, agg.AverageScore, 0.001)
	assert.InDelta(t, 200.0, agg.AverageProcessingLatencyMs, 0.001)
}

func TestAggregateMetricsEmpty(t *testing.T) {
	store := openTempStore(t)
	agg, err := store.AggregateMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, agg.TotalCount)
	assert.Zero(t, agg.AverageScore)
}

func TestCancelledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Get(ctx, fingerprint.NewKey("P", 1, ""))
	assert.ErrorIs(t, err, context.Canceled)
}
