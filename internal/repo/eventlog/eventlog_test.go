package eventlog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/inventory-server/internal/domain/inventory"
	"github.com/retailgrid/inventory-server/internal/infrastructure/fsjson"
)

func testFiles() *fsjson.Files {
	return fsjson.New(nil, fsjson.RetryPolicy{Times: 1}, nil)
}

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	l, err := Open(context.Background(), nil, testFiles(), path, nil)
	require.NoError(t, err)
	return l
}

func testEvent(id string, t0 time.Time) *inventory.Event {
	return &inventory.Event{
		ID:        id,
		Type:      inventory.EventStockAdjusted,
		Timestamp: t0,
		Payload: inventory.EventPayload{
			StoreID:         "store-1",
			SKU:             "sku-" + id,
			Delta:           5,
			PreviousQty:     0,
			NewQty:          5,
			PreviousVersion: 1,
			NewVersion:      2,
		},
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))

	events, err := l.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), l.LastSequence())

	lastID, err := l.GetLastID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", lastID)
}

func TestAppendAssignsMonotoneSequence(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(context.Background(), testEvent(fmt.Sprintf("ev-%d", i), now)))
	}

	events, err := l.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Equal(t, int64(5), l.LastSequence())

	lastID, err := l.GetLastID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ev-5", lastID)
}

func TestAppendDuplicateIDIsNoOp(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))
	now := time.Now().UTC()

	ev := testEvent("ev-1", now)
	require.NoError(t, l.Append(context.Background(), ev))
	require.NoError(t, l.Append(context.Background(), ev))

	events, err := l.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(1), l.LastSequence())
}

func TestAppendDoesNotMutateCaller(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))

	ev := testEvent("ev-1", time.Now().UTC())
	require.NoError(t, l.Append(context.Background(), ev))
	assert.Equal(t, int64(0), ev.Sequence, "sequence is assigned on the stored copy")
}

func TestLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event-log.json")
	now := time.Now().UTC().Truncate(time.Millisecond)

	l := openTestLog(t, path)
	require.NoError(t, l.Append(context.Background(), testEvent("ev-1", now)))
	require.NoError(t, l.Append(context.Background(), testEvent("ev-2", now)))

	reopened := openTestLog(t, path)
	events, err := reopened.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), reopened.LastSequence())
	assert.Equal(t, "ev-1", events[0].ID)
	assert.True(t, events[0].Timestamp.Equal(now))

	// Duplicate detection survives the reload too.
	require.NoError(t, reopened.Append(context.Background(), testEvent("ev-2", now)))
	assert.Equal(t, int64(2), reopened.LastSequence())
}

func TestGetByType(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))
	now := time.Now().UTC()

	adjusted := testEvent("ev-1", now)
	reserved := testEvent("ev-2", now)
	reserved.Type = inventory.EventStockReserved
	require.NoError(t, l.Append(context.Background(), adjusted))
	require.NoError(t, l.Append(context.Background(), reserved))

	got, err := l.GetByType(context.Background(), inventory.EventStockReserved)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-2", got[0].ID)
}

func TestGetByTimeRangeIsInclusive(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Append(context.Background(), testEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := l.GetByTimeRange(context.Background(), base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].ID)
	assert.Equal(t, "ev-2", got[1].ID)
}

func TestGetSinceIsStrict(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Append(context.Background(), testEvent(fmt.Sprintf("ev-%d", i), now)))
	}

	got, err := l.GetSince(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Sequence)

	got, err = l.GetSince(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadsReturnCopies(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "event-log.json"))
	require.NoError(t, l.Append(context.Background(), testEvent("ev-1", time.Now().UTC())))

	first, err := l.GetAll(context.Background())
	require.NoError(t, err)
	first[0].Payload.NewQty = 999

	second, err := l.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), second[0].Payload.NewQty)
}
