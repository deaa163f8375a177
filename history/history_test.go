package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	iface "TrafficDetServer/interface"
	"TrafficDetServer/processor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(id string, status processor.Status, finished time.Time) processor.Snapshot {
	started := finished.Add(-time.Minute)
	counts := iface.NewCounts()
	counts[iface.Car] = 5
	counts[iface.Person] = 2
	return processor.Snapshot{
		SessionID:        id,
		Status:           status,
		Filename:         id + ".mp4",
		Message:          "Processing completed!",
		TotalFrames:      10,
		CurrentFrame:     10,
		DetectedVehicles: 7,
		CumulativeTotal:  7,
		CumulativeCounts: counts,
		OutputFile:       "processed_" + id + ".mp4",
		StartedAt:        &started,
		FinishedAt:       &finished,
	}
}

func TestSaveAndList(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SessionFinished(ctx, snapshot("older", processor.StatusCompleted, base.Add(-time.Hour))))
	require.NoError(t, s.SessionFinished(ctx, snapshot("newer", processor.StatusFailed, base)))

	records, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "newer", records[0].ID)
	assert.Equal(t, "older", records[1].ID)

	r := records[1]
	assert.Equal(t, processor.StatusCompleted, r.Status)
	assert.Equal(t, "older.mp4", r.Filename)
	assert.Equal(t, 10, r.ProcessedFrames)
	assert.Equal(t, 7, r.CumulativeTotal)
	assert.Equal(t, 5, r.CumulativeCounts[iface.Car])
	assert.Equal(t, 0, r.CumulativeCounts[iface.Truck])
	assert.True(t, r.FinishedAt.Equal(base.Add(-time.Hour)))
}

func TestSaveReplacesSameID(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SessionFinished(ctx, snapshot("a", processor.StatusFailed, now)))
	require.NoError(t, s.SessionFinished(ctx, snapshot("a", processor.StatusCompleted, now)))

	records, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, processor.StatusCompleted, records[0].Status)
}

func TestListLimit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, RecordFromSnapshot(snapshot(id, processor.StatusCompleted, now.Add(time.Duration(i)*time.Second)))))
	}
	records, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].ID)
}

func TestEmptyList(t *testing.T) {
	records, err := openTemp(t).List(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}
