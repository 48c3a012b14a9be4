package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/gridscope/pkg/model"
)

func testStore(t *testing.T) *RedisStore {
	mr := miniredis.RunT(t)

	cfg := Config{
		Redis:             RedisConfig{Endpoint: mr.Addr()},
		TTL:               time.Hour,
		TimelineLimit:     5,
		RecentEventsLimit: 3,
	}

	s := NewRedisStore(cfg, log.NewNopLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testKey = ObjectKey{CollectorID: "c1", CameraID: "cam1", ObjectID: "objA"}

func TestObjectStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st, err := s.GetObjectState(ctx, testKey)
	require.NoError(t, err)
	require.Nil(t, st)

	want := &model.ObjectState{
		CollectorID:   "c1",
		CameraID:      "cam1",
		ObjectID:      "objA",
		CurrentCell:   "G_05_08",
		EnterTsMs:     1000,
		LastSeenTsMs:  1500,
		AccumulatedMs: 0,
	}
	require.NoError(t, s.SetObjectState(ctx, testKey, want))

	got, err := s.GetObjectState(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, want, got)

	require.NoError(t, s.DeleteObjectState(ctx, testKey))
	got, err = s.GetObjectState(ctx, testKey)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListObjectStatesAndStreams(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := ObjectKey{CollectorID: "c1", CameraID: "cam1", ObjectID: fmt.Sprintf("obj%d", i)}
		require.NoError(t, s.SetObjectState(ctx, key, &model.ObjectState{
			CollectorID: key.CollectorID, CameraID: key.CameraID, ObjectID: key.ObjectID,
			CurrentCell: "G_00_00", EnterTsMs: 1000, LastSeenTsMs: 1000,
		}))
	}
	otherKey := ObjectKey{CollectorID: "c2", CameraID: "cam9", ObjectID: "objX"}
	require.NoError(t, s.SetObjectState(ctx, otherKey, &model.ObjectState{
		CollectorID: "c2", CameraID: "cam9", ObjectID: "objX", LastSeenTsMs: 1000,
	}))

	states, err := s.ListObjectStates(ctx, "c1", "cam1")
	require.NoError(t, err)
	require.Len(t, states, 3)

	streams, err := s.Streams(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []StreamKey{
		{CollectorID: "c1", CameraID: "cam1"},
		{CollectorID: "c2", CameraID: "cam9"},
	}, streams)
}

func TestContributionsAccumulate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cell := CellKey{CollectorID: "c1", CameraID: "cam1", CellID: "G_05_08"}

	// repeated distinct calls accumulate per object
	require.NoError(t, s.AddContribution(ctx, cell, "objA", 1500))
	require.NoError(t, s.AddContribution(ctx, cell, "objA", 500))
	require.NoError(t, s.AddContribution(ctx, cell, "objB", 300))

	contributions, err := s.Contributions(ctx, cell)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"objA": 2000, "objB": 300}, contributions)

	agg, err := s.GetAggregate(ctx, cell)
	require.NoError(t, err)
	require.Equal(t, int64(2300), agg.TotalDwellMs)
	require.Equal(t, 2, agg.ObjectCount)
	require.Equal(t, int64(2000), agg.MaxDwellMs)
	require.Equal(t, int64(300), agg.MinDwellMs)

	// remove deletes the object's entire contribution
	require.NoError(t, s.RemoveContribution(ctx, cell, "objA"))
	contributions, err = s.Contributions(ctx, cell)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"objB": 300}, contributions)
}

func TestListAggregatesSkipsEmptiedCells(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := CellKey{CollectorID: "c1", CameraID: "cam1", CellID: "G_01_01"}
	b := CellKey{CollectorID: "c1", CameraID: "cam1", CellID: "G_02_02"}
	require.NoError(t, s.AddContribution(ctx, a, "objA", 100))
	require.NoError(t, s.AddContribution(ctx, b, "objA", 200))
	require.NoError(t, s.RemoveContribution(ctx, a, "objA"))

	aggs, err := s.ListAggregates(ctx, "c1", "cam1")
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	require.Equal(t, "G_02_02", aggs[0].GridCellID)
}

func TestTimelineNewestFirstAndBounded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// push 7 entries into a timeline capped at 5
	for i := 0; i < 7; i++ {
		require.NoError(t, s.PrependTimeline(ctx, testKey, model.TimelineEntry{
			Type:     model.EntryEnter,
			CellID:   "G_00_00",
			FromTsMs: int64(1000 + i),
		}))
	}

	entries, err := s.ReadTimeline(ctx, testKey, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// newest first, oldest discarded
	require.Equal(t, int64(1006), entries[0].FromTsMs)
	require.Equal(t, int64(1002), entries[4].FromTsMs)

	entries, err = s.ReadTimeline(ctx, testKey, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestRecentEventsBounded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.PushRecentEvent(ctx, model.RecentEvent{
			Type: model.EventEnter, ObjectID: "objA", GridCellID: "G_00_00", TsMs: int64(i),
		}))
	}

	events, err := s.RecentEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3) // capacity
	require.Equal(t, int64(4), events[0].TsMs)
}

func TestAtomicAllOrNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cell := CellKey{CollectorID: "c1", CameraID: "cam1", CellID: "G_05_08"}

	err := s.Atomic(ctx, func(tx Writes) error {
		tx.SetObjectState(testKey, &model.ObjectState{
			CollectorID: "c1", CameraID: "cam1", ObjectID: "objA",
			CurrentCell: "G_05_08", EnterTsMs: 1000, LastSeenTsMs: 1000,
		})
		tx.AddContribution(cell, "objA", 1500)
		tx.PrependTimeline(testKey, model.TimelineEntry{Type: model.EntryEnter, CellID: "G_05_08", FromTsMs: 1000})
		return nil
	})
	require.NoError(t, err)

	st, err := s.GetObjectState(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, st)
	contributions, err := s.Contributions(ctx, cell)
	require.NoError(t, err)
	require.Equal(t, int64(1500), contributions["objA"])

	// a failing callback must leave the store untouched
	err = s.Atomic(ctx, func(tx Writes) error {
		tx.AddContribution(cell, "objA", 9999)
		return fmt.Errorf("operator aborted")
	})
	require.Error(t, err)

	contributions, err = s.Contributions(ctx, cell)
	require.NoError(t, err)
	require.Equal(t, int64(1500), contributions["objA"])
}

func TestWritesRefreshTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := Config{
		Redis:             RedisConfig{Endpoint: mr.Addr()},
		TTL:               time.Hour,
		TimelineLimit:     5,
		RecentEventsLimit: 3,
	}
	s := NewRedisStore(cfg, log.NewNopLogger())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.SetObjectState(ctx, testKey, &model.ObjectState{
		CollectorID: "c1", CameraID: "cam1", ObjectID: "objA", LastSeenTsMs: 1000,
	}))

	require.Greater(t, mr.TTL(stateKey(testKey)), time.Duration(0))

	// entry survives as long as writes keep arriving
	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.SetObjectState(ctx, testKey, &model.ObjectState{
		CollectorID: "c1", CameraID: "cam1", ObjectID: "objA", LastSeenTsMs: 2000,
	}))
	mr.FastForward(45 * time.Minute)

	st, err := s.GetObjectState(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, st)

	// and expires once writes stop
	mr.FastForward(2 * time.Hour)
	st, err = s.GetObjectState(ctx, testKey)
	require.NoError(t, err)
	require.Nil(t, st)
}
