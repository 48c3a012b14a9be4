package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/model"
)

func testConfig() Config {
	return Config{
		DwellTimeout:      30 * time.Second,
		DedupWindow:       1000,
		MoveEventInterval: 0,
		SweepInterval:     5 * time.Second,
	}
}

func testProcessor(t *testing.T, cfg Config) (*Processor, *store.RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	st := store.NewRedisStore(store.Config{
		Redis:             store.RedisConfig{Endpoint: mr.Addr()},
		TTL:               time.Hour,
		TimelineLimit:     100,
		RecentEventsLimit: 100,
	}, log.NewNopLogger())
	t.Cleanup(func() { _ = st.Close() })

	proc, err := NewProcessor(cfg, st, log.NewNopLogger(), newEnginePrometheus(prometheus.NewRegistry()), &Stats{})
	require.NoError(t, err)
	return proc, st, mr
}

func testObservation(object, cell string, ts int64) model.Observation {
	return model.Observation{
		EventID:     model.EventID("c1", "cam1", ts, object),
		CollectorID: "c1",
		CameraID:    "cam1",
		ObjectID:    object,
		GridCellID:  cell,
		TimestampMs: ts,
	}
}

func objKey(object string) store.ObjectKey {
	return store.ObjectKey{CollectorID: "c1", CameraID: "cam1", ObjectID: object}
}

func aggregateKey(cell string) store.CellKey {
	return store.CellKey{CollectorID: "c1", CameraID: "cam1", CellID: cell}
}

func TestFirstSighting(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, "G_05_08", state.CurrentCell)
	require.Equal(t, int64(1000), state.EnterTsMs)
	require.Equal(t, int64(1000), state.LastSeenTsMs)
	require.Equal(t, int64(0), state.AccumulatedMs)

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	require.Equal(t, model.EntryEnter, timeline[0].Type)
	require.Equal(t, "G_05_08", timeline[0].CellID)
	require.Equal(t, int64(1000), timeline[0].FromTsMs)
	require.Zero(t, timeline[0].ToTsMs)

	// no closed span yet
	agg, err := st.GetAggregate(ctx, aggregateKey("G_05_08"))
	require.NoError(t, err)
	require.Nil(t, agg)
}

func TestSameCellTick(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1500)))

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, int64(1500), state.LastSeenTsMs)
	require.Equal(t, int64(1000), state.EnterTsMs)

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Len(t, timeline, 1)

	agg, err := st.GetAggregate(ctx, aggregateKey("G_05_08"))
	require.NoError(t, err)
	require.Nil(t, agg)
}

func TestCellTransition(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1500)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_06_08", 2500)))

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, "G_06_08", state.CurrentCell)
	require.Equal(t, int64(2500), state.EnterTsMs)
	require.Equal(t, int64(2500), state.LastSeenTsMs)
	require.Equal(t, int64(1500), state.AccumulatedMs)

	// span closed at the new observation's timestamp, not at last_seen
	agg, err := st.GetAggregate(ctx, aggregateKey("G_05_08"))
	require.NoError(t, err)
	require.Equal(t, int64(1500), agg.TotalDwellMs)
	require.Equal(t, 1, agg.ObjectCount)

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	require.Equal(t, model.EntryEnter, timeline[0].Type)
	require.Equal(t, "G_06_08", timeline[0].CellID)
	require.Equal(t, model.EntryLeave, timeline[1].Type)
	require.Equal(t, "G_05_08", timeline[1].CellID)
	require.Equal(t, int64(1000), timeline[1].FromTsMs)
	require.Equal(t, int64(2500), timeline[1].ToTsMs)

	require.Equal(t, int64(1), proc.stats.Transitions.Load())
}

func TestOutOfOrderDropped(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1500)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_06_08", 2500)))

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_04_08", 1200)))

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, "G_06_08", state.CurrentCell)
	require.Equal(t, int64(2500), state.LastSeenTsMs)
	require.Equal(t, int64(1), proc.stats.OutOfOrder.Load())
}

func TestDuplicateEventDropped(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	o := testObservation("A", "G_05_08", 1000)
	require.NoError(t, proc.Process(ctx, o))
	require.NoError(t, proc.Process(ctx, o))

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	require.Equal(t, int64(1), proc.stats.Duplicates.Load())
	require.Equal(t, int64(1), proc.stats.Processed.Load())
}

func TestGapClosesSpanAtLastSeen(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 6000)))
	// 40s of silence, then the object reappears elsewhere
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_09_03", 46_000)))

	// stale span closed at last_seen: 6000 - 1000
	agg, err := st.GetAggregate(ctx, aggregateKey("G_05_08"))
	require.NoError(t, err)
	require.Equal(t, int64(5000), agg.TotalDwellMs)

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, "G_09_03", state.CurrentCell)
	require.Equal(t, int64(46_000), state.EnterTsMs)
	require.Equal(t, int64(0), state.AccumulatedMs)

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	require.Equal(t, model.EntryLeave, timeline[1].Type)
	require.Equal(t, int64(6000), timeline[1].ToTsMs)
	require.Equal(t, "timeout", timeline[1].Meta["reason"])

	require.Equal(t, int64(1), proc.stats.TimeoutCloses.Load())
}

func TestReplayIsDeterministic(t *testing.T) {
	cfg := testConfig()
	proc, st, _ := testProcessor(t, cfg)
	ctx := context.Background()

	sequence := []model.Observation{
		testObservation("A", "G_05_08", 1000),
		testObservation("A", "G_05_08", 1500),
		testObservation("A", "G_06_08", 2500),
	}
	for _, o := range sequence {
		require.NoError(t, proc.Process(ctx, o))
	}

	stateBefore, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	timelineBefore, err := st.ReadTimeline(ctx, objKey("A"), 100)
	require.NoError(t, err)
	aggBefore, err := st.Contributions(ctx, aggregateKey("G_05_08"))
	require.NoError(t, err)

	// fresh dedup set, same store
	replay, err := NewProcessor(cfg, st, log.NewNopLogger(), newEnginePrometheus(prometheus.NewRegistry()), &Stats{})
	require.NoError(t, err)
	for _, o := range sequence {
		require.NoError(t, replay.Process(ctx, o))
	}

	stateAfter, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	timelineAfter, err := st.ReadTimeline(ctx, objKey("A"), 100)
	require.NoError(t, err)
	aggAfter, err := st.Contributions(ctx, aggregateKey("G_05_08"))
	require.NoError(t, err)

	require.Equal(t, stateBefore, stateAfter)
	require.Equal(t, timelineBefore, timelineAfter)
	require.Equal(t, aggBefore, aggAfter)
}

func TestFailedObservationIsRetryable(t *testing.T) {
	proc, st, mr := testProcessor(t, testConfig())
	ctx := context.Background()

	o := testObservation("A", "G_05_08", 1000)

	mr.SetError("LOADING redis is loading the dataset in memory")
	require.Error(t, proc.Process(ctx, o))
	require.Equal(t, 0, proc.SeenLen())
	require.Equal(t, int64(1), proc.stats.Failures.Load())

	// redelivery after the store recovers applies cleanly
	mr.SetError("")
	require.NoError(t, proc.Process(ctx, o))
	require.Equal(t, 1, proc.SeenLen())

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, "G_05_08", state.CurrentCell)
}

func TestMoveEventsThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.MoveEventInterval = 5 * time.Second
	proc, st, _ := testProcessor(t, cfg)
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	for ts := int64(2000); ts <= 14_000; ts += 1000 {
		require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", ts)))
	}

	events, err := st.RecentEvents(ctx, 100)
	require.NoError(t, err)

	var moves int
	for _, ev := range events {
		if ev.Type == model.EventMove {
			moves++
		}
	}
	// only the ticks at 5s and 10s qualify against the 5s spacing
	require.Equal(t, 2, moves)
}

func TestAccumulationIsMonotonic(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	cells := []string{"G_00_00", "G_01_00", "G_02_00", "G_01_00", "G_03_00"}
	var prev int64
	for i, cell := range cells {
		require.NoError(t, proc.Process(ctx, testObservation("A", cell, int64(1000*(i+1)))))

		state, err := st.GetObjectState(ctx, objKey("A"))
		require.NoError(t, err)
		require.GreaterOrEqual(t, state.AccumulatedMs, prev)
		prev = state.AccumulatedMs
	}
	require.Equal(t, int64(4000), prev)
}

// Every non-timeout leave entry must have a matching aggregate contribution
// of exactly to - from by this object.
func TestTimelineAndAggregatesAgree(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	track := []model.Observation{
		testObservation("A", "G_05_08", 1000),
		testObservation("A", "G_06_08", 3000),
		testObservation("A", "G_06_08", 4000),
		testObservation("A", "G_07_08", 9000),
		testObservation("A", "G_05_08", 9500),
	}
	for _, o := range track {
		require.NoError(t, proc.Process(ctx, o))
	}

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 100)
	require.NoError(t, err)

	perCell := map[string]int64{}
	for _, entry := range timeline {
		if entry.Type != model.EntryLeave {
			continue
		}
		perCell[entry.CellID] += entry.ToTsMs - entry.FromTsMs
	}
	require.NotEmpty(t, perCell)

	for cell, want := range perCell {
		contributions, err := st.Contributions(ctx, aggregateKey(cell))
		require.NoError(t, err)
		require.Equal(t, want, contributions["A"], "cell %s", cell)
	}
}
