package engine

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/gridscope/pkg/ingest"
	"github.com/gridscope/gridscope/pkg/model"
)

func testSweeper(t *testing.T, proc *Processor) *Sweeper {
	t.Helper()

	engine := New(testConfig(), ingest.Config{}, proc.store, log.NewNopLogger(), prometheus.NewRegistry())
	return NewSweeper(testConfig(), proc.store, log.NewNopLogger(), engine)
}

func TestSweeperClosesStaleSpan(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1500)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_06_08", 2500)))

	sweeper := testSweeper(t, proc)
	sweeper.now = func() time.Time { return time.UnixMilli(42_500) }
	require.NoError(t, sweeper.sweep(ctx))

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.False(t, state.InCell())
	require.Zero(t, state.EnterTsMs)
	require.Equal(t, int64(2500), state.LastSeenTsMs)
	require.Equal(t, int64(1500), state.AccumulatedMs)

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Equal(t, model.EntryLeave, timeline[0].Type)
	require.Equal(t, "G_06_08", timeline[0].CellID)
	require.Equal(t, int64(2500), timeline[0].FromTsMs)
	require.Equal(t, int64(2500), timeline[0].ToTsMs)
	require.Equal(t, "timeout", timeline[0].Meta["reason"])

	// last_seen equals enter, so the closed span contributes nothing
	agg, err := st.GetAggregate(ctx, aggregateKey("G_06_08"))
	require.NoError(t, err)
	require.Nil(t, agg)

	events, err := st.RecentEvents(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, model.EventExit, events[0].Type)
	require.Equal(t, "G_06_08", events[0].GridCellID)
}

func TestSweeperSkipsFreshAndClosedObjects(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("B", "G_06_08", 20_000)))

	sweeper := testSweeper(t, proc)

	// A is stale at 35s, B is not
	sweeper.now = func() time.Time { return time.UnixMilli(35_000) }
	require.NoError(t, sweeper.sweep(ctx))

	a, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.False(t, a.InCell())

	b, err := st.GetObjectState(ctx, objKey("B"))
	require.NoError(t, err)
	require.Equal(t, "G_06_08", b.CurrentCell)

	// second pass is a no-op: A's span is already closed
	before, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.NoError(t, sweeper.sweep(ctx))
	after, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDwellConservation(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	// spans: G_05_08 [1000, 10000) closed by transition, G_06_08
	// [10000, 12000) closed by the 38s gap, G_07_08 [50000, 55000)
	// closed by the sweeper
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 5000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_06_08", 10_000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_06_08", 12_000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_07_08", 50_000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_07_08", 55_000)))

	sweeper := testSweeper(t, proc)
	sweeper.now = func() time.Time { return time.UnixMilli(100_000) }
	require.NoError(t, sweeper.sweep(ctx))

	var total int64
	for cell, want := range map[string]int64{
		"G_05_08": 9000,
		"G_06_08": 2000,
		"G_07_08": 5000,
	} {
		agg, err := st.GetAggregate(ctx, aggregateKey(cell))
		require.NoError(t, err)
		require.NotNil(t, agg, cell)
		require.Equal(t, want, agg.TotalDwellMs, cell)
		total += agg.TotalDwellMs
	}

	// total closed dwell equals the observed interval minus the gaps that
	// exceeded the timeout: 55000 - 1000 - 38000
	require.Equal(t, int64(16_000), total)
}

func TestReenterAfterSweepStartsFreshSpan(t *testing.T) {
	proc, st, _ := testProcessor(t, testConfig())
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_05_08", 1000)))
	require.NoError(t, proc.Process(ctx, testObservation("A", "G_06_08", 2500)))

	sweeper := testSweeper(t, proc)
	sweeper.now = func() time.Time { return time.UnixMilli(42_500) }
	require.NoError(t, sweeper.sweep(ctx))

	require.NoError(t, proc.Process(ctx, testObservation("A", "G_07_08", 50_000)))

	state, err := st.GetObjectState(ctx, objKey("A"))
	require.NoError(t, err)
	require.Equal(t, "G_07_08", state.CurrentCell)
	require.Equal(t, int64(50_000), state.EnterTsMs)
	require.Equal(t, int64(50_000), state.LastSeenTsMs)
	require.Equal(t, int64(1500), state.AccumulatedMs)

	timeline, err := st.ReadTimeline(ctx, objKey("A"), 10)
	require.NoError(t, err)
	require.Equal(t, model.EntryEnter, timeline[0].Type)
	require.Equal(t, "G_07_08", timeline[0].CellID)
}
