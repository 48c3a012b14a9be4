package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/model"
)

// Sweeper closes open spans for objects that stopped being observed and
// whose stream went quiet, so stale dwell does not stay open forever when
// no later observation arrives to trigger the gap path in the processor.
type Sweeper struct {
	services.Service

	cfg    Config
	store  store.Store
	logger log.Logger

	prom  *enginePrometheus
	stats *Stats

	now func() time.Time
}

func NewSweeper(cfg Config, st store.Store, logger log.Logger, engine *Engine) *Sweeper {
	s := &Sweeper{
		cfg:    cfg,
		store:  st,
		logger: log.With(logger, "component", "timeout-sweeper"),
		prom:   engine.prom,
		stats:  engine.stats,
		now:    time.Now,
	}
	s.Service = services.NewTimerService(cfg.SweepInterval, nil, s.sweep, nil)
	return s
}

func (s *Sweeper) sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { s.prom.sweepDuration.Observe(time.Since(start).Seconds()) }()

	nowMs := s.now().UnixMilli()

	streams, err := s.store.Streams(ctx)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to list streams", "err", err)
		return nil // transient store errors must not stop the timer
	}

	var closed int
	for _, stream := range streams {
		states, err := s.store.ListObjectStates(ctx, stream.CollectorID, stream.CameraID)
		if err != nil {
			level.Error(s.logger).Log("msg", "failed to list object states",
				"collector", stream.CollectorID, "camera", stream.CameraID, "err", err)
			continue
		}

		for _, state := range states {
			if !state.InCell() || nowMs-state.LastSeenTsMs <= s.cfg.DwellTimeout.Milliseconds() {
				continue
			}
			if err := s.closeStale(ctx, state); err != nil {
				level.Error(s.logger).Log("msg", "failed to close stale span",
					"object", state.ObjectID, "err", err)
				continue
			}
			closed++
		}
	}

	if closed > 0 {
		level.Info(s.logger).Log("msg", "sweep closed stale spans", "closed", closed)
	}
	return nil
}

// closeStale closes the open span at last_seen. The object record survives
// with current_cell null so the next observation is treated as a fresh
// enter and accumulated dwell carries over.
func (s *Sweeper) closeStale(ctx context.Context, state *model.ObjectState) error {
	key := store.ObjectKey{CollectorID: state.CollectorID, CameraID: state.CameraID, ObjectID: state.ObjectID}
	staleCell := state.CurrentCell
	dwell := state.LastSeenTsMs - state.EnterTsMs

	next := &model.ObjectState{
		CollectorID:   state.CollectorID,
		CameraID:      state.CameraID,
		ObjectID:      state.ObjectID,
		CurrentCell:   "",
		EnterTsMs:     0,
		LastSeenTsMs:  state.LastSeenTsMs,
		AccumulatedMs: state.AccumulatedMs,
	}

	err := s.store.Atomic(ctx, func(tx store.Writes) error {
		tx.AddContribution(store.CellKey{CollectorID: key.CollectorID, CameraID: key.CameraID, CellID: staleCell}, key.ObjectID, dwell)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryLeave,
			CellID:   staleCell,
			FromTsMs: state.EnterTsMs,
			ToTsMs:   state.LastSeenTsMs,
			Meta:     map[string]string{"reason": "timeout"},
		})
		tx.SetObjectState(key, next)
		tx.PushRecentEvent(model.RecentEvent{
			Type:        model.EventExit,
			CollectorID: key.CollectorID,
			CameraID:    key.CameraID,
			ObjectID:    key.ObjectID,
			GridCellID:  staleCell,
			TsMs:        state.LastSeenTsMs,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.prom.timeoutCloses.WithLabelValues(timeoutReasonSweep).Inc()
	s.stats.TimeoutCloses.Inc()
	return nil
}
