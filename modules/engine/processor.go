package engine

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/model"
)

// Processor applies observations to the per-object dwell state machine for
// one partition. It is not safe for concurrent use; the engine runs one
// processor per partition, which is what gives per-stream ordering.
type Processor struct {
	cfg    Config
	store  store.Store
	logger log.Logger

	seen *lru.Cache[string, struct{}]

	// lastMoveEvent throttles live-feed move events per object.
	lastMoveEvent map[store.ObjectKey]int64

	prom  *enginePrometheus
	stats *Stats
}

func NewProcessor(cfg Config, st store.Store, logger log.Logger, prom *enginePrometheus, stats *Stats) (*Processor, error) {
	seen, err := lru.New[string, struct{}](cfg.DedupWindow)
	if err != nil {
		return nil, err
	}

	return &Processor{
		cfg:           cfg,
		store:         st,
		logger:        logger,
		seen:          seen,
		lastMoveEvent: make(map[store.ObjectKey]int64),
		prom:          prom,
		stats:         stats,
	}, nil
}

// Process applies one observation. Idempotent on event id within the dedup
// window. The event id is recorded as seen only after the store writes
// succeed, so a failed observation is re-applied on redelivery.
func (p *Processor) Process(ctx context.Context, obs model.Observation) error {
	if _, dup := p.seen.Get(obs.EventID); dup {
		p.prom.observationsDropped.WithLabelValues(droppedReasonDuplicate).Inc()
		p.stats.Duplicates.Inc()
		return nil
	}

	key := store.ObjectKey{CollectorID: obs.CollectorID, CameraID: obs.CameraID, ObjectID: obs.ObjectID}

	state, err := p.store.GetObjectState(ctx, key)
	if err != nil {
		return err
	}

	switch {
	case state == nil:
		err = p.firstSighting(ctx, key, obs)

	case obs.TimestampMs < state.LastSeenTsMs:
		// behind the partition watermark: counted, not applied
		p.prom.observationsDropped.WithLabelValues(droppedReasonOutOfOrder).Inc()
		p.stats.OutOfOrder.Inc()
		level.Debug(p.logger).Log("msg", "dropped out-of-order observation",
			"object", key, "ts_ms", obs.TimestampMs, "watermark_ms", state.LastSeenTsMs)

	case !state.InCell():
		// span already closed (timeout sweep); fresh enter, dwell carries over
		err = p.enterClosedState(ctx, key, state, obs)

	case obs.TimestampMs-state.LastSeenTsMs > p.cfg.DwellTimeout.Milliseconds():
		err = p.reenterAfterGap(ctx, key, state, obs)

	case state.CurrentCell == obs.GridCellID:
		err = p.sameCellTick(ctx, key, state, obs)

	default:
		err = p.transition(ctx, key, state, obs)
	}

	if err != nil {
		p.prom.processingFailures.Inc()
		p.stats.Failures.Inc()
		return err
	}

	p.seen.Add(obs.EventID, struct{}{})
	return nil
}

func (p *Processor) firstSighting(ctx context.Context, key store.ObjectKey, obs model.Observation) error {
	state := &model.ObjectState{
		CollectorID:  obs.CollectorID,
		CameraID:     obs.CameraID,
		ObjectID:     obs.ObjectID,
		CurrentCell:  obs.GridCellID,
		EnterTsMs:    obs.TimestampMs,
		LastSeenTsMs: obs.TimestampMs,
	}

	err := p.store.Atomic(ctx, func(tx store.Writes) error {
		tx.SetObjectState(key, state)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryEnter,
			CellID:   obs.GridCellID,
			FromTsMs: obs.TimestampMs,
		})
		tx.PushRecentEvent(p.event(model.EventEnter, obs.GridCellID, obs))
		return nil
	})
	if err != nil {
		return err
	}

	p.prom.observationsProcessed.Inc()
	p.stats.Processed.Inc()
	return nil
}

func (p *Processor) enterClosedState(ctx context.Context, key store.ObjectKey, state *model.ObjectState, obs model.Observation) error {
	next := &model.ObjectState{
		CollectorID:   state.CollectorID,
		CameraID:      state.CameraID,
		ObjectID:      state.ObjectID,
		CurrentCell:   obs.GridCellID,
		EnterTsMs:     obs.TimestampMs,
		LastSeenTsMs:  obs.TimestampMs,
		AccumulatedMs: state.AccumulatedMs,
	}

	err := p.store.Atomic(ctx, func(tx store.Writes) error {
		tx.SetObjectState(key, next)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryEnter,
			CellID:   obs.GridCellID,
			FromTsMs: obs.TimestampMs,
		})
		tx.PushRecentEvent(p.event(model.EventEnter, obs.GridCellID, obs))
		return nil
	})
	if err != nil {
		return err
	}

	p.prom.observationsProcessed.Inc()
	p.stats.Processed.Inc()
	return nil
}

// reenterAfterGap closes the stale open span at last_seen, then treats the
// observation as a fresh enter. Accumulated dwell carries over unchanged;
// the gap itself is never counted as dwell.
func (p *Processor) reenterAfterGap(ctx context.Context, key store.ObjectKey, state *model.ObjectState, obs model.Observation) error {
	staleCell := state.CurrentCell
	dwell := state.LastSeenTsMs - state.EnterTsMs

	next := &model.ObjectState{
		CollectorID:   state.CollectorID,
		CameraID:      state.CameraID,
		ObjectID:      state.ObjectID,
		CurrentCell:   obs.GridCellID,
		EnterTsMs:     obs.TimestampMs,
		LastSeenTsMs:  obs.TimestampMs,
		AccumulatedMs: state.AccumulatedMs,
	}

	err := p.store.Atomic(ctx, func(tx store.Writes) error {
		tx.AddContribution(cellKey(key, staleCell), key.ObjectID, dwell)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryLeave,
			CellID:   staleCell,
			FromTsMs: state.EnterTsMs,
			ToTsMs:   state.LastSeenTsMs,
			Meta:     map[string]string{"reason": "timeout"},
		})
		tx.SetObjectState(key, next)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryEnter,
			CellID:   obs.GridCellID,
			FromTsMs: obs.TimestampMs,
		})
		tx.PushRecentEvent(p.event(model.EventExit, staleCell, obs))
		tx.PushRecentEvent(p.event(model.EventEnter, obs.GridCellID, obs))
		return nil
	})
	if err != nil {
		return err
	}

	p.prom.observationsProcessed.Inc()
	p.prom.timeoutCloses.WithLabelValues(timeoutReasonObservation).Inc()
	p.stats.Processed.Inc()
	p.stats.TimeoutCloses.Inc()
	return nil
}

func (p *Processor) sameCellTick(ctx context.Context, key store.ObjectKey, state *model.ObjectState, obs model.Observation) error {
	state.LastSeenTsMs = obs.TimestampMs

	emitMove := p.cfg.MoveEventInterval == 0 ||
		obs.TimestampMs-p.lastMoveEvent[key] >= p.cfg.MoveEventInterval.Milliseconds()

	err := p.store.Atomic(ctx, func(tx store.Writes) error {
		tx.SetObjectState(key, state)
		if emitMove {
			tx.PushRecentEvent(p.event(model.EventMove, obs.GridCellID, obs))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if emitMove {
		p.lastMoveEvent[key] = obs.TimestampMs
		if len(p.lastMoveEvent) > p.cfg.DedupWindow {
			p.lastMoveEvent = make(map[store.ObjectKey]int64)
		}
	}

	p.prom.observationsProcessed.Inc()
	p.stats.Processed.Inc()
	return nil
}

// transition closes the open span at the new observation's timestamp, so
// contiguous tracks account for every millisecond.
func (p *Processor) transition(ctx context.Context, key store.ObjectKey, state *model.ObjectState, obs model.Observation) error {
	prevCell := state.CurrentCell
	dwell := obs.TimestampMs - state.EnterTsMs

	next := &model.ObjectState{
		CollectorID:   state.CollectorID,
		CameraID:      state.CameraID,
		ObjectID:      state.ObjectID,
		CurrentCell:   obs.GridCellID,
		EnterTsMs:     obs.TimestampMs,
		LastSeenTsMs:  obs.TimestampMs,
		AccumulatedMs: state.AccumulatedMs + dwell,
	}

	err := p.store.Atomic(ctx, func(tx store.Writes) error {
		tx.AddContribution(cellKey(key, prevCell), key.ObjectID, dwell)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryLeave,
			CellID:   prevCell,
			FromTsMs: state.EnterTsMs,
			ToTsMs:   obs.TimestampMs,
		})
		tx.SetObjectState(key, next)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryEnter,
			CellID:   obs.GridCellID,
			FromTsMs: obs.TimestampMs,
		})
		tx.PushRecentEvent(p.event(model.EventExit, prevCell, obs))
		tx.PushRecentEvent(p.event(model.EventEnter, obs.GridCellID, obs))
		return nil
	})
	if err != nil {
		return err
	}

	p.prom.observationsProcessed.Inc()
	p.prom.transitions.Inc()
	p.stats.Processed.Inc()
	p.stats.Transitions.Inc()
	return nil
}

func (p *Processor) event(typ model.EventType, cellID string, obs model.Observation) model.RecentEvent {
	return model.RecentEvent{
		Type:        typ,
		CollectorID: obs.CollectorID,
		CameraID:    obs.CameraID,
		ObjectID:    obs.ObjectID,
		GridCellID:  cellID,
		TsMs:        obs.TimestampMs,
	}
}

func cellKey(key store.ObjectKey, cellID string) store.CellKey {
	return store.CellKey{CollectorID: key.CollectorID, CameraID: key.CameraID, CellID: cellID}
}

// SeenLen is exposed for tests.
func (p *Processor) SeenLen() int {
	return p.seen.Len()
}
