// Package feedback applies human-in-the-loop corrections: relabeling a
// misidentified object, correcting its cell, and deleting false-positive
// spans. Every operation is atomic end-to-end and appends to the audit
// log, so a correction either fully lands or leaves no trace.
package feedback

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/griderr"
	"github.com/gridscope/gridscope/pkg/model"
)

const (
	opRelabel     = "relabel"
	opCorrectCell = "correct_cell"
	opDeleteSpan  = "delete_span"

	// StatusNoChange is returned by CorrectCell when the object is already
	// in the requested cell.
	StatusNoChange = "NO_CHANGE"
	StatusApplied  = "applied"
)

type RelabelRequest struct {
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	OldObjectID string `json:"old_object_id"`
	NewObjectID string `json:"new_object_id"`
}

type CorrectCellRequest struct {
	CollectorID   string `json:"collector_id"`
	CameraID      string `json:"camera_id"`
	ObjectID      string `json:"object_id"`
	FrameTsMs     int64  `json:"frame_ts_ms"`
	CorrectCellID string `json:"correct_cell_id"`
}

type DeleteSpanRequest struct {
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	ObjectID    string `json:"object_id"`
	FromTsMs    int64  `json:"from_ts_ms"`
	ToTsMs      int64  `json:"to_ts_ms"`
}

type Processor struct {
	cfg    Config
	grid   model.Grid
	store  store.Store
	logger log.Logger

	metrics *feedbackPrometheus

	now func() time.Time
}

func NewProcessor(cfg Config, grid model.Grid, st store.Store, logger log.Logger, reg prometheus.Registerer) *Processor {
	return &Processor{
		cfg:     cfg,
		grid:    grid,
		store:   st,
		logger:  log.With(logger, "component", "feedback"),
		metrics: newFeedbackPrometheus(reg),
		now:     time.Now,
	}
}

// Relabel moves an object's state, timeline and every aggregate
// contribution to a new object id, and carries the open span's dwell
// forward as a closed contribution under the new id. The open span itself
// stays open so live heat is preserved.
func (p *Processor) Relabel(ctx context.Context, req RelabelRequest) error {
	if req.CollectorID == "" || req.CameraID == "" || req.OldObjectID == "" || req.NewObjectID == "" {
		return griderr.New(griderr.CodeInvalidPayload, "collector_id, camera_id, old_object_id and new_object_id are required")
	}
	if req.OldObjectID == req.NewObjectID {
		return griderr.New(griderr.CodeInvalidPayload, "old and new object ids are identical")
	}

	oldKey := store.ObjectKey{CollectorID: req.CollectorID, CameraID: req.CameraID, ObjectID: req.OldObjectID}
	newKey := store.ObjectKey{CollectorID: req.CollectorID, CameraID: req.CameraID, ObjectID: req.NewObjectID}

	state, err := p.store.GetObjectState(ctx, oldKey)
	if err != nil {
		return p.fail(opRelabel, err)
	}
	if state == nil {
		return p.fail(opRelabel, griderr.New(griderr.CodeNotFound, "no state for object %s", oldKey))
	}

	existing, err := p.store.GetObjectState(ctx, newKey)
	if err != nil {
		return p.fail(opRelabel, err)
	}
	if existing != nil {
		return p.fail(opRelabel, griderr.New(griderr.CodeConflict, "object %s already exists", newKey))
	}

	// reads up front, writes in one atomic batch
	moved, err := p.contributionsOf(ctx, req.CollectorID, req.CameraID, req.OldObjectID)
	if err != nil {
		return p.fail(opRelabel, err)
	}
	timeline, err := p.store.ReadTimeline(ctx, oldKey, 0)
	if err != nil {
		return p.fail(opRelabel, err)
	}

	nowMs := p.now().UnixMilli()

	next := *state
	next.ObjectID = req.NewObjectID

	err = p.store.Atomic(ctx, func(tx store.Writes) error {
		for cellID, ms := range moved {
			cell := store.CellKey{CollectorID: req.CollectorID, CameraID: req.CameraID, CellID: cellID}
			tx.RemoveContribution(cell, req.OldObjectID)
			tx.AddContribution(cell, req.NewObjectID, ms)
		}
		if state.InCell() {
			cell := store.CellKey{CollectorID: req.CollectorID, CameraID: req.CameraID, CellID: state.CurrentCell}
			tx.AddContribution(cell, req.NewObjectID, state.OpenDwellMs(nowMs))
		}

		tx.SetObjectState(newKey, &next)
		tx.DeleteObjectState(oldKey)

		for i := len(timeline) - 1; i >= 0; i-- {
			tx.PrependTimeline(newKey, timeline[i])
		}
		tx.DeleteTimeline(oldKey)

		tx.AppendAudit(opRelabel, req, nowMs)
		return nil
	})
	if err != nil {
		return p.fail(opRelabel, err)
	}

	p.metrics.operations.WithLabelValues(opRelabel).Inc()
	level.Info(p.logger).Log("msg", "relabeled object", "old", oldKey, "new", newKey)
	return nil
}

// CorrectCell moves the object's open span to the right cell as of
// frame_ts_ms. The wrong cell's contribution from this object is zeroed;
// accumulated dwell is left alone.
func (p *Processor) CorrectCell(ctx context.Context, req CorrectCellRequest) (string, error) {
	if req.CollectorID == "" || req.CameraID == "" || req.ObjectID == "" {
		return "", griderr.New(griderr.CodeInvalidPayload, "collector_id, camera_id and object_id are required")
	}
	if req.FrameTsMs <= 0 {
		return "", griderr.New(griderr.CodeInvalidPayload, "frame_ts_ms must be a positive epoch millisecond, got %d", req.FrameTsMs)
	}
	if !p.grid.Contains(req.CorrectCellID) {
		return "", griderr.New(griderr.CodeInvalidPayload, "grid cell id %q is malformed or out of range", req.CorrectCellID)
	}

	key := store.ObjectKey{CollectorID: req.CollectorID, CameraID: req.CameraID, ObjectID: req.ObjectID}

	state, err := p.store.GetObjectState(ctx, key)
	if err != nil {
		return "", p.fail(opCorrectCell, err)
	}
	if state == nil {
		return "", p.fail(opCorrectCell, griderr.New(griderr.CodeNotFound, "no state for object %s", key))
	}
	if state.CurrentCell == req.CorrectCellID {
		return StatusNoChange, nil
	}

	nowMs := p.now().UnixMilli()

	next := *state
	next.CurrentCell = req.CorrectCellID
	next.EnterTsMs = req.FrameTsMs
	next.LastSeenTsMs = req.FrameTsMs

	err = p.store.Atomic(ctx, func(tx store.Writes) error {
		if state.InCell() {
			cell := store.CellKey{CollectorID: req.CollectorID, CameraID: req.CameraID, CellID: state.CurrentCell}
			tx.RemoveContribution(cell, req.ObjectID)
			tx.PrependTimeline(key, model.TimelineEntry{
				Type:     model.EntryCorrect,
				CellID:   state.CurrentCell,
				FromTsMs: state.EnterTsMs,
				ToTsMs:   req.FrameTsMs,
				Meta:     map[string]string{"original": state.CurrentCell, "corrected": req.CorrectCellID},
			})
		}

		tx.SetObjectState(key, &next)
		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryEnter,
			CellID:   req.CorrectCellID,
			FromTsMs: req.FrameTsMs,
			Meta:     map[string]string{"reason": "correction"},
		})

		tx.AppendAudit(opCorrectCell, req, nowMs)
		return nil
	})
	if err != nil {
		return "", p.fail(opCorrectCell, err)
	}

	p.metrics.operations.WithLabelValues(opCorrectCell).Inc()
	level.Info(p.logger).Log("msg", "corrected cell", "object", key, "cell", req.CorrectCellID)
	return StatusApplied, nil
}

// DeleteSpan records a false-positive removal in the timeline and audit
// log. Aggregates are only touched when subtract_deleted_spans is on, in
// which case the overlap with every closed span is subtracted.
func (p *Processor) DeleteSpan(ctx context.Context, req DeleteSpanRequest) error {
	if req.CollectorID == "" || req.CameraID == "" || req.ObjectID == "" {
		return griderr.New(griderr.CodeInvalidPayload, "collector_id, camera_id and object_id are required")
	}
	if req.FromTsMs >= req.ToTsMs {
		return griderr.New(griderr.CodeInvalidSpan, "from_ts_ms %d is not before to_ts_ms %d", req.FromTsMs, req.ToTsMs)
	}

	key := store.ObjectKey{CollectorID: req.CollectorID, CameraID: req.CameraID, ObjectID: req.ObjectID}

	state, err := p.store.GetObjectState(ctx, key)
	if err != nil {
		return p.fail(opDeleteSpan, err)
	}
	if state == nil {
		return p.fail(opDeleteSpan, griderr.New(griderr.CodeNotFound, "no state for object %s", key))
	}

	var subtractions map[string]int64
	if p.cfg.SubtractDeletedSpans {
		timeline, err := p.store.ReadTimeline(ctx, key, 0)
		if err != nil {
			return p.fail(opDeleteSpan, err)
		}
		subtractions = overlaps(timeline, req.FromTsMs, req.ToTsMs)
	}

	nowMs := p.now().UnixMilli()

	err = p.store.Atomic(ctx, func(tx store.Writes) error {
		for cellID, ms := range subtractions {
			cell := store.CellKey{CollectorID: req.CollectorID, CameraID: req.CameraID, CellID: cellID}
			tx.AddContribution(cell, req.ObjectID, -ms)
		}

		tx.PrependTimeline(key, model.TimelineEntry{
			Type:     model.EntryDelete,
			CellID:   "deleted",
			FromTsMs: req.FromTsMs,
			ToTsMs:   req.ToTsMs,
			Meta: map[string]string{
				"reason":      "false_positive_removal",
				"duration_ms": strconv.FormatInt(req.ToTsMs-req.FromTsMs, 10),
			},
		})

		tx.AppendAudit(opDeleteSpan, req, nowMs)
		return nil
	})
	if err != nil {
		return p.fail(opDeleteSpan, err)
	}

	p.metrics.operations.WithLabelValues(opDeleteSpan).Inc()
	level.Info(p.logger).Log("msg", "deleted span", "object", key, "from_ms", req.FromTsMs, "to_ms", req.ToTsMs)
	return nil
}

// contributionsOf collects the object's nonzero contribution per cell.
func (p *Processor) contributionsOf(ctx context.Context, collectorID, cameraID, objectID string) (map[string]int64, error) {
	cells, err := p.store.Cells(ctx, collectorID, cameraID)
	if err != nil {
		return nil, err
	}

	perCell := make(map[string]int64)
	for _, cellID := range cells {
		contributions, err := p.store.Contributions(ctx, store.CellKey{CollectorID: collectorID, CameraID: cameraID, CellID: cellID})
		if err != nil {
			return nil, err
		}
		if ms, ok := contributions[objectID]; ok && ms != 0 {
			perCell[cellID] = ms
		}
	}
	return perCell, nil
}

// overlaps sums, per cell, the intersection of closed leave spans with
// [from, to).
func overlaps(timeline []model.TimelineEntry, from, to int64) map[string]int64 {
	perCell := make(map[string]int64)
	for _, entry := range timeline {
		if entry.Type != model.EntryLeave {
			continue
		}
		lo := max(from, entry.FromTsMs)
		hi := min(to, entry.ToTsMs)
		if hi > lo {
			perCell[entry.CellID] += hi - lo
		}
	}
	return perCell
}

func (p *Processor) fail(op string, err error) error {
	p.metrics.failures.WithLabelValues(op).Inc()
	return err
}
