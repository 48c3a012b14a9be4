// Package store is the typed persistence layer shared by the dwell engine,
// the feedback processor, the sweeper and the query API. The contract is
// per-key atomicity for individual operations plus an Atomic primitive that
// applies a batch of writes all-or-nothing; no store-specific semantics leak
// to callers.
package store

import (
	"context"

	"github.com/gridscope/gridscope/pkg/model"
)

// ObjectKey addresses one object's state and timeline.
type ObjectKey struct {
	CollectorID string
	CameraID    string
	ObjectID    string
}

func (k ObjectKey) String() string {
	return k.CollectorID + ":" + k.CameraID + ":" + k.ObjectID
}

// CellKey addresses one cell's aggregate.
type CellKey struct {
	CollectorID string
	CameraID    string
	CellID      string
}

func (k CellKey) String() string {
	return k.CollectorID + ":" + k.CameraID + ":" + k.CellID
}

// StreamKey identifies a (collector, camera) pair, the unit of ordering.
type StreamKey struct {
	CollectorID string
	CameraID    string
}

// Store exposes the five logical namespaces. Get operations return
// (nil, nil) for absent entries; infrastructure failures carry
// griderr.CodeStoreUnavailable.
type Store interface {
	GetObjectState(ctx context.Context, key ObjectKey) (*model.ObjectState, error)
	SetObjectState(ctx context.Context, key ObjectKey, state *model.ObjectState) error
	DeleteObjectState(ctx context.Context, key ObjectKey) error
	ListObjectStates(ctx context.Context, collectorID, cameraID string) ([]*model.ObjectState, error)

	// Streams lists every (collector, camera) pair that has written state,
	// so the sweeper can scan without a keyspace walk.
	Streams(ctx context.Context) ([]StreamKey, error)

	AddContribution(ctx context.Context, key CellKey, objectID string, dwellMs int64) error
	RemoveContribution(ctx context.Context, key CellKey, objectID string) error

	// Cells lists every cell id that has ever received a contribution for
	// the stream, including cells whose contributions were since removed.
	Cells(ctx context.Context, collectorID, cameraID string) ([]string, error)
	Contributions(ctx context.Context, key CellKey) (map[string]int64, error)
	GetAggregate(ctx context.Context, key CellKey) (*model.CellAggregate, error)
	ListAggregates(ctx context.Context, collectorID, cameraID string) ([]*model.CellAggregate, error)

	PrependTimeline(ctx context.Context, key ObjectKey, entry model.TimelineEntry) error
	ReadTimeline(ctx context.Context, key ObjectKey, limit int) ([]model.TimelineEntry, error)

	PushRecentEvent(ctx context.Context, ev model.RecentEvent) error
	RecentEvents(ctx context.Context, limit int) ([]model.RecentEvent, error)

	AppendAudit(ctx context.Context, op string, payload any, tsMs int64) error

	// Atomic queues the writes issued by fn and applies them atomically:
	// either every write lands or none does. Reads must happen before.
	Atomic(ctx context.Context, fn func(tx Writes) error) error
}

// Writes is the queued, write-only view handed to Atomic callbacks.
// Operations are applied in the order they are queued.
type Writes interface {
	SetObjectState(key ObjectKey, state *model.ObjectState)
	DeleteObjectState(key ObjectKey)
	AddContribution(key CellKey, objectID string, dwellMs int64)
	RemoveContribution(key CellKey, objectID string)
	PrependTimeline(key ObjectKey, entry model.TimelineEntry)
	DeleteTimeline(key ObjectKey)
	PushRecentEvent(ev model.RecentEvent)
	AppendAudit(op string, payload any, tsMs int64)
}
