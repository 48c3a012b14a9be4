package model

// Observation is the normalized ingress unit: one detected object in one
// grid cell at one instant. Observations are immutable once emitted by the
// collector ingress.
type Observation struct {
	EventID     string `json:"event_id"`
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	ObjectID    string `json:"object_id"`
	GridCellID  string `json:"grid_cell_id"`
	TimestampMs int64  `json:"ts_ms"`
}

// PartitionKey returns the kafka record key. Ordering is guaranteed only
// within a (collector, camera) pair, so that pair is the partition key.
func (o *Observation) PartitionKey() string {
	return o.CollectorID + ":" + o.CameraID
}

// ObjectState is the dwell state machine for one (collector, camera, object).
// CurrentCell == "" means the object is not currently in any cell, in which
// case EnterTsMs is 0 as well.
type ObjectState struct {
	CollectorID string `json:"collector_id"`
	CameraID    string `json:"camera_id"`
	ObjectID    string `json:"object_id"`

	CurrentCell   string `json:"current_cell,omitempty"`
	EnterTsMs     int64  `json:"enter_ts_ms,omitempty"`
	LastSeenTsMs  int64  `json:"last_seen_ts_ms"`
	AccumulatedMs int64  `json:"accumulated_ms"`
}

// InCell reports whether the object currently occupies a cell.
func (s *ObjectState) InCell() bool {
	return s.CurrentCell != ""
}

// OpenDwellMs returns the dwell of the open span as of nowMs, or 0 when no
// span is open.
func (s *ObjectState) OpenDwellMs(nowMs int64) int64 {
	if !s.InCell() || nowMs < s.EnterTsMs {
		return 0
	}
	return nowMs - s.EnterTsMs
}

type EntryType string

const (
	EntryEnter   EntryType = "enter"
	EntryLeave   EntryType = "leave"
	EntryCorrect EntryType = "correct"
	EntryDelete  EntryType = "delete"
)

// TimelineEntry is one span record in an object's timeline. ToTsMs == 0
// marks an open enter entry.
type TimelineEntry struct {
	Type     EntryType         `json:"type"`
	CellID   string            `json:"cell_id"`
	FromTsMs int64             `json:"from_ts_ms"`
	ToTsMs   int64             `json:"to_ts_ms,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// CellAggregate is the derived view over the per-object contributions of a
// single cell. ObjectCount counts contributors with nonzero dwell.
type CellAggregate struct {
	GridCellID   string `json:"grid_cell_id"`
	TotalDwellMs int64  `json:"total_dwell_ms"`
	ObjectCount  int    `json:"object_count"`
	AvgDwellMs   int64  `json:"avg_dwell_ms"`
	MaxDwellMs   int64  `json:"max_dwell_ms"`
	MinDwellMs   int64  `json:"min_dwell_ms"`
}

// AggregateContributions reduces a contribution map to a CellAggregate.
// Contributors with zero dwell are excluded from all derived fields.
func AggregateContributions(cellID string, contributions map[string]int64) *CellAggregate {
	agg := &CellAggregate{GridCellID: cellID}
	for _, ms := range contributions {
		if ms <= 0 {
			continue
		}
		agg.TotalDwellMs += ms
		agg.ObjectCount++
		if ms > agg.MaxDwellMs {
			agg.MaxDwellMs = ms
		}
		if agg.MinDwellMs == 0 || ms < agg.MinDwellMs {
			agg.MinDwellMs = ms
		}
	}
	if agg.ObjectCount > 0 {
		agg.AvgDwellMs = agg.TotalDwellMs / int64(agg.ObjectCount)
	}
	return agg
}

type EventType string

const (
	EventEnter EventType = "enter"
	EventMove  EventType = "move"
	EventExit  EventType = "exit"
)

// RecentEvent is one element of the bounded live feed shared by all streams.
type RecentEvent struct {
	Type        EventType `json:"type"`
	CollectorID string    `json:"collector_id"`
	CameraID    string    `json:"camera_id"`
	ObjectID    string    `json:"object_id"`
	GridCellID  string    `json:"grid_cell_id"`
	TsMs        int64     `json:"ts_ms"`
}
