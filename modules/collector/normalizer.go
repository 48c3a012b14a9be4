package collector

import (
	"github.com/gridscope/gridscope/pkg/griderr"
	"github.com/gridscope/gridscope/pkg/model"
)

// DetectionObject is one detection inside a frame. Class, confidence and
// bbox are schema-checked and then dropped; the engine is class-agnostic.
type DetectionObject struct {
	ObjectID   string    `json:"object_id"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	GridCellID string    `json:"grid_cell_id"`
	BBox       []float64 `json:"bbox"`
}

// FramePayload is the body of POST /frames.
type FramePayload struct {
	CollectorID string            `json:"collector_id"`
	CameraID    string            `json:"camera_id"`
	TimestampMs int64             `json:"timestamp_ms"`
	FrameID     string            `json:"frame_id"`
	Objects     []DetectionObject `json:"objects"`
}

// Normalizer explodes validated frames into one observation per detected
// object. Frame-level violations reject the whole frame; object-level
// violations drop just that object.
type Normalizer struct {
	grid model.Grid
}

func NewNormalizer(grid model.Grid) *Normalizer {
	return &Normalizer{grid: grid}
}

// Normalize returns the observations of a frame plus the number of
// dropped objects. A frame with zero valid objects is still accepted.
func (n *Normalizer) Normalize(frame FramePayload) ([]model.Observation, int, error) {
	if frame.CollectorID == "" {
		return nil, 0, griderr.New(griderr.CodeInvalidPayload, "collector_id is required")
	}
	if frame.CameraID == "" {
		return nil, 0, griderr.New(griderr.CodeInvalidPayload, "camera_id is required")
	}
	if frame.FrameID == "" {
		return nil, 0, griderr.New(griderr.CodeInvalidPayload, "frame_id is required")
	}
	if frame.TimestampMs <= 0 {
		return nil, 0, griderr.New(griderr.CodeInvalidPayload, "timestamp_ms must be a positive epoch millisecond, got %d", frame.TimestampMs)
	}

	observations := make([]model.Observation, 0, len(frame.Objects))
	dropped := 0

	for _, obj := range frame.Objects {
		if !n.valid(obj) {
			dropped++
			continue
		}

		observations = append(observations, model.Observation{
			EventID:     model.EventID(frame.CollectorID, frame.CameraID, frame.TimestampMs, obj.ObjectID),
			CollectorID: frame.CollectorID,
			CameraID:    frame.CameraID,
			ObjectID:    obj.ObjectID,
			GridCellID:  obj.GridCellID,
			TimestampMs: frame.TimestampMs,
		})
	}

	return observations, dropped, nil
}

func (n *Normalizer) valid(obj DetectionObject) bool {
	return obj.ObjectID != "" && n.grid.Contains(obj.GridCellID)
}
