// Package queryapi is the read-only projection surface: cell statistics,
// heatmap, object detail, the live event feed and service status. Every
// handler reads through the store; nothing here mutates state or caches
// aggregates in process.
package queryapi

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"

	"github.com/gridscope/gridscope/modules/engine"
	"github.com/gridscope/gridscope/modules/store"
	"github.com/gridscope/gridscope/pkg/api"
	"github.com/gridscope/gridscope/pkg/griderr"
	"github.com/gridscope/gridscope/pkg/model"
)

const (
	queryCollector = "collector"
	queryCamera    = "camera"
	queryCell      = "cell"
	queryWindowMs  = "window_ms"
	queryLimit     = "limit"
)

type Handlers struct {
	grid   model.Grid
	store  store.Store
	logger log.Logger

	stats *engine.Stats

	// serviceStates reports the lifecycle state of each managed service
	// for /status; healthCheck backs /health.
	serviceStates func() map[string]string
	healthCheck   func(context.Context) error

	timeout time.Duration
	now     func() time.Time
}

func New(grid model.Grid, st store.Store, stats *engine.Stats, serviceStates func() map[string]string, healthCheck func(context.Context) error, timeout time.Duration, logger log.Logger) *Handlers {
	return &Handlers{
		grid:          grid,
		store:         st,
		logger:        log.With(logger, "component", "query-api"),
		stats:         stats,
		serviceStates: serviceStates,
		healthCheck:   healthCheck,
		timeout:       timeout,
		now:           time.Now,
	}
}

// RegisterRoutes mounts the read surface on router. The active-objects
// route must precede the object-detail route so it is not swallowed by
// the path variables.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/stats/cells", h.CellStatsHandler).Methods(http.MethodGet)
	router.HandleFunc("/objects/active", h.ActiveObjectsHandler).Methods(http.MethodGet)
	router.HandleFunc("/objects/{collector}/{camera}/{object}", h.ObjectDetailHandler).Methods(http.MethodGet)
	router.HandleFunc("/heatmap", h.HeatmapHandler).Methods(http.MethodGet)
	router.HandleFunc("/events/recent", h.RecentEventsHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)
}

func (h *Handlers) deadline(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func streamParams(r *http.Request) (collector, camera string, err error) {
	collector = r.URL.Query().Get(queryCollector)
	camera = r.URL.Query().Get(queryCamera)
	if collector == "" || camera == "" {
		return "", "", griderr.New(griderr.CodeInvalidPayload, "collector and camera query parameters are required")
	}
	return collector, camera, nil
}

type cellStatsResponse struct {
	Cells       []*model.CellAggregate `json:"cells"`
	TimestampMs int64                  `json:"timestamp"`
}

// CellStatsHandler implements GET /stats/cells.
func (h *Handlers) CellStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	collector, camera, err := streamParams(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	if cellID := r.URL.Query().Get(queryCell); cellID != "" {
		agg, err := h.store.GetAggregate(ctx, store.CellKey{CollectorID: collector, CameraID: camera, CellID: cellID})
		if err != nil {
			api.WriteError(w, err)
			return
		}
		if agg == nil {
			api.WriteError(w, griderr.New(griderr.CodeNotFound, "no aggregate for cell %s", cellID))
			return
		}
		api.WriteJSON(w, http.StatusOK, cellStatsResponse{Cells: []*model.CellAggregate{agg}, TimestampMs: api.NowMs()})
		return
	}

	aggregates, err := h.store.ListAggregates(ctx, collector, camera)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	sortAggregates(aggregates)

	api.WriteJSON(w, http.StatusOK, cellStatsResponse{Cells: aggregates, TimestampMs: api.NowMs()})
}

type objectDetailResponse struct {
	State       *model.ObjectState    `json:"state"`
	Timeline    []model.TimelineEntry `json:"timeline"`
	TimestampMs int64                 `json:"timestamp"`
}

// ObjectDetailHandler implements GET /objects/{collector}/{camera}/{object}.
func (h *Handlers) ObjectDetailHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	vars := mux.Vars(r)
	key := store.ObjectKey{CollectorID: vars["collector"], CameraID: vars["camera"], ObjectID: vars["object"]}

	state, err := h.store.GetObjectState(ctx, key)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if state == nil {
		api.WriteError(w, griderr.New(griderr.CodeNotFound, "no state for object %s", key))
		return
	}

	timeline, err := h.store.ReadTimeline(ctx, key, intQuery(r, queryLimit))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, objectDetailResponse{State: state, Timeline: timeline, TimestampMs: api.NowMs()})
}

type activeObject struct {
	*model.ObjectState
	OpenDwellMs int64 `json:"open_dwell_ms"`
}

type activeObjectsResponse struct {
	Objects     []activeObject `json:"objects"`
	TimestampMs int64          `json:"timestamp"`
}

// ActiveObjectsHandler implements GET /objects/active.
func (h *Handlers) ActiveObjectsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	collector, camera, err := streamParams(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	states, err := h.store.ListObjectStates(ctx, collector, camera)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	nowMs := h.now().UnixMilli()
	active := make([]activeObject, 0, len(states))
	for _, state := range states {
		if !state.InCell() {
			continue
		}
		active = append(active, activeObject{ObjectState: state, OpenDwellMs: state.OpenDwellMs(nowMs)})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ObjectID < active[j].ObjectID })

	api.WriteJSON(w, http.StatusOK, activeObjectsResponse{Objects: active, TimestampMs: api.NowMs()})
}

type heatmapCell struct {
	GridCellID  string  `json:"grid_cell_id"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	DwellMs     int64   `json:"dwell_ms"`
	ObjectCount int     `json:"object_count"`
	Intensity   float64 `json:"intensity"`
}

type gridSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type heatmapResponse struct {
	GridSize    gridSize      `json:"grid_size"`
	Cells       []heatmapCell `json:"cells"`
	TimestampMs int64         `json:"timestamp"`
	WindowMs    int64         `json:"window_ms"`
}

// HeatmapHandler implements GET /heatmap. window_ms=0 is reserved for a
// future real-time projection and yields an empty cell list; any other
// value projects the full aggregates.
func (h *Handlers) HeatmapHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	collector, camera, err := streamParams(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	windowMs := int64(24 * time.Hour / time.Millisecond)
	if raw := r.URL.Query().Get(queryWindowMs); raw != "" {
		windowMs, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || windowMs < 0 {
			api.WriteError(w, griderr.New(griderr.CodeInvalidPayload, "window_ms must be a non-negative integer, got %q", raw))
			return
		}
	}

	resp := heatmapResponse{
		GridSize:    gridSize{Width: h.grid.Width, Height: h.grid.Height},
		Cells:       []heatmapCell{},
		TimestampMs: api.NowMs(),
		WindowMs:    windowMs,
	}

	if windowMs == 0 {
		api.WriteJSON(w, http.StatusOK, resp)
		return
	}

	aggregates, err := h.store.ListAggregates(ctx, collector, camera)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	var maxDwell int64
	for _, agg := range aggregates {
		if agg.TotalDwellMs > maxDwell {
			maxDwell = agg.TotalDwellMs
		}
	}

	for _, agg := range aggregates {
		x, y, err := model.ParseCellID(agg.GridCellID)
		if err != nil {
			continue
		}
		cell := heatmapCell{
			GridCellID:  agg.GridCellID,
			X:           x,
			Y:           y,
			DwellMs:     agg.TotalDwellMs,
			ObjectCount: agg.ObjectCount,
		}
		if maxDwell > 0 {
			cell.Intensity = float64(agg.TotalDwellMs) / float64(maxDwell)
		}
		resp.Cells = append(resp.Cells, cell)
	}
	sort.Slice(resp.Cells, func(i, j int) bool { return resp.Cells[i].DwellMs > resp.Cells[j].DwellMs })

	api.WriteJSON(w, http.StatusOK, resp)
}

type recentEventsResponse struct {
	Events      []model.RecentEvent `json:"events"`
	TimestampMs int64               `json:"timestamp"`
}

// RecentEventsHandler implements GET /events/recent.
func (h *Handlers) RecentEventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	events, err := h.store.RecentEvents(ctx, intQuery(r, queryLimit))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, recentEventsResponse{Events: events, TimestampMs: api.NowMs()})
}

// HealthHandler implements GET /health.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	if h.healthCheck != nil {
		if err := h.healthCheck(ctx); err != nil {
			api.WriteError(w, griderr.Wrap(griderr.CodeStoreUnavailable, err, "health check failed"))
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": api.NowMs()})
}

type statusResponse struct {
	Services    map[string]string `json:"services"`
	Engine      engine.Snapshot   `json:"engine"`
	TimestampMs int64             `json:"timestamp"`
}

// StatusHandler implements GET /status.
func (h *Handlers) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Services:    map[string]string{},
		TimestampMs: api.NowMs(),
	}
	if h.serviceStates != nil {
		resp.Services = h.serviceStates()
	}
	if h.stats != nil {
		resp.Engine = h.stats.Snapshot()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func sortAggregates(aggregates []*model.CellAggregate) {
	sort.Slice(aggregates, func(i, j int) bool {
		if aggregates[i].TotalDwellMs != aggregates[j].TotalDwellMs {
			return aggregates[i].TotalDwellMs > aggregates[j].TotalDwellMs
		}
		return aggregates[i].GridCellID < aggregates[j].GridCellID
	})
}

func intQuery(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
