package feedback

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gridscope/gridscope/pkg/api"
	"github.com/gridscope/gridscope/pkg/griderr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handlers is the synchronous HTTP surface of the feedback processor.
// Every request carries a deadline; an operation that outlives it comes
// back as ERR_TIMEOUT.
type Handlers struct {
	proc    *Processor
	timeout time.Duration
}

func NewHandlers(proc *Processor, timeout time.Duration) *Handlers {
	return &Handlers{proc: proc, timeout: timeout}
}

type feedbackResponse struct {
	Status      string `json:"status"`
	TimestampMs int64  `json:"timestamp"`
}

func (h *Handlers) RelabelHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	var req RelabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, griderr.Wrap(griderr.CodeInvalidPayload, err, "malformed relabel body"))
		return
	}

	if err := h.proc.Relabel(ctx, req); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, feedbackResponse{Status: StatusApplied, TimestampMs: api.NowMs()})
}

func (h *Handlers) CorrectCellHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	var req CorrectCellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, griderr.Wrap(griderr.CodeInvalidPayload, err, "malformed correct-cell body"))
		return
	}

	status, err := h.proc.CorrectCell(ctx, req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, feedbackResponse{Status: status, TimestampMs: api.NowMs()})
}

func (h *Handlers) DeleteSpanHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.deadline(r)
	defer cancel()

	var req DeleteSpanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, griderr.Wrap(griderr.CodeInvalidPayload, err, "malformed delete-span body"))
		return
	}

	if err := h.proc.DeleteSpan(ctx, req); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, feedbackResponse{Status: StatusApplied, TimestampMs: api.NowMs()})
}

func (h *Handlers) deadline(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.timeout)
}
