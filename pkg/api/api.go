// Package api holds the JSON envelope shared by every HTTP surface:
// responses carry a server timestamp, errors carry the taxonomy code.
package api

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gridscope/gridscope/pkg/griderr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type errorDetail struct {
	Code    griderr.Code `json:"code"`
	Message string       `json:"message"`
}

type errorBody struct {
	Error       errorDetail `json:"error"`
	TimestampMs int64       `json:"timestamp"`
}

// NowMs is the server timestamp stamped on responses.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err with its transport-mapped status. Uncoded errors
// come out as ERR_INTERNAL 500.
func WriteError(w http.ResponseWriter, err error) {
	code := griderr.CodeOf(err)
	WriteJSON(w, griderr.HTTPStatus(code), errorBody{
		Error:       errorDetail{Code: code, Message: err.Error()},
		TimestampMs: NowMs(),
	})
}
