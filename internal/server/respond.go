package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/manifoldmcp/manifold/internal/model"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a pipeline error onto the standard envelope. Errors carrying
// a retry hint also get a Retry-After header in whole seconds.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := model.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{
			Error: model.ErrorDetail{
				Code:    http.StatusInternalServerError,
				Message: err.Error(),
			},
		})
		return
	}

	status := statusForKind(kind)
	detail := model.ErrorDetail{
		Code:    status,
		Kind:    string(kind),
		Message: err.Error(),
	}

	var me *model.Error
	if errors.As(err, &me) && me.RetryAfter > 0 {
		secs := int64(me.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		detail.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	writeJSON(w, status, model.ErrorResponse{Error: detail})
}

// statusForKind is the one place the error taxonomy meets HTTP.
func statusForKind(kind model.Kind) int {
	switch kind {
	case model.KindPoolExhausted, model.KindQueueFull, model.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case model.KindQueueTimeout:
		return http.StatusGatewayTimeout
	case model.KindUserRateLimited, model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindInvalidSession, model.KindBackendNotFound:
		return http.StatusNotFound
	case model.KindAuthInvalid:
		return http.StatusUnauthorized
	case model.KindBadRequest:
		return http.StatusBadRequest
	case model.KindBackendCrashed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
