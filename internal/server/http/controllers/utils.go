package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rzbill/courier/internal/message"
	messagesvc "github.com/rzbill/courier/internal/services/messages"
)

// maxBodyBytes caps request bodies before JSON decoding.
const maxBodyBytes = 64 << 10

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResp{Error: msg})
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError maps service errors onto status codes: validation is a
// 400, a missing record a 404, everything else a 500 without internals.
func writeServiceError(w http.ResponseWriter, err error) {
	var me *message.Error
	switch {
	case errors.As(err, &me) && me.Kind == message.KindValidation:
		writeError(w, http.StatusBadRequest, me.Reason)
	case errors.Is(err, messagesvc.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case message.IsKind(err, message.KindTransientInfra):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a bounded JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// parseLimit returns 0 for empty or invalid values, which selects the default.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}
