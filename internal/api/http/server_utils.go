package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"torrentd/internal/domain"
	"torrentd/internal/rpc"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDaemonError maps an error returned through the daemon connection to
// an HTTP status.
func writeDaemonError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
	case errors.Is(err, domain.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid torrent source")
	case errors.Is(err, rpc.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "torrent already added")
	case errors.Is(err, rpc.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "forbidden", "daemon refused the call")
	case errors.Is(err, rpc.ErrDisconnected):
		writeError(w, http.StatusServiceUnavailable, "daemon_unavailable", "daemon connection lost")
	default:
		writeError(w, http.StatusBadGateway, "daemon_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
