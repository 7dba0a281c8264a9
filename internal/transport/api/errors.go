package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/protocol"
)

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorResponse{
		Error:     protocol.Error{Code: code, Message: msg},
		RequestID: requestID(r.Context()),
	})
}

// fail maps a store error onto a response. Storage failures are logged and
// reported generically.
func (s *Server) fail(rw http.ResponseWriter, r *http.Request, op string, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(rw, r, http.StatusRequestEntityTooLarge, protocol.ErrTooLarge, "request body too large")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(rw, r, http.StatusServiceUnavailable, protocol.ErrBusy, "request abandoned")
		return
	}

	switch boarddb.Class(err) {
	case "not_found":
		writeError(rw, r, http.StatusNotFound, protocol.ErrNotFound, err.Error())
	case "conflict":
		writeError(rw, r, http.StatusConflict, protocol.ErrConflict, err.Error())
	case "invalid":
		writeError(rw, r, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
	case "unavailable":
		writeError(rw, r, http.StatusServiceUnavailable, protocol.ErrBusy, "server busy, try again")
	default:
		s.log.Printf("request failed req=%s op=%s err=%v", requestID(r.Context()), op, err)
		writeError(rw, r, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

func badRequest(rw http.ResponseWriter, r *http.Request, msg string) {
	writeError(rw, r, http.StatusBadRequest, protocol.ErrBadRequest, msg)
}

func notFound(rw http.ResponseWriter, r *http.Request, msg string) {
	writeError(rw, r, http.StatusNotFound, protocol.ErrNotFound, msg)
}
