// Package response provides common HTTP response helpers.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/tokenmarket/trading-engine/pkg/errors"
)

// RequestIDFromRequest extracts request ID from headers.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// WriteData writes a 200 response with the payload as JSON body.
func WriteData(w http.ResponseWriter, payload interface{}) {
	writeJSON(w, http.StatusOK, payload)
}

// WriteStatus writes an arbitrary status with the payload as JSON body.
func WriteStatus(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, payload)
}

// WriteError writes a structured error response based on the business error type.
func WriteError(w http.ResponseWriter, r *http.Request, err *apperrors.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apperrors.Code, message string) {
	WriteError(w, r, apperrors.New(code, message))
}

// WriteErr maps any error to a response: business errors keep their code and
// status, everything else becomes an opaque INTERNAL.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	if be, ok := err.(*apperrors.Error); ok {
		WriteError(w, r, be)
		return
	}
	WriteErrorCode(w, r, apperrors.CodeInternal, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
