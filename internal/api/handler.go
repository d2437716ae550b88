// Package api provides HTTP handlers for the machine broker.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vulnzero/machines/internal/domain"
)

const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"ok": false, "message": message})
}

// Fail writes err as {ok:false, kind, message} with the status for its kind.
// Only the classified message reaches the client; the cause stays in logs.
func Fail(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "kind", kind, "error", err)
	}
	JSON(w, status, map[string]interface{}{
		"ok":      false,
		"kind":    kind,
		"message": domain.MessageOf(err),
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnknownMachineType, domain.KindSessionNotFound:
		return http.StatusNotFound
	case domain.KindCapacityExceeded, domain.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case domain.KindProvisioningFailed, domain.KindTeardownFailed:
		return http.StatusBadGateway
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindFlagMismatch:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.NewError(domain.KindValidation, "request body too large", err)
		case errors.Is(err, io.EOF):
			return domain.NewError(domain.KindValidation, "request body is required", err)
		default:
			return domain.NewError(domain.KindValidation, fmt.Sprintf("invalid JSON body: %v", err), err)
		}
	}
	return nil
}
