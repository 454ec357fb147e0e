package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/helixcare/syncd/internal/manager"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/trust"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://helixcare.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://helixcare.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://helixcare.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusForbidden: {
		typeURI: "https://helixcare.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusConflict: {
		typeURI: "https://helixcare.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://helixcare.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusInternalServerError: {
		typeURI: "https://helixcare.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://helixcare.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://helixcare.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapDomainError converts domain errors to Problem Details responses.
func MapDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, manager.ErrSessionNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Sync session not found")
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflictNotFound),
		errors.Is(err, store.ErrDeviceNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, trust.ErrDeviceRevoked):
		WriteProblem(w, r, http.StatusForbidden, "Device has been revoked")
	case errors.Is(err, trust.ErrInsufficientTrust):
		WriteProblem(w, r, http.StatusForbidden, "Device trust level is insufficient")
	case errors.Is(err, trust.ErrMFARequired):
		WriteProblem(w, r, http.StatusForbidden, "Multi-factor verification required")
	case errors.Is(err, store.ErrStoreUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Local store unavailable")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
