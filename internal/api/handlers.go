package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/helixcare/syncd/internal/credsync"
	"github.com/helixcare/syncd/internal/manager"
	"github.com/helixcare/syncd/internal/trust"
	"github.com/helixcare/syncd/internal/types"
)

// SyncManager is the session lifecycle surface the handlers need.
type SyncManager interface {
	InitializeSync(ctx context.Context, userID string, opts manager.SessionOptions) (*types.SyncSession, error)
	TriggerSync(ctx context.Context, sessionID string, reason types.TriggerReason) (*types.SyncReport, error)
	NotifySettingsChanged(ctx context.Context, sessionID string) (*types.SyncReport, error)
	ForceSyncFromCloud(ctx context.Context, sessionID string, kind types.RecordKind) error
	HandleLogout(ctx context.Context, sessionID string) error
	Status(ctx context.Context, userID string) (types.StatusProjection, error)
}

// ConflictService exposes pending conflicts and their resolution paths.
type ConflictService interface {
	Pending(ctx context.Context, userID string) ([]types.Conflict, error)
	ResolveAuto(ctx context.Context, conflictID string, strategy types.ConflictStrategy) (types.Resolution, error)
	ResolveManual(ctx context.Context, conflictID string, choice types.ManualChoice, edited *types.Record, fields map[string]string) (types.Resolution, error)
}

// DeviceRegistry is the device management surface the handlers need.
type DeviceRegistry interface {
	Devices(ctx context.Context, userID string) ([]types.Device, error)
	Revoke(ctx context.Context, deviceID string) error
	MintToken(ctx context.Context, deviceID string, key []byte) (string, error)
	AuthorizePresented(ctx context.Context, token string, key []byte, required types.TrustLevel) (*types.Device, error)
}

// CredentialService syncs encrypted credential bundles and verifies devices.
type CredentialService interface {
	SyncAPIKeys(ctx context.Context, userID, deviceID string, fields map[string]string) credsync.Result
	SyncMFASecrets(ctx context.Context, userID, deviceID string, fields map[string]string) credsync.Result
	SyncBackupCodes(ctx context.Context, userID, deviceID string, fields map[string]string) credsync.Result
	VerifyDeviceForSync(ctx context.Context, userID, deviceID, code string) credsync.Result
}

// EventSource reads the sync event history.
type EventSource interface {
	RecentSyncEvents(ctx context.Context, userID string, limit int) ([]types.SyncEvent, error)
}

// Handler implements the API handlers
type Handler struct {
	manager   SyncManager
	conflicts ConflictService
	registry  DeviceRegistry
	creds     CredentialService
	events    EventSource
	claimsKey []byte
	apiKey    string
	version   string
}

// NewHandler creates a new Handler. claimsKey may be nil; the device token
// endpoint then reports tokens as unconfigured.
func NewHandler(m SyncManager, c ConflictService, reg DeviceRegistry, creds CredentialService, events EventSource, claimsKey []byte, apiKey, version string) *Handler {
	return &Handler{
		manager:   m,
		conflicts: c,
		registry:  reg,
		creds:     creds,
		events:    events,
		claimsKey: claimsKey,
		apiKey:    apiKey,
		version:   version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{
		Status:  "healthy",
		Version: h.version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartSession handles POST /api/v1/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID             string `json:"user_id"`
		Fingerprint        string `json:"fingerprint"`
		MFAVerified        bool   `json:"mfa_verified"`
		SecurityLevel      string `json:"security_level"`
		EnablePeriodicSync *bool  `json:"enable_periodic_sync"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.UserID == "" || req.Fingerprint == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user_id and fingerprint are required")
		return
	}

	// Periodic sync is opt-out.
	periodic := true
	if req.EnablePeriodicSync != nil {
		periodic = *req.EnablePeriodicSync
	}

	sess, err := h.manager.InitializeSync(r.Context(), req.UserID, manager.SessionOptions{
		Fingerprint:        req.Fingerprint,
		MFAVerified:        req.MFAVerified,
		SecurityLevel:      req.SecurityLevel,
		EnablePeriodicSync: periodic,
	})
	if err != nil {
		slog.Error("session start failed",
			"component", "api",
			"action", "start_session",
			"user_id", req.UserID,
			"error", err,
		)
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

// EndSession handles DELETE /api/v1/sessions/{sessionID}
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.manager.HandleLogout(r.Context(), sessionID); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /api/v1/sessions/{sessionID}/sync
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	report, err := h.manager.TriggerSync(r.Context(), sessionID, types.TriggerManual)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// SettingsChanged handles POST /api/v1/sessions/{sessionID}/settings-changed
func (h *Handler) SettingsChanged(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	report, err := h.manager.NotifySettingsChanged(r.Context(), sessionID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// ForcePull handles POST /api/v1/sessions/{sessionID}/force-pull
func (h *Handler) ForcePull(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Kind types.RecordKind `json:"record_kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if !req.Kind.Valid() || req.Kind == types.KindCredential {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("record_kind %q cannot be force-pulled", req.Kind))
		return
	}

	if err := h.manager.ForceSyncFromCloud(r.Context(), sessionID, req.Kind); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: user_id")
		return
	}

	projection, err := h.manager.Status(r.Context(), userID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(projection)
}

// ListConflicts handles GET /api/v1/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: user_id")
		return
	}

	conflicts, err := h.conflicts.Pending(r.Context(), userID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	// Ensure conflicts is [] not null in JSON
	if conflicts == nil {
		conflicts = []types.Conflict{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Conflicts []types.Conflict `json:"conflicts"`
	}{Conflicts: conflicts})
}

// ResolveConflict handles POST /api/v1/conflicts/{conflictID}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "conflictID")

	var req struct {
		Strategy types.ConflictStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Strategy == "" {
		WriteProblem(w, r, http.StatusBadRequest, "strategy is required")
		return
	}

	resolution, err := h.conflicts.ResolveAuto(r.Context(), conflictID, req.Strategy)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resolution)
}

// ResolveConflictManually handles POST /api/v1/conflicts/{conflictID}/resolve-manual
func (h *Handler) ResolveConflictManually(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "conflictID")

	var req struct {
		Choice types.ManualChoice `json:"choice"`
		Edited *types.Record      `json:"edited,omitempty"`
		Fields map[string]string  `json:"fields,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Choice == "" {
		WriteProblem(w, r, http.StatusBadRequest, "choice is required")
		return
	}
	if req.Choice == types.ChoiceManualEdit && req.Edited == nil {
		WriteProblem(w, r, http.StatusBadRequest, "manual_edit requires an edited record")
		return
	}
	for name, side := range req.Fields {
		if side != "local" && side != "remote" {
			WriteProblem(w, r, http.StatusBadRequest,
				fmt.Sprintf("field %q: side must be \"local\" or \"remote\"", name))
			return
		}
	}

	resolution, err := h.conflicts.ResolveManual(r.Context(), conflictID, req.Choice, req.Edited, req.Fields)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resolution)
}

// ListDevices handles GET /api/v1/devices
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: user_id")
		return
	}

	devices, err := h.registry.Devices(r.Context(), userID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []types.Device{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Devices []types.Device `json:"devices"`
	}{Devices: devices})
}

// VerifyDevice handles POST /api/v1/devices/{deviceID}/verify
func (h *Handler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.UserID == "" || req.Code == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user_id and code are required")
		return
	}
	if !h.checkDeviceToken(w, r, deviceID) {
		return
	}

	result := h.creds.VerifyDeviceForSync(r.Context(), req.UserID, deviceID, req.Code)
	writeCredResult(w, result)
}

// DeviceToken handles POST /api/v1/devices/{deviceID}/token
func (h *Handler) DeviceToken(w http.ResponseWriter, r *http.Request) {
	if len(h.claimsKey) == 0 {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Device tokens are not configured")
		return
	}
	deviceID := chi.URLParam(r, "deviceID")

	token, err := h.registry.MintToken(r.Context(), deviceID, h.claimsKey)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Token string `json:"token"`
	}{Token: token})
}

// RevokeDevice handles POST /api/v1/devices/{deviceID}/revoke
func (h *Handler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.registry.Revoke(r.Context(), deviceID); err != nil {
		MapDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncCredentials handles POST /api/v1/credentials/{class}. A client holding
// a minted device token sends it as X-Device-Token; the token must name the
// device_id in the body and the device must still be in good standing.
func (h *Handler) SyncCredentials(w http.ResponseWriter, r *http.Request) {
	class := types.CredentialClass(chi.URLParam(r, "class"))

	var req struct {
		UserID   string            `json:"user_id"`
		DeviceID string            `json:"device_id"`
		Fields   map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user_id and device_id are required")
		return
	}
	if !h.checkDeviceToken(w, r, req.DeviceID) {
		return
	}

	var result credsync.Result
	switch class {
	case types.CredentialAPIKey:
		result = h.creds.SyncAPIKeys(r.Context(), req.UserID, req.DeviceID, req.Fields)
	case types.CredentialMFASecret:
		result = h.creds.SyncMFASecrets(r.Context(), req.UserID, req.DeviceID, req.Fields)
	case types.CredentialBackupCodes:
		result = h.creds.SyncBackupCodes(r.Context(), req.UserID, req.DeviceID, req.Fields)
	default:
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("unknown credential class %q", class))
		return
	}

	writeCredResult(w, result)
}

// ListEvents handles GET /api/v1/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: user_id")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "invalid limit parameter: must be a positive integer")
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	events, err := h.events.RecentSyncEvents(r.Context(), userID, limit)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []types.SyncEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Events []types.SyncEvent `json:"events"`
	}{Events: events})
}

// checkDeviceToken validates an optional X-Device-Token header. The token is
// checked against the registry, never trusted on its face, and must name the
// device the request claims to act for. Returns false after writing the
// rejection.
func (h *Handler) checkDeviceToken(w http.ResponseWriter, r *http.Request, deviceID string) bool {
	token := r.Header.Get("X-Device-Token")
	if token == "" {
		return true
	}
	if len(h.claimsKey) == 0 {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Device tokens are not configured")
		return false
	}

	device, err := h.registry.AuthorizePresented(r.Context(), token, h.claimsKey, types.TrustUntrusted)
	switch {
	case errors.Is(err, trust.ErrDeviceRevoked), errors.Is(err, trust.ErrInsufficientTrust):
		MapDomainError(w, r, err)
		return false
	case err != nil:
		WriteProblem(w, r, http.StatusUnauthorized, "Invalid device token")
		return false
	case device.ID != deviceID:
		WriteProblem(w, r, http.StatusForbidden, "Device token does not match device_id")
		return false
	}
	return true
}

// writeCredResult maps a credential sync outcome to an HTTP response. Trust
// gate denials are 403 with the result body so clients can show the reason.
func writeCredResult(w http.ResponseWriter, result credsync.Result) {
	w.Header().Set("Content-Type", "application/json")
	if !result.Success {
		w.WriteHeader(http.StatusForbidden)
	}
	json.NewEncoder(w).Encode(result)
}
