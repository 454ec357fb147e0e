// Package manager owns sync session lifecycle: it registers the device,
// fans sync triggers out across the domain synchronizers, consumes the
// remote change feed, and tears everything down on logout.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/helixcare/syncd/internal/queue"
	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/trust"
	"github.com/helixcare/syncd/internal/types"
)

// Record ids each synchronizer reconciles per user. Settings and profile are
// singleton records per user in the backing store.
var reconcileTargets = map[types.RecordKind]string{
	types.KindSettings: "preferences",
	types.KindProfile:  "profile",
}

// ErrSessionNotFound means the session id is unknown or already torn down.
var ErrSessionNotFound = errors.New("sync session not found")

// Reconciler is one domain synchronizer as the manager sees it.
type Reconciler interface {
	Kind() types.RecordKind
	Reconcile(ctx context.Context, userID, recordID string) (types.SyncResult, error)
	ForceSyncFromCloud(ctx context.Context, userID, recordID string) error
}

// Registry is the trust registry surface the manager needs.
type Registry interface {
	Register(ctx context.Context, userID, fingerprint string) (*types.Device, error)
	MarkLogin(ctx context.Context, deviceID string) (*types.Device, error)
	Elevate(ctx context.Context, deviceID string, target types.TrustLevel, evidence trust.MFAEvidence) (*types.Device, error)
	Authorize(ctx context.Context, deviceID string, required types.TrustLevel) (*types.Device, error)
	DeviceCount(ctx context.Context, userID string) (int, error)
}

// Store is the subset of the local store the manager needs.
type Store interface {
	PendingQueueCount(ctx context.Context, userID string) (int, error)
	PendingConflictCount(ctx context.Context, userID string) (int, error)
	LastSyncTime(ctx context.Context, userID string) (*time.Time, error)
	AppendSyncEvent(ctx context.Context, event *types.SyncEvent) error
}

// Drainer pushes pending queue items and tears the queue down on logout.
type Drainer interface {
	DrainOnce(ctx context.Context, now time.Time) (queue.DrainStats, error)
	Teardown(ctx context.Context, userID string, now time.Time) (queue.TeardownStats, error)
}

// Pinger checks backing-store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type session struct {
	types.SyncSession
	cancelFeed context.CancelFunc
}

// Manager coordinates sessions, triggers, and the change feed.
type Manager struct {
	registry      Registry
	store         Store
	drainer       Drainer
	synchronizers map[types.RecordKind]Reconciler
	feed          remote.Feed
	pinger        Pinger
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a sync manager. feed may be nil when no real-time feed is
// configured; sync then relies on periodic and manual triggers.
func New(registry Registry, st Store, drainer Drainer, synchronizers []Reconciler, feed remote.Feed, pinger Pinger, logger *slog.Logger) *Manager {
	byKind := make(map[types.RecordKind]Reconciler, len(synchronizers))
	for _, s := range synchronizers {
		byKind[s.Kind()] = s
	}
	return &Manager{
		registry:      registry,
		store:         st,
		drainer:       drainer,
		synchronizers: byKind,
		feed:          feed,
		pinger:        pinger,
		logger:        logger.With("component", "manager"),
		sessions:      make(map[string]*session),
	}
}

// SessionOptions carries the login context a sync session starts with.
type SessionOptions struct {
	Fingerprint        string
	MFAVerified        bool
	SecurityLevel      string
	EnablePeriodicSync bool
}

// InitializeSync starts a sync session for a device. The device is registered
// (or recognized) by fingerprint, earns basic trust from the login, rises to
// trusted when the login was MFA-verified, and gets an initial login-triggered
// sync pass.
func (m *Manager) InitializeSync(ctx context.Context, userID string, opts SessionOptions) (*types.SyncSession, error) {
	device, err := m.registry.Register(ctx, userID, opts.Fingerprint)
	if err != nil {
		return nil, err
	}
	if _, err := m.registry.MarkLogin(ctx, device.ID); err != nil {
		return nil, err
	}
	if opts.MFAVerified {
		if _, err := m.registry.Elevate(ctx, device.ID, types.TrustTrusted,
			trust.MFAEvidence{Verified: true, Method: "login"}); err != nil {
			return nil, err
		}
	}

	securityLevel := opts.SecurityLevel
	if securityLevel == "" {
		securityLevel = "standard"
	}
	sess := &session{
		SyncSession: types.SyncSession{
			ID:            uuid.NewString(),
			UserID:        userID,
			DeviceID:      device.ID,
			SecurityLevel: securityLevel,
			MFAVerified:   opts.MFAVerified,
			PeriodicSync:  opts.EnablePeriodicSync,
			StartedAt:     time.Now().UTC(),
		},
	}

	if m.feed != nil {
		feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		events, err := m.feed.Subscribe(feedCtx, userID)
		if err != nil {
			m.logger.Warn("feed subscription failed, continuing without",
				"action", "initialize",
				"error", err)
			cancel()
		} else {
			sess.cancelFeed = cancel
			go m.consumeFeed(feedCtx, userID, events)
		}
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("sync session started",
		"action", "initialize",
		"session_id", sess.ID,
		"user_id", userID,
		"device_id", device.ID)

	if _, err := m.TriggerSync(ctx, sess.ID, types.TriggerLogin); err != nil {
		m.logger.Warn("initial sync pass failed",
			"action", "initialize",
			"session_id", sess.ID,
			"error", err)
	}
	return &sess.SyncSession, nil
}

// TriggerSync runs one sync pass for a session: reconcile every record kind,
// then drain the queue. The aggregated report is persisted as a sync event.
func (m *Manager) TriggerSync(ctx context.Context, sessionID string, reason types.TriggerReason) (*types.SyncReport, error) {
	sess, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	// Revoked devices fail here no matter how the sync was triggered.
	if _, err := m.registry.Authorize(ctx, sess.DeviceID, types.TrustBasic); err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	report := &types.SyncReport{
		Reason:    reason,
		UserID:    sess.UserID,
		DeviceID:  sess.DeviceID,
		Success:   true,
		StartedAt: started,
	}

	for kind, recordID := range reconcileTargets {
		sync, ok := m.synchronizers[kind]
		if !ok {
			continue
		}
		result, err := sync.Reconcile(ctx, sess.UserID, recordID)
		if err != nil {
			result = types.SyncResult{Kind: kind, Error: err.Error()}
			report.Success = false
		}
		report.Results = append(report.Results, result)
		report.Conflicts += result.Conflicts
	}

	if _, err := m.drainer.DrainOnce(ctx, time.Now().UTC()); err != nil {
		report.Success = false
		report.Results = append(report.Results, types.SyncResult{Error: "drain: " + err.Error()})
	}

	report.Duration = time.Since(started)

	event := &types.SyncEvent{
		ID:        ulid.Make().String(),
		UserID:    sess.UserID,
		DeviceID:  sess.DeviceID,
		Reason:    reason,
		Success:   report.Success,
		Conflicts: report.Conflicts,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AppendSyncEvent(ctx, event); err != nil {
		m.logger.Warn("sync event not recorded", "action", "trigger", "error", err)
	}

	m.logger.Info("sync pass finished",
		"action", "trigger",
		"session_id", sessionID,
		"reason", string(reason),
		"success", report.Success,
		"conflicts", report.Conflicts,
		"duration", report.Duration.String())
	return report, nil
}

// NotifySettingsChanged triggers a settings_change sync pass. Debouncing of
// rapid-fire edits happens at the queue's checksum layer.
func (m *Manager) NotifySettingsChanged(ctx context.Context, sessionID string) (*types.SyncReport, error) {
	return m.TriggerSync(ctx, sessionID, types.TriggerSettingsChange)
}

// TriggerAll runs a sync pass for every active session. Used by the periodic
// coordinator; sessions that opted out of periodic sync are left alone.
func (m *Manager) TriggerAll(ctx context.Context, reason types.TriggerReason) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if reason == types.TriggerPeriodic && !sess.PeriodicSync {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.TriggerSync(ctx, id, reason); err != nil {
			m.logger.Warn("periodic sync failed",
				"action", "trigger_all",
				"session_id", id,
				"error", err)
		}
	}
}

// ForceSyncFromCloud discards local state for a record kind and adopts the
// remote copy.
func (m *Manager) ForceSyncFromCloud(ctx context.Context, sessionID string, kind types.RecordKind) error {
	sess, err := m.session(sessionID)
	if err != nil {
		return err
	}
	sync, ok := m.synchronizers[kind]
	if !ok {
		return fmt.Errorf("no synchronizer for kind %q", kind)
	}
	recordID, ok := reconcileTargets[kind]
	if !ok {
		return fmt.Errorf("no reconcile target for kind %q", kind)
	}
	return sync.ForceSyncFromCloud(ctx, sess.UserID, recordID)
}

// HandleLogout tears a session down: stop the feed, flush non-sensitive
// pending items once, cancel sensitive ones, drop the session.
func (m *Manager) HandleLogout(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if sess.cancelFeed != nil {
		sess.cancelFeed()
	}

	stats, err := m.drainer.Teardown(ctx, sess.UserID, time.Now().UTC())
	if err != nil {
		return err
	}

	m.logger.Info("sync session ended",
		"action", "logout",
		"session_id", sessionID,
		"flushed", stats.Flushed,
		"cancelled", stats.Cancelled)
	return nil
}

// Status assembles the read-only projection for the UI.
func (m *Manager) Status(ctx context.Context, userID string) (types.StatusProjection, error) {
	projection := types.StatusProjection{IsEnabled: true}

	if m.pinger != nil {
		projection.IsOnline = m.pinger.Ping(ctx) == nil
	}
	if m.feed != nil {
		projection.CloudConnected = m.feed.Connected()
	}

	pending, err := m.store.PendingQueueCount(ctx, userID)
	if err != nil {
		return projection, err
	}
	projection.PendingItems = pending

	conflicts, err := m.store.PendingConflictCount(ctx, userID)
	if err != nil {
		return projection, err
	}
	projection.PendingConflicts = conflicts

	devices, err := m.registry.DeviceCount(ctx, userID)
	if err != nil {
		return projection, err
	}
	projection.DeviceCount = devices

	lastSync, err := m.store.LastSyncTime(ctx, userID)
	if err != nil {
		return projection, err
	}
	projection.LastSync = lastSync

	return projection, nil
}

// Sessions returns the active sessions.
func (m *Manager) Sessions() []types.SyncSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.SyncSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.SyncSession)
	}
	return out
}

func (m *Manager) session(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// consumeFeed applies remote change notifications by reconciling the record
// they name. Events from this device were already filtered by the feed.
func (m *Manager) consumeFeed(ctx context.Context, userID string, events <-chan remote.FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sync, found := m.synchronizers[event.Kind]
			if !found {
				continue
			}
			if _, err := sync.Reconcile(ctx, userID, event.RecordID); err != nil {
				m.logger.Warn("feed-triggered reconcile failed",
					"action", "feed",
					"record_kind", string(event.Kind),
					"record_id", event.RecordID,
					"error", err)
			}
		}
	}
}
