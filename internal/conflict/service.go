package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/queue"
	"github.com/helixcare/syncd/internal/types"
)

// Store is the subset of the local store the conflict service needs. The
// queue item methods release the item that parked when its write lost the
// race; the cache write makes the resolved record the local copy.
type Store interface {
	InsertConflict(ctx context.Context, conflict *types.Conflict) error
	GetConflict(ctx context.Context, conflictID string) (*types.Conflict, error)
	PendingConflicts(ctx context.Context, userID string) ([]types.Conflict, error)
	PendingConflictCount(ctx context.Context, userID string) (int, error)
	ResolveConflict(ctx context.Context, conflictID, resolution string, now time.Time) error
	PutCachedRecord(ctx context.Context, record *types.Record, syncedAt *time.Time) error
	SettleQueueItem(ctx context.Context, itemID string, status types.QueueStatus, lastError string, now time.Time) error
}

// Enqueuer pushes the resolved record back out as a new queue item.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*types.QueueItem, bool, error)
}

// Service persists conflicts and drives their resolution. The pure functions
// in this package decide outcomes; the service records and applies them.
type Service struct {
	store    Store
	enqueuer Enqueuer
	sink     audit.Sink
	logger   *slog.Logger
}

// NewService creates a conflict service. The queue is attached separately
// because the queue's conflict handler needs this service first.
func NewService(st Store, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		sink:   sink,
		logger: logger.With("component", "conflict"),
	}
}

// AttachQueue wires in the sync queue used to push resolved records back out.
func (s *Service) AttachQueue(q Enqueuer) {
	s.enqueuer = q
}

// Record persists a detected conflict and emits an audit event.
func (s *Service) Record(ctx context.Context, conflict *types.Conflict) error {
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}
	if err := s.store.InsertConflict(ctx, conflict); err != nil {
		return err
	}

	s.sink.Record(ctx, audit.New(audit.EventConflictDetected, conflict.UserID, conflict.DeviceID, map[string]any{
		"conflict_id":   conflict.ID,
		"conflict_type": string(conflict.Type),
		"record_kind":   string(conflict.Kind),
		"record_id":     conflict.RecordID,
		"fields":        conflict.ConflictingFields,
	}))
	s.logger.Warn("conflict recorded",
		"action", "detect",
		"conflict_id", conflict.ID,
		"conflict_type", string(conflict.Type),
		"record_id", conflict.RecordID)
	return nil
}

// ResolveAuto loads a pending conflict and applies an automatic strategy.
// When the strategy cannot resolve confidently the conflict stays pending and
// the unsuccessful Resolution explains why.
func (s *Service) ResolveAuto(ctx context.Context, conflictID string, strategy types.ConflictStrategy) (types.Resolution, error) {
	conflict, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return types.Resolution{}, err
	}

	resolution := Resolve(*conflict, strategy)
	if !resolution.Success {
		s.logger.Info("automatic resolution declined",
			"action", "resolve",
			"conflict_id", conflictID,
			"strategy", string(strategy),
			"reason", resolution.Reason)
		return resolution, nil
	}

	if err := s.settle(ctx, conflict, resolution); err != nil {
		return types.Resolution{}, err
	}
	return resolution, nil
}

// ResolveManual applies a caller-selected choice to a pending conflict.
// fields carries the per-field side selection for ChoiceMergeFields.
func (s *Service) ResolveManual(ctx context.Context, conflictID string, choice types.ManualChoice, edited *types.Record, fields map[string]string) (types.Resolution, error) {
	conflict, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return types.Resolution{}, err
	}

	resolution, err := ResolveManually(*conflict, choice, edited, fields)
	if err != nil {
		return types.Resolution{}, err
	}

	if err := s.settle(ctx, conflict, resolution); err != nil {
		return types.Resolution{}, err
	}
	return resolution, nil
}

// Pending returns unresolved conflicts for a user, oldest first.
func (s *Service) Pending(ctx context.Context, userID string) ([]types.Conflict, error) {
	return s.store.PendingConflicts(ctx, userID)
}

// PendingCount returns the number of unresolved conflicts for a user.
func (s *Service) PendingCount(ctx context.Context, userID string) (int, error) {
	return s.store.PendingConflictCount(ctx, userID)
}

// Get returns a conflict by id.
func (s *Service) Get(ctx context.Context, conflictID string) (*types.Conflict, error) {
	return s.store.GetConflict(ctx, conflictID)
}

func (s *Service) settle(ctx context.Context, conflict *types.Conflict, resolution types.Resolution) error {
	now := time.Now().UTC()
	tag := string(resolution.Strategy) + ":" + resolution.Winner
	if err := s.store.ResolveConflict(ctx, conflict.ID, tag, now); err != nil {
		return err
	}

	if err := s.apply(ctx, conflict, resolution, now); err != nil {
		return err
	}

	s.sink.Record(ctx, audit.New(audit.EventConflictResolved, conflict.UserID, conflict.DeviceID, map[string]any{
		"conflict_id": conflict.ID,
		"strategy":    string(resolution.Strategy),
		"winner":      resolution.Winner,
		"confidence":  resolution.Confidence,
	}))
	s.logger.Info("conflict resolved",
		"action", "resolve",
		"conflict_id", conflict.ID,
		"strategy", string(resolution.Strategy),
		"winner", resolution.Winner)
	return nil
}

// apply makes the resolution real: the merged record becomes the local copy,
// the queue item parked on this conflict is released, and any outcome other
// than adopting the remote copy goes back out as a conditional write against
// the version that won the race.
func (s *Service) apply(ctx context.Context, conflict *types.Conflict, resolution types.Resolution, now time.Time) error {
	merged := resolution.Merged
	var syncedAt *time.Time
	if resolution.Winner == "remote" {
		// Local now matches remote; no write-back needed.
		syncedAt = &now
	}
	if err := s.store.PutCachedRecord(ctx, &merged, syncedAt); err != nil {
		return fmt.Errorf("cache resolved record: %w", err)
	}

	if conflict.QueueItemID != "" {
		if err := s.store.SettleQueueItem(ctx, conflict.QueueItemID, types.StatusCancelled,
			"superseded by conflict resolution", now); err != nil {
			return fmt.Errorf("release parked queue item: %w", err)
		}
	}

	if resolution.Winner == "remote" {
		return nil
	}
	if s.enqueuer == nil {
		s.logger.Warn("no queue attached, resolved record not pushed",
			"action", "resolve",
			"conflict_id", conflict.ID)
		return nil
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode resolved record: %w", err)
	}
	_, _, err = s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		UserID:      merged.UserID,
		DeviceID:    conflict.DeviceID,
		Operation:   types.OpUpdate,
		Kind:        conflict.Kind,
		RecordID:    conflict.RecordID,
		Payload:     payload,
		Strategy:    resolution.Strategy,
		BaseVersion: conflict.Remote.Version,
	})
	if err != nil {
		return fmt.Errorf("enqueue resolved record: %w", err)
	}
	return nil
}
