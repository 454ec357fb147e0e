// Package syncsvc holds the domain synchronizers for settings and profile
// records. Local edits apply optimistically to the cache and enqueue a
// mutation; reconciliation pulls the remote copy, detects divergence, and
// routes conflicts through the resolver.
package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helixcare/syncd/internal/conflict"
	"github.com/helixcare/syncd/internal/queue"
	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/types"
)

// Store is the subset of the local store the synchronizers need.
type Store interface {
	GetCachedRecord(ctx context.Context, userID string, kind types.RecordKind, recordID string) (*types.Record, error)
	PutCachedRecord(ctx context.Context, record *types.Record, syncedAt *time.Time) error
	DeleteCachedRecord(ctx context.Context, userID string, kind types.RecordKind, recordID string) error
}

// Enqueuer adds items to the sync queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*types.QueueItem, bool, error)
}

// ConflictSink records detected conflicts for resolution.
type ConflictSink interface {
	Record(ctx context.Context, c *types.Conflict) error
}

// Reader fetches records from the backing store.
type Reader interface {
	Get(ctx context.Context, kind types.RecordKind, userID, recordID string) (*types.Record, error)
}

// Synchronizer syncs one record kind for one device.
type Synchronizer struct {
	kind      types.RecordKind
	deviceID  string
	store     Store
	reader    Reader
	enqueuer  Enqueuer
	conflicts ConflictSink
	strategy  types.ConflictStrategy
	logger    *slog.Logger
}

// NewSynchronizer creates a synchronizer for a record kind.
func NewSynchronizer(kind types.RecordKind, deviceID string, st Store, reader Reader, enqueuer Enqueuer, conflicts ConflictSink, strategy types.ConflictStrategy, logger *slog.Logger) *Synchronizer {
	if strategy == "" {
		strategy = types.StrategyLastWriteWins
	}
	return &Synchronizer{
		kind:      kind,
		deviceID:  deviceID,
		store:     st,
		reader:    reader,
		enqueuer:  enqueuer,
		conflicts: conflicts,
		strategy:  strategy,
		logger:    logger.With("component", "syncsvc", "record_kind", string(kind)),
	}
}

// NewSettingsService creates the settings synchronizer. Settings resolve
// field by field because two devices usually touch different preferences.
func NewSettingsService(deviceID string, st Store, reader Reader, enqueuer Enqueuer, conflicts ConflictSink, logger *slog.Logger) *Synchronizer {
	return NewSynchronizer(types.KindSettings, deviceID, st, reader, enqueuer, conflicts, types.StrategyFieldLevelMerge, logger)
}

// NewProfileService creates the profile synchronizer. Profile edits are
// whole-form saves, so last write wins.
func NewProfileService(deviceID string, st Store, reader Reader, enqueuer Enqueuer, conflicts ConflictSink, logger *slog.Logger) *Synchronizer {
	return NewSynchronizer(types.KindProfile, deviceID, st, reader, enqueuer, conflicts, types.StrategyLastWriteWins, logger)
}

// Update applies a local edit optimistically and enqueues the mutation. The
// caller sees the change immediately; the queue carries it to the backing
// store in the background.
func (s *Synchronizer) Update(ctx context.Context, userID, recordID string, changes map[string]any) (*types.Record, error) {
	if len(changes) == 0 {
		return nil, errors.New("no changes to apply")
	}

	now := time.Now().UTC()
	record, err := s.store.GetCachedRecord(ctx, userID, s.kind, recordID)
	if errors.Is(err, store.ErrNotFound) {
		record = &types.Record{
			Kind:       s.kind,
			RecordID:   recordID,
			UserID:     userID,
			Fields:     make(map[string]any),
			FieldTimes: make(map[string]time.Time),
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if record.FieldTimes == nil {
		record.FieldTimes = make(map[string]time.Time)
	}

	baseVersion := record.Version
	operation := types.OpUpdate
	if baseVersion == 0 {
		operation = types.OpCreate
	}

	for name, value := range changes {
		record.Fields[name] = value
		record.FieldTimes[name] = now
	}
	record.UpdatedAt = now
	record.OriginDevice = s.deviceID

	if err := s.store.PutCachedRecord(ctx, record, nil); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	if _, _, err := s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		UserID:      userID,
		DeviceID:    s.deviceID,
		Operation:   operation,
		Kind:        s.kind,
		RecordID:    recordID,
		Payload:     payload,
		Strategy:    s.strategy,
		Priority:    1,
		BaseVersion: baseVersion,
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("local edit applied",
		"action", "update",
		"record_id", recordID,
		"fields", len(changes))
	return record, nil
}

// Delete removes a record locally and enqueues the remote delete.
func (s *Synchronizer) Delete(ctx context.Context, userID, recordID string) error {
	record, err := s.store.GetCachedRecord(ctx, userID, s.kind, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.store.DeleteCachedRecord(ctx, userID, s.kind, recordID); err != nil {
		return err
	}

	_, _, err = s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		UserID:      userID,
		DeviceID:    s.deviceID,
		Operation:   types.OpDelete,
		Kind:        s.kind,
		RecordID:    recordID,
		Strategy:    s.strategy,
		Priority:    1,
		BaseVersion: record.Version,
	})
	return err
}

// Reconcile pulls the remote copy of a record and settles any divergence. A
// record missing remotely is enqueued as a create, never treated as a
// conflict; a record missing locally is adopted as-is.
func (s *Synchronizer) Reconcile(ctx context.Context, userID, recordID string) (types.SyncResult, error) {
	result := types.SyncResult{Kind: s.kind, Success: true}
	now := time.Now().UTC()

	remoteRecord, err := s.reader.Get(ctx, s.kind, userID, recordID)
	if errors.Is(err, remote.ErrNotFound) {
		local, localErr := s.store.GetCachedRecord(ctx, userID, s.kind, recordID)
		if errors.Is(localErr, store.ErrNotFound) {
			return result, nil
		}
		if localErr != nil {
			return result, localErr
		}

		// First sync for this record: push what we have.
		payload, encErr := json.Marshal(local)
		if encErr != nil {
			return result, fmt.Errorf("encode record: %w", encErr)
		}
		if _, created, enqErr := s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			UserID:    userID,
			DeviceID:  s.deviceID,
			Operation: types.OpCreate,
			Kind:      s.kind,
			RecordID:  recordID,
			Payload:   payload,
			Strategy:  s.strategy,
			Priority:  1,
		}); enqErr != nil {
			return result, enqErr
		} else if created {
			result.Enqueued++
		}
		return result, nil
	}
	if err != nil {
		return result, err
	}

	local, err := s.store.GetCachedRecord(ctx, userID, s.kind, recordID)
	if errors.Is(err, store.ErrNotFound) {
		if putErr := s.store.PutCachedRecord(ctx, remoteRecord, &now); putErr != nil {
			return result, putErr
		}
		result.Applied++
		return result, nil
	}
	if err != nil {
		return result, err
	}
	if local.OriginDevice == "" {
		local.OriginDevice = s.deviceID
	}

	detected := conflict.Detect(*local, *remoteRecord, local.Version)
	if detected == nil {
		if putErr := s.store.PutCachedRecord(ctx, local, &now); putErr != nil {
			return result, putErr
		}
		return result, nil
	}
	detected.DeviceID = s.deviceID

	resolution := conflict.Resolve(*detected, s.strategy)
	if !resolution.Success {
		if recErr := s.conflicts.Record(ctx, detected); recErr != nil {
			return result, recErr
		}
		result.Conflicts++
		return result, nil
	}

	merged := resolution.Merged
	if err := s.store.PutCachedRecord(ctx, &merged, &now); err != nil {
		return result, err
	}
	result.Applied++

	// Push the merged record back unless the remote copy already is it.
	if resolution.Winner != "remote" {
		payload, encErr := json.Marshal(merged)
		if encErr != nil {
			return result, fmt.Errorf("encode merged record: %w", encErr)
		}
		if _, created, enqErr := s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			UserID:      userID,
			DeviceID:    s.deviceID,
			Operation:   types.OpUpdate,
			Kind:        s.kind,
			RecordID:    recordID,
			Payload:     payload,
			Strategy:    s.strategy,
			Priority:    1,
			BaseVersion: remoteRecord.Version,
		}); enqErr != nil {
			return result, enqErr
		} else if created {
			result.Enqueued++
		}
	}

	s.logger.Info("record reconciled",
		"action", "reconcile",
		"record_id", recordID,
		"winner", resolution.Winner)
	return result, nil
}

// ForceSyncFromCloud discards the local copy and adopts the remote one. The
// recovery path when local state is corrupt or the user asks for a reset.
func (s *Synchronizer) ForceSyncFromCloud(ctx context.Context, userID, recordID string) error {
	remoteRecord, err := s.reader.Get(ctx, s.kind, userID, recordID)
	if errors.Is(err, remote.ErrNotFound) {
		return s.store.DeleteCachedRecord(ctx, userID, s.kind, recordID)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.store.PutCachedRecord(ctx, remoteRecord, &now); err != nil {
		return err
	}

	s.logger.Info("forced pull from cloud",
		"action", "force_sync",
		"record_id", recordID,
		"version", remoteRecord.Version)
	return nil
}

// Kind returns the record kind this synchronizer owns.
func (s *Synchronizer) Kind() types.RecordKind {
	return s.kind
}
