package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helixcare/syncd/internal/conflict"
	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/types"
)

// RemoteExecutor carries claimed queue items to the backing store. It is the
// queue's Executor: errors come back unwrapped so the queue can classify them.
type RemoteExecutor struct {
	client remote.Client
	store  Store
	logger *slog.Logger
}

// NewRemoteExecutor creates the executor.
func NewRemoteExecutor(client remote.Client, st Store, logger *slog.Logger) *RemoteExecutor {
	return &RemoteExecutor{
		client: client,
		store:  st,
		logger: logger.With("component", "executor"),
	}
}

// Execute performs one queue item against the backing store. On success the
// local cache adopts the authoritative copy the store returned.
func (e *RemoteExecutor) Execute(ctx context.Context, item *types.QueueItem) error {
	switch item.Operation {
	case types.OpDelete:
		err := e.client.Delete(ctx, item.Kind, item.UserID, item.RecordID, item.BaseVersion)
		if errors.Is(err, remote.ErrNotFound) {
			// Already gone; the delete is effectively applied.
			return nil
		}
		return err
	case types.OpCreate, types.OpUpdate, types.OpBulkUpdate:
		return e.push(ctx, item)
	default:
		return fmt.Errorf("unknown operation %q", item.Operation)
	}
}

func (e *RemoteExecutor) push(ctx context.Context, item *types.QueueItem) error {
	record, err := e.decodeRecord(item)
	if err != nil {
		return err
	}

	var written *types.Record
	if item.Operation == types.OpCreate {
		written, err = e.client.Create(ctx, record)
		if errors.Is(err, remote.ErrVersionMismatch) {
			// The record appeared between enqueue and drain. Retry as a
			// conditional update against the current remote copy would race;
			// surface the mismatch so the conflict path handles it.
			return err
		}
	} else {
		written, err = e.client.Update(ctx, record, item.BaseVersion)
	}
	if err != nil {
		return err
	}

	// Credential payloads stay encrypted end to end; the cache only carries
	// settings and profile records.
	if item.Kind != types.KindCredential {
		now := time.Now().UTC()
		if err := e.store.PutCachedRecord(ctx, written, &now); err != nil {
			e.logger.Warn("cache update after push failed",
				"action", "execute",
				"item_id", item.ID,
				"error", err)
		}
	}
	return nil
}

// decodeRecord turns an item payload into the record to write. Credential
// items wrap their encrypted bundle in a single record field.
func (e *RemoteExecutor) decodeRecord(item *types.QueueItem) (*types.Record, error) {
	if item.Kind == types.KindCredential {
		if !item.EncryptionRequired {
			return nil, errors.New("credential item without encryption flag")
		}
		var bundle types.CredentialBundle
		if err := json.Unmarshal(item.Payload, &bundle); err != nil {
			return nil, fmt.Errorf("decode credential bundle: %w", err)
		}
		return &types.Record{
			Kind:         item.Kind,
			RecordID:     item.RecordID,
			UserID:       item.UserID,
			OriginDevice: item.DeviceID,
			Fields:       map[string]any{"bundle": json.RawMessage(item.Payload)},
			UpdatedAt:    time.Now().UTC(),
		}, nil
	}

	var record types.Record
	if err := json.Unmarshal(item.Payload, &record); err != nil {
		return nil, fmt.Errorf("decode record payload: %w", err)
	}
	if record.OriginDevice == "" {
		record.OriginDevice = item.DeviceID
	}
	return &record, nil
}

// ItemSettler releases parked queue items the handler declines to contest.
type ItemSettler interface {
	SettleQueueItem(ctx context.Context, itemID string, status types.QueueStatus, lastError string, now time.Time) error
}

// MismatchHandler resolves queue items whose conditional write lost the race.
// It pulls the current remote copy, detects the conflict against the item's
// payload, and records it for automatic or manual resolution.
type MismatchHandler struct {
	client    remote.Client
	conflicts ConflictSink
	settler   ItemSettler
	logger    *slog.Logger
}

// NewMismatchHandler creates the queue's conflict handler.
func NewMismatchHandler(client remote.Client, conflicts ConflictSink, settler ItemSettler, logger *slog.Logger) *MismatchHandler {
	return &MismatchHandler{
		client:    client,
		conflicts: conflicts,
		settler:   settler,
		logger:    logger.With("component", "mismatch"),
	}
}

// HandleVersionMismatch records a conflict between the item's intended write
// and the current remote copy.
func (h *MismatchHandler) HandleVersionMismatch(ctx context.Context, item *types.QueueItem) error {
	if item.Kind == types.KindCredential {
		// Credential bundles are opaque ciphertext; field comparison is
		// meaningless. The newer remote bundle stands, so the parked item is
		// cancelled instead of contested; the next sync pass re-seals on top.
		return h.settler.SettleQueueItem(ctx, item.ID, types.StatusCancelled,
			"superseded by newer remote bundle", time.Now().UTC())
	}

	var local types.Record
	if err := json.Unmarshal(item.Payload, &local); err != nil {
		return fmt.Errorf("decode item payload: %w", err)
	}
	if local.OriginDevice == "" {
		local.OriginDevice = item.DeviceID
	}

	remoteRecord, err := h.client.Get(ctx, item.Kind, item.UserID, item.RecordID)
	if err != nil {
		return err
	}

	detected := conflict.Detect(local, *remoteRecord, item.BaseVersion)
	if detected == nil {
		// The remote copy already matches what we wanted to write.
		return nil
	}
	detected.DeviceID = item.DeviceID
	// Resolution releases the parked item through this link.
	detected.QueueItemID = item.ID

	if err := h.conflicts.Record(ctx, detected); err != nil {
		return err
	}
	h.logger.Warn("write conflict recorded",
		"action", "mismatch",
		"item_id", item.ID,
		"conflict_id", detected.ID)
	return nil
}
