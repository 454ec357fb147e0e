package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/types"
)

// stubClient is a scriptable backing-store client.
type stubClient struct {
	records   map[string]*types.Record
	updateErr error
	created   []*types.Record
	updated   []*types.Record
	deleted   []string
}

var _ remote.Client = (*stubClient)(nil)

func (c *stubClient) Get(_ context.Context, _ types.RecordKind, _ string, recordID string) (*types.Record, error) {
	record, ok := c.records[recordID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	clone := record.Clone()
	return &clone, nil
}

func (c *stubClient) Create(_ context.Context, record *types.Record) (*types.Record, error) {
	clone := record.Clone()
	clone.Version = 1
	c.created = append(c.created, &clone)
	return &clone, nil
}

func (c *stubClient) Update(_ context.Context, record *types.Record, baseVersion int64) (*types.Record, error) {
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	clone := record.Clone()
	clone.Version = baseVersion + 1
	c.updated = append(c.updated, &clone)
	return &clone, nil
}

func (c *stubClient) Delete(_ context.Context, _ types.RecordKind, _ string, recordID string, _ int64) error {
	c.deleted = append(c.deleted, recordID)
	return nil
}

func (c *stubClient) Ping(context.Context) error { return nil }

func settingsItem(t *testing.T, op types.OperationType, baseVersion int64) *types.QueueItem {
	t.Helper()
	record := types.Record{
		Kind: types.KindSettings, RecordID: "prefs", UserID: "user-1",
		OriginDevice: "device-a",
		Fields:       map[string]any{"theme": "dark"},
		UpdatedAt:    time.Now().UTC(),
		Version:      baseVersion,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &types.QueueItem{
		ID: "item-1", UserID: "user-1", DeviceID: "device-a",
		Operation: op, Kind: types.KindSettings, RecordID: "prefs",
		Payload: payload, BaseVersion: baseVersion,
	}
}

func TestExecuteUpdateWritesAndCaches(t *testing.T) {
	st := newTestStore(t)
	client := &stubClient{}
	exec := NewRemoteExecutor(client, st, discardLogger())
	ctx := context.Background()

	if err := exec.Execute(ctx, settingsItem(t, types.OpUpdate, 3)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(client.updated) != 1 {
		t.Fatalf("expected 1 update, got %d", len(client.updated))
	}

	cached, err := st.GetCachedRecord(ctx, "user-1", types.KindSettings, "prefs")
	if err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if cached.Version != 4 {
		t.Errorf("cache must adopt the authoritative version, got %d", cached.Version)
	}
}

func TestExecutePropagatesVersionMismatch(t *testing.T) {
	client := &stubClient{updateErr: remote.ErrVersionMismatch}
	exec := NewRemoteExecutor(client, newTestStore(t), discardLogger())

	err := exec.Execute(context.Background(), settingsItem(t, types.OpUpdate, 3))
	if !errors.Is(err, remote.ErrVersionMismatch) {
		t.Errorf("expected mismatch passed through, got %v", err)
	}
}

func TestExecuteDeleteMissingRecordSucceeds(t *testing.T) {
	client := &stubClient{}
	exec := NewRemoteExecutor(client, newTestStore(t), discardLogger())

	item := settingsItem(t, types.OpDelete, 2)
	item.Payload = nil
	if err := exec.Execute(context.Background(), item); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(client.deleted) != 1 {
		t.Errorf("expected delete call, got %d", len(client.deleted))
	}
}

func TestExecuteCredentialRequiresEncryptionFlag(t *testing.T) {
	exec := NewRemoteExecutor(&stubClient{}, newTestStore(t), discardLogger())

	item := &types.QueueItem{
		ID: "item-1", UserID: "user-1", DeviceID: "device-a",
		Operation: types.OpUpdate, Kind: types.KindCredential, RecordID: "api_key",
		Payload: json.RawMessage(`{"user_id":"user-1","class":"api_key","fields":{}}`),
	}
	if err := exec.Execute(context.Background(), item); err == nil {
		t.Error("credential item without encryption flag must fail")
	}
}

func TestExecuteCredentialKeepsBundleOpaque(t *testing.T) {
	st := newTestStore(t)
	client := &stubClient{}
	exec := NewRemoteExecutor(client, st, discardLogger())
	ctx := context.Background()

	bundle := types.CredentialBundle{
		UserID: "user-1", Class: types.CredentialAPIKey,
		Fields: map[string]types.EncryptedField{
			"openai": {Data: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}},
		},
	}
	payload, _ := json.Marshal(bundle)

	item := &types.QueueItem{
		ID: "item-1", UserID: "user-1", DeviceID: "device-a",
		Operation: types.OpUpdate, Kind: types.KindCredential, RecordID: "api_key",
		Payload: payload, EncryptionRequired: true, Sensitive: true, BaseVersion: 1,
	}
	if err := exec.Execute(ctx, item); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(client.updated) != 1 {
		t.Fatalf("expected 1 update, got %d", len(client.updated))
	}
	if _, ok := client.updated[0].Fields["bundle"]; !ok {
		t.Error("credential record must wrap the encrypted bundle")
	}

	// Credential records never land in the local cache.
	if _, err := st.GetCachedRecord(ctx, "user-1", types.KindCredential, "api_key"); err == nil {
		t.Error("credential record must not be cached")
	}
}

// stubSettler records queue item transitions requested by the handler.
type stubSettler struct {
	settled  []string
	statuses []types.QueueStatus
}

func (s *stubSettler) SettleQueueItem(_ context.Context, itemID string, status types.QueueStatus, _ string, _ time.Time) error {
	s.settled = append(s.settled, itemID)
	s.statuses = append(s.statuses, status)
	return nil
}

func TestMismatchHandlerRecordsConflict(t *testing.T) {
	client := &stubClient{records: map[string]*types.Record{
		"prefs": {
			Kind: types.KindSettings, RecordID: "prefs", UserID: "user-1",
			OriginDevice: "device-b",
			Fields:       map[string]any{"theme": "light"},
			UpdatedAt:    time.Now().UTC(), Version: 5,
		},
	}}
	conflicts := &captureConflicts{}
	handler := NewMismatchHandler(client, conflicts, &stubSettler{}, discardLogger())

	if err := handler.HandleVersionMismatch(context.Background(), settingsItem(t, types.OpUpdate, 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(conflicts.recorded) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts.recorded))
	}
	c := conflicts.recorded[0]
	if c.Type != types.ConflictVersion {
		t.Errorf("expected version_conflict, got %s", c.Type)
	}
	if c.DeviceID != "device-a" {
		t.Errorf("conflict must name the writing device, got %s", c.DeviceID)
	}
	if c.QueueItemID != "item-1" {
		t.Errorf("conflict must link the parked queue item, got %q", c.QueueItemID)
	}
}

func TestMismatchHandlerCancelsCredentialItems(t *testing.T) {
	conflicts := &captureConflicts{}
	settler := &stubSettler{}
	handler := NewMismatchHandler(&stubClient{}, conflicts, settler, discardLogger())

	item := &types.QueueItem{
		ID: "item-1", Kind: types.KindCredential, RecordID: "api_key",
		Operation: types.OpUpdate, Payload: json.RawMessage(`{}`),
	}
	if err := handler.HandleVersionMismatch(context.Background(), item); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(conflicts.recorded) != 0 {
		t.Error("credential mismatches are not field conflicts")
	}
	// The parked item must not block later bundles for the same class.
	if len(settler.settled) != 1 || settler.settled[0] != "item-1" || settler.statuses[0] != types.StatusCancelled {
		t.Errorf("expected item-1 cancelled, got %v %v", settler.settled, settler.statuses)
	}
}
