package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/types"
)

// stubExecutor returns scripted errors keyed by record id; unknown records
// succeed. It records execution order.
type stubExecutor struct {
	errs     map[string]error
	executed []string
}

func (e *stubExecutor) Execute(_ context.Context, item *types.QueueItem) error {
	e.executed = append(e.executed, item.RecordID)
	return e.errs[item.RecordID]
}

type stubConflictHandler struct {
	items []string
}

func (h *stubConflictHandler) HandleVersionMismatch(_ context.Context, item *types.QueueItem) error {
	h.items = append(h.items, item.ID)
	return nil
}

func newTestQueue(t *testing.T, executor Executor, handler ConflictHandler, opts Options) (*Queue, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, executor, handler, opts, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func settingsRequest(recordID string, payload string) EnqueueRequest {
	return EnqueueRequest{
		UserID:    "user-1",
		DeviceID:  "device-1",
		Operation: types.OpUpdate,
		Kind:      types.KindSettings,
		RecordID:  recordID,
		Payload:   json.RawMessage(payload),
		Priority:  1,
	}
}

func TestEnqueueDebouncesIdenticalPayload(t *testing.T) {
	q, _ := newTestQueue(t, &stubExecutor{}, nil, Options{DebounceWindow: time.Minute})
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"theme":"dark"}`))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !created {
		t.Fatal("first enqueue should create an item")
	}

	second, created, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"theme":"dark"}`))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Error("identical payload within window must be debounced")
	}
	if second.ID != first.ID {
		t.Errorf("expected existing item %s, got %s", first.ID, second.ID)
	}

	count, err := q.PendingCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 pending item, got %d", count)
	}
}

func TestEnqueueDistinctPayloadsNotDebounced(t *testing.T) {
	q, _ := newTestQueue(t, &stubExecutor{}, nil, Options{DebounceWindow: time.Minute})
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"theme":"dark"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, created, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"theme":"light"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Error("different payload must create a new item")
	}
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	q, _ := newTestQueue(t, &stubExecutor{}, nil, Options{})
	req := settingsRequest("rec-1", `{}`)
	req.Kind = "bogus"
	if _, _, err := q.Enqueue(context.Background(), req); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestDrainCompletesItems(t *testing.T) {
	exec := &stubExecutor{}
	q, st := newTestQueue(t, exec, nil, Options{})
	ctx := context.Background()

	item, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"theme":"dark"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed, got %+v", stats)
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestDrainOrderPriorityThenFIFO(t *testing.T) {
	exec := &stubExecutor{}
	q, _ := newTestQueue(t, exec, nil, Options{})
	ctx := context.Background()

	low := settingsRequest("rec-low", `{"a":1}`)
	low.Priority = 1
	high := settingsRequest("rec-high", `{"b":2}`)
	high.Priority = 5

	if _, _, err := q.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, _, err := q.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	if _, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(exec.executed) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(exec.executed))
	}
	if exec.executed[0] != "rec-high" || exec.executed[1] != "rec-low" {
		t.Errorf("expected high priority first, got %v", exec.executed)
	}
}

func TestDrainSkipsBlockedRecord(t *testing.T) {
	// Park an older item in conflict status, then verify a newer item for the
	// same record is not executed while the older one is unresolved.
	exec := &stubExecutor{errs: map[string]error{"rec-1": remote.ErrVersionMismatch}}
	q, st := newTestQueue(t, exec, nil, Options{DebounceWindow: time.Nanosecond})
	ctx := context.Background()

	older, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"v":1}`))
	if err != nil {
		t.Fatalf("enqueue older: %v", err)
	}
	if _, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("first drain: %v", err)
	}

	got, err := st.GetQueueItem(ctx, older.ID)
	if err != nil {
		t.Fatalf("get older: %v", err)
	}
	if got.Status != types.StatusConflict {
		t.Fatalf("expected conflict, got %s", got.Status)
	}

	exec.errs = nil
	newer, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"v":2}`))
	if err != nil {
		t.Fatalf("enqueue newer: %v", err)
	}

	stats, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if stats.Skipped != 1 {
		t.Errorf("expected newer item skipped, got %+v", stats)
	}

	gotNewer, err := st.GetQueueItem(ctx, newer.ID)
	if err != nil {
		t.Fatalf("get newer: %v", err)
	}
	if gotNewer.Status != types.StatusPending {
		t.Errorf("blocked item must stay pending, got %s", gotNewer.Status)
	}
}

func TestDrainReschedulesNetworkErrors(t *testing.T) {
	exec := &stubExecutor{errs: map[string]error{
		"rec-1": &remote.NetworkError{Op: "update", Err: errors.New("connection refused")},
	}}
	q, st := newTestQueue(t, exec, nil, Options{BackoffBase: time.Second, BackoffCap: time.Minute})
	ctx := context.Background()

	item, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"v":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC().Add(time.Second)
	stats, err := q.DrainOnce(ctx, now)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Retried != 1 {
		t.Errorf("expected 1 retried, got %+v", stats)
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("expected pending after reschedule, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if !got.ScheduledFor.After(now) {
		t.Errorf("expected future schedule, got %s (now %s)", got.ScheduledFor, now)
	}
	if got.LastError == "" {
		t.Error("expected last error recorded")
	}
}

func TestDrainFailsAfterRetryBudget(t *testing.T) {
	exec := &stubExecutor{errs: map[string]error{
		"rec-1": &remote.NetworkError{Op: "update", Err: errors.New("connection refused")},
	}}
	q, st := newTestQueue(t, exec, nil, Options{
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		MaxRetries:  2,
	})
	ctx := context.Background()

	item, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"v":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Each drain either reschedules or fails; after MaxRetries reschedules the
	// next attempt must fail terminally.
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		if _, err := q.DrainOnce(ctx, now); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Errorf("expected failed after budget, got %s (retries %d)", got.Status, got.RetryCount)
	}
	if len(exec.executed) != 3 {
		t.Errorf("expected exactly 3 attempts (1 initial + 2 retries), got %d", len(exec.executed))
	}
}

func TestDrainRoutesVersionMismatchToHandler(t *testing.T) {
	exec := &stubExecutor{errs: map[string]error{"rec-1": remote.ErrVersionMismatch}}
	handler := &stubConflictHandler{}
	q, st := newTestQueue(t, exec, handler, Options{})
	ctx := context.Background()

	item, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"v":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Conflicts != 1 {
		t.Errorf("expected 1 conflict, got %+v", stats)
	}
	if len(handler.items) != 1 || handler.items[0] != item.ID {
		t.Errorf("expected handler notified for %s, got %v", item.ID, handler.items)
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.StatusConflict {
		t.Errorf("expected conflict status, got %s", got.Status)
	}
}

func TestDrainTerminalOnUnauthorized(t *testing.T) {
	exec := &stubExecutor{errs: map[string]error{"rec-1": remote.ErrUnauthorized}}
	q, st := newTestQueue(t, exec, nil, Options{})
	ctx := context.Background()

	item, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"v":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", stats)
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Errorf("authorization failure must be terminal, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("terminal failure must not consume retries, got %d", got.RetryCount)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	q, _ := newTestQueue(t, &stubExecutor{}, nil, Options{
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		delay := q.backoffDelay(attempt)
		if delay > 10*time.Second {
			t.Errorf("attempt %d: delay %s exceeds cap", attempt, delay)
		}
		if attempt <= 3 && delay < prev {
			t.Errorf("attempt %d: delay %s shrank from %s before cap", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestChecksumStableAcrossFieldOrder(t *testing.T) {
	a := Checksum(settingsRequest("rec-1", `{"theme":"dark"}`))
	b := Checksum(settingsRequest("rec-1", `{"theme":"dark"}`))
	if a != b {
		t.Error("identical requests must hash identically")
	}
	c := Checksum(settingsRequest("rec-2", `{"theme":"dark"}`))
	if a == c {
		t.Error("different records must hash differently")
	}
}

func TestTeardownFlushesOnlyNonSensitive(t *testing.T) {
	exec := &stubExecutor{}
	q, st := newTestQueue(t, exec, nil, Options{DebounceWindow: time.Nanosecond})
	ctx := context.Background()

	plain, _, err := q.Enqueue(ctx, settingsRequest("rec-plain", `{"theme":"dark"}`))
	if err != nil {
		t.Fatalf("enqueue plain: %v", err)
	}

	secret := settingsRequest("rec-secret", `{"sealed":"..."}`)
	secret.Kind = types.KindCredential
	secret.Sensitive = true
	secret.EncryptionRequired = true
	sensitive, _, err := q.Enqueue(ctx, secret)
	if err != nil {
		t.Fatalf("enqueue sensitive: %v", err)
	}

	stats, err := q.Teardown(ctx, "user-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if stats.Flushed != 1 {
		t.Errorf("expected 1 flushed, got %+v", stats)
	}
	if stats.Cancelled != 1 {
		t.Errorf("expected 1 cancelled, got %+v", stats)
	}

	gotPlain, err := st.GetQueueItem(ctx, plain.ID)
	if err != nil {
		t.Fatalf("get plain: %v", err)
	}
	if gotPlain.Status != types.StatusCompleted {
		t.Errorf("non-sensitive item must be flushed, got %s", gotPlain.Status)
	}

	gotSensitive, err := st.GetQueueItem(ctx, sensitive.ID)
	if err != nil {
		t.Fatalf("get sensitive: %v", err)
	}
	if gotSensitive.Status != types.StatusCancelled {
		t.Errorf("sensitive item must be cancelled, got %s", gotSensitive.Status)
	}
	for _, rec := range exec.executed {
		if rec == "rec-secret" {
			t.Error("sensitive item must never be executed during teardown")
		}
	}
}

func TestTeardownKeepsUnflushableItemsPending(t *testing.T) {
	exec := &stubExecutor{errs: map[string]error{
		"rec-1": &remote.NetworkError{Op: "update", Err: errors.New("offline")},
	}}
	q, st := newTestQueue(t, exec, nil, Options{})
	ctx := context.Background()

	item, _, err := q.Enqueue(ctx, settingsRequest("rec-1", `{"theme":"dark"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := q.Teardown(ctx, "user-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if stats.Remaining != 1 {
		t.Errorf("expected 1 remaining, got %+v", stats)
	}

	got, err := st.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("unflushable item must stay pending, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("teardown must not consume retries, got %d", got.RetryCount)
	}
}

func TestOfflineQueueReplayOrder(t *testing.T) {
	// Several edits accumulate while the backing store is unreachable, then
	// replay in order once connectivity returns.
	netErr := &remote.NetworkError{Op: "update", Err: errors.New("offline")}
	exec := &stubExecutor{errs: map[string]error{}}
	q, _ := newTestQueue(t, exec, nil, Options{
		BackoffBase:    time.Millisecond,
		BackoffCap:     time.Millisecond,
		DebounceWindow: time.Nanosecond,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := fmt.Sprintf("rec-%d", i)
		exec.errs[rec] = netErr
		if _, _, err := q.Enqueue(ctx, settingsRequest(rec, fmt.Sprintf(`{"v":%d}`, i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if _, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("offline drain: %v", err)
	}

	// Connectivity returns.
	exec.errs = map[string]error{}
	exec.executed = nil
	stats, err := q.DrainOnce(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("online drain: %v", err)
	}
	if stats.Completed != 3 {
		t.Fatalf("expected 3 completed after reconnect, got %+v", stats)
	}
	want := []string{"rec-0", "rec-1", "rec-2"}
	for i, rec := range want {
		if exec.executed[i] != rec {
			t.Errorf("replay position %d: expected %s, got %s", i, rec, exec.executed[i])
		}
	}
}
