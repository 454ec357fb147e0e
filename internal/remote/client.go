// Package remote is the client for the backing store: an opaque
// document store with per-record updated_at timestamps and integer row
// versions. All writes are conditional on the version the writer last read;
// a mismatch is the trigger for conflict detection.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/helixcare/syncd/internal/types"
)

// Client is the backing-store interface consumed by the queue and the
// domain synchronizers.
type Client interface {
	// Get fetches the current remote copy of a record.
	Get(ctx context.Context, kind types.RecordKind, userID, recordID string) (*types.Record, error)

	// Create inserts a record that does not exist remotely yet.
	Create(ctx context.Context, record *types.Record) (*types.Record, error)

	// Update writes a record conditionally on baseVersion. Returns
	// ErrVersionMismatch when the remote row has moved past baseVersion.
	Update(ctx context.Context, record *types.Record, baseVersion int64) (*types.Record, error)

	// Delete removes a record conditionally on baseVersion.
	Delete(ctx context.Context, kind types.RecordKind, userID, recordID string, baseVersion int64) error

	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}

// HTTPClient talks to the backing store over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a backing-store client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// wireRecord is the backing store's JSON shape for a record row.
type wireRecord struct {
	RecordID     string               `json:"record_id"`
	UserID       string               `json:"user_id"`
	OriginDevice string               `json:"origin_device,omitempty"`
	Fields       map[string]any       `json:"fields"`
	FieldTimes   map[string]time.Time `json:"field_times,omitempty"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Version      int64                `json:"version"`
}

func toWire(r *types.Record) wireRecord {
	return wireRecord{
		RecordID:     r.RecordID,
		UserID:       r.UserID,
		OriginDevice: r.OriginDevice,
		Fields:       r.Fields,
		FieldTimes:   r.FieldTimes,
		UpdatedAt:    r.UpdatedAt,
		Version:      r.Version,
	}
}

func fromWire(kind types.RecordKind, w wireRecord) *types.Record {
	return &types.Record{
		Kind:         kind,
		RecordID:     w.RecordID,
		UserID:       w.UserID,
		OriginDevice: w.OriginDevice,
		Fields:       w.Fields,
		FieldTimes:   w.FieldTimes,
		UpdatedAt:    w.UpdatedAt,
		Version:      w.Version,
	}
}

// Get fetches a record, retrying transient failures. Reads are idempotent so
// a capped, jittered exponential retry is safe here; writes are never retried
// at this layer (the queue owns write retry policy).
func (c *HTTPClient) Get(ctx context.Context, kind types.RecordKind, userID, recordID string) (*types.Record, error) {
	var record *types.Record

	backoff := retry.NewExponential(500 * time.Millisecond)
	backoff = retry.WithJitter(100*time.Millisecond, backoff)
	backoff = retry.WithCappedDuration(5*time.Second, backoff)
	backoff = retry.WithMaxRetries(2, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		got, err := c.get(ctx, kind, userID, recordID)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		record = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (c *HTTPClient) get(ctx context.Context, kind types.RecordKind, userID, recordID string) (*types.Record, error) {
	resp, err := c.send(ctx, http.MethodGet, c.recordPath(kind, userID, recordID), nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "get"); err != nil {
		return nil, err
	}

	var w wireRecord
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, &NetworkError{Op: "get decode", Err: err}
	}
	return fromWire(kind, w), nil
}

// Create inserts a new record.
func (c *HTTPClient) Create(ctx context.Context, record *types.Record) (*types.Record, error) {
	body, err := json.Marshal(toWire(record))
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, c.collectionPath(record.Kind, record.UserID), body, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "create"); err != nil {
		return nil, err
	}

	var w wireRecord
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, &NetworkError{Op: "create decode", Err: err}
	}
	return fromWire(record.Kind, w), nil
}

// Update writes a record conditionally on baseVersion via If-Match.
func (c *HTTPClient) Update(ctx context.Context, record *types.Record, baseVersion int64) (*types.Record, error) {
	body, err := json.Marshal(toWire(record))
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPut, c.recordPath(record.Kind, record.UserID, record.RecordID), body, baseVersion)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "update"); err != nil {
		return nil, err
	}

	var w wireRecord
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, &NetworkError{Op: "update decode", Err: err}
	}
	return fromWire(record.Kind, w), nil
}

// Delete removes a record conditionally on baseVersion.
func (c *HTTPClient) Delete(ctx context.Context, kind types.RecordKind, userID, recordID string, baseVersion int64) error {
	resp, err := c.send(ctx, http.MethodDelete, c.recordPath(kind, userID, recordID), nil, baseVersion)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp, "delete")
}

// VerifyMFA asks the backing store to check a one-time code for a user.
// A definitive rejection returns (false, nil); transport failures return an
// error so callers do not treat an outage as a wrong code.
func (c *HTTPClient) VerifyMFA(ctx context.Context, userID, code string) (bool, error) {
	body, err := json.Marshal(struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}{UserID: userID, Code: code})
	if err != nil {
		return false, fmt.Errorf("encode verification: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, "/api/v1/mfa/verify", body, 0)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, checkStatus(resp, "mfa verify")
	}
}

// Ping checks connectivity to the backing store.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: "ping", Err: fmt.Errorf("health check failed: %d", resp.StatusCode)}
	}
	return nil
}

func (c *HTTPClient) collectionPath(kind types.RecordKind, userID string) string {
	return fmt.Sprintf("/api/v1/%s/%s", kind.TableName(), userID)
}

func (c *HTTPClient) recordPath(kind types.RecordKind, userID, recordID string) string {
	return fmt.Sprintf("/api/v1/%s/%s/%s", kind.TableName(), userID, recordID)
}

// send issues an authenticated request. A non-zero baseVersion becomes an
// If-Match predicate; writes carry an idempotency key so a retried request
// that actually landed is not applied twice.
func (c *HTTPClient) send(ctx context.Context, method, path string, body []byte, baseVersion int64) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if baseVersion > 0 {
		req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))
	}
	if method != http.MethodGet {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}
	return resp, nil
}

// checkStatus maps HTTP status codes onto the error taxonomy.
func checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return ErrVersionMismatch
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return &NetworkError{Op: op, Err: fmt.Errorf("server error: %d", resp.StatusCode)}
	default:
		return fmt.Errorf("remote %s: unexpected status %d", op, resp.StatusCode)
	}
}
