package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/helixcare/syncd/internal/types"
)

// FeedEvent is one change notification from the backing store's real-time
// feed. OriginDevice lets subscribers drop echoes of their own writes.
type FeedEvent struct {
	Kind         types.RecordKind `json:"record_kind"`
	RecordID     string           `json:"record_id"`
	UserID       string           `json:"user_id"`
	OriginDevice string           `json:"origin_device"`
	Version      int64            `json:"version"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Feed delivers remote change notifications.
type Feed interface {
	// Subscribe streams change events for a user until ctx is cancelled.
	// The returned channel is closed when the subscription ends.
	Subscribe(ctx context.Context, userID string) (<-chan FeedEvent, error)

	// Connected reports whether the feed currently holds a live connection.
	Connected() bool
}

// WebSocketFeed subscribes to the backing store's change feed over a
// websocket, reconnecting with bounded backoff when the connection drops.
type WebSocketFeed struct {
	url          string
	apiKey       string
	localDevice  string
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *slog.Logger

	connected chan bool
	state     bool
}

var _ Feed = (*WebSocketFeed)(nil)

// NewWebSocketFeed creates a feed subscriber. Events authored by localDevice
// are filtered out so a device never reconciles against its own writes.
func NewWebSocketFeed(url, apiKey, localDevice string, reconnectMin, reconnectMax time.Duration, logger *slog.Logger) *WebSocketFeed {
	if reconnectMin == 0 {
		reconnectMin = time.Second
	}
	if reconnectMax == 0 {
		reconnectMax = time.Minute
	}
	f := &WebSocketFeed{
		url:          url,
		apiKey:       apiKey,
		localDevice:  localDevice,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		logger:       logger.With("component", "feed"),
		connected:    make(chan bool, 1),
	}
	return f
}

// Connected reports whether the last connection attempt succeeded and the
// read loop is still running.
func (f *WebSocketFeed) Connected() bool {
	select {
	case state := <-f.connected:
		f.state = state
	default:
	}
	return f.state
}

func (f *WebSocketFeed) setConnected(state bool) {
	select {
	case <-f.connected:
	default:
	}
	f.connected <- state
}

// Subscribe opens the feed and streams events until ctx is cancelled. The
// connection loop survives drops; the channel only closes on cancellation.
func (f *WebSocketFeed) Subscribe(ctx context.Context, userID string) (<-chan FeedEvent, error) {
	if f.url == "" {
		return nil, errors.New("feed url not configured")
	}

	events := make(chan FeedEvent, 64)
	go f.run(ctx, userID, events)
	return events, nil
}

func (f *WebSocketFeed) run(ctx context.Context, userID string, events chan<- FeedEvent) {
	defer close(events)
	defer f.setConnected(false)

	delay := f.reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := f.consume(ctx, userID, events)
		if ctx.Err() != nil {
			return
		}
		f.setConnected(false)
		f.logger.Warn("feed connection lost",
			"action", "reconnect",
			"delay", delay.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.reconnectMax {
			delay = f.reconnectMax
		}
	}
}

// consume holds one websocket connection open and forwards events until the
// connection fails or ctx is cancelled.
func (f *WebSocketFeed) consume(ctx context.Context, userID string, events chan<- FeedEvent) error {
	conn, _, err := websocket.Dial(ctx, f.url+"?user_id="+userID, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + f.apiKey},
		},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.setConnected(true)
	f.logger.Info("feed connected", "action", "subscribe", "user_id", userID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var event FeedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			f.logger.Warn("malformed feed event", "action", "decode", "error", err)
			continue
		}
		if event.OriginDevice == f.localDevice {
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
