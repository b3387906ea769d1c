// Package proctorfeed streams violations to a live monitor channel
// over WebSocket so proctors see integrity signals in real time. The
// feed is advisory: it drops on backpressure and never blocks the
// session, and the batch REST path remains the durable record.
package proctorfeed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/proctorly/quiz-agent/internal/model"
)

const (
	dialTimeout      = 5 * time.Second
	writeTimeout     = 3 * time.Second
	reconnectBackoff = 2 * time.Second
	bufferSize       = 64
)

// Message is one feed frame.
type Message struct {
	AttemptID string         `json:"attempt_id"`
	EventType model.EventType `json:"event_type"`
	EventAt   time.Time      `json:"event_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Feed publishes violation events to a proctor monitor endpoint.
type Feed struct {
	url   string
	token string
	log   zerolog.Logger

	ch   chan Message
	done chan struct{}
}

// New creates a Feed for the given ws:// or wss:// endpoint. The token
// is passed as a query parameter, matching the monitor's upgrade auth.
func New(url, token string, log zerolog.Logger) *Feed {
	return &Feed{
		url:   url,
		token: token,
		log:   log.With().Str("component", "proctor_feed").Logger(),
		ch:    make(chan Message, bufferSize),
		done:  make(chan struct{}),
	}
}

// Publish enqueues an event frame without blocking. Frames are dropped
// when the buffer is full or the feed is closed.
func (f *Feed) Publish(attemptID string, evType model.EventType, payload map[string]any) {
	msg := Message{
		AttemptID: attemptID,
		EventType: evType,
		EventAt:   time.Now().UTC(),
		Payload:   payload,
	}
	select {
	case f.ch <- msg:
	default:
		f.log.Debug().Str("event", string(evType)).Msg("Feed buffer full, frame dropped")
	}
}

// Start runs the connect/write loop with reconnect-on-failure until
// ctx is cancelled or Close is called. Call in a goroutine.
func (f *Feed) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		default:
		}

		conn, err := f.dial(ctx)
		if err != nil {
			f.log.Warn().Err(err).Msg("Feed connect failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		f.log.Info().Str("url", f.url).Msg("Feed connected")
		f.pump(ctx, conn)
		conn.Close()
	}
}

// Close stops the feed. Buffered frames not yet written are dropped.
func (f *Feed) Close() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	url := f.url
	if f.token != "" {
		url += "?token=" + f.token
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	return conn, err
}

// pump writes frames until a write fails or the feed stops.
func (f *Feed) pump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case msg := <-f.ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				f.log.Warn().Err(err).Msg("Feed write failed, reconnecting")
				return
			}
		}
	}
}
