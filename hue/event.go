package hue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// StreamMessageKind tags messages delivered by the event stream.
type StreamMessageKind int

const (
	// StreamConnected is emitted once the server accepted the stream.
	StreamConnected StreamMessageKind = iota
	// StreamDisconnected is emitted on any transport loss and on every
	// explicit Disconnect call. Level-triggered: callers may receive it
	// for an already-closed stream.
	StreamDisconnected
	// StreamError reports a malformed frame. The stream stays up.
	StreamError
	// StreamUpdate carries changed light fragments.
	StreamUpdate
)

func (k StreamMessageKind) String() string {
	switch k {
	case StreamConnected:
		return "connected"
	case StreamDisconnected:
		return "disconnected"
	case StreamError:
		return "error"
	case StreamUpdate:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type StreamMessage struct {
	Kind      StreamMessageKind
	Fragments []Light
	Err       error
}

// EventStream is the persistent server-push connection to the bridge.
// It never reconnects on its own: the owning caller reacts to
// StreamDisconnected and decides when to call Connect again.
type EventStream struct {
	log        *slog.Logger
	httpClient *http.Client
	events     chan StreamMessage

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

func NewEventStream(log *slog.Logger) *EventStream {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &EventStream{
		log:        log,
		httpClient: &http.Client{Transport: transport},
		events:     make(chan StreamMessage, 16),
	}
}

func (s *EventStream) Events() <-chan StreamMessage {
	return s.events
}

// emit never blocks: once the consumer is gone and the buffer fills,
// messages are dropped so teardown cannot hang on a channel send.
func (s *EventStream) emit(msg StreamMessage) {
	select {
	case s.events <- msg:
	default:
		s.log.Warn("event buffer full, dropping message",
			slog.String("kind", msg.Kind.String()))
	}
}

// Connect opens the stream to addr using appKey. Calling Connect while
// the stream is up is a no-op.
func (s *EventStream) Connect(addr, appKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return
	}
	s.connected = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.run(ctx, addr, appKey)
}

// Disconnect tears down the stream, including an in-flight connect
// attempt, and always emits StreamDisconnected so callers can treat the
// signal as level-triggered.
func (s *EventStream) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.connected = false
	s.mu.Unlock()

	s.emit(StreamMessage{Kind: StreamDisconnected})
}

func (s *EventStream) run(ctx context.Context, addr, appKey string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/eventstream/clip/v2", addr), nil)
	if err != nil {
		s.settle(err)
		return
	}
	req.Header.Set(appKeyHeader, appKey)
	req.Header.Set("Accept", "text/event-stream")

	client := &sse.Client{
		HTTPClient: s.httpClient,
		ResponseValidator: func(res *http.Response) error {
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("event stream rejected: %s", res.Status)
			}
			s.emit(StreamMessage{Kind: StreamConnected})
			return nil
		},
	}

	conn := client.NewConnection(req)
	conn.SubscribeToAll(s.handleFrame)

	s.log.Info("event stream connecting", slog.String("addr", addr))
	s.settle(conn.Connect())
}

// settle records the not-connected state after the transport ended and
// emits StreamDisconnected unless the teardown came from Disconnect,
// which already did.
func (s *EventStream) settle(err error) {
	s.mu.Lock()
	wasCanceled := s.cancel == nil
	s.connected = false
	s.cancel = nil
	s.mu.Unlock()

	if wasCanceled || errors.Is(err, context.Canceled) {
		return
	}

	if err != nil {
		s.log.Warn("event stream lost", slog.Any("error", err))
	}
	s.emit(StreamMessage{Kind: StreamDisconnected, Err: err})
}

// handleFrame demultiplexes one SSE frame: a JSON array of event
// envelopes whose data elements are typed resource fragments. Malformed
// payloads produce a StreamError and are otherwise swallowed.
func (s *EventStream) handleFrame(ev sse.Event) {
	if len(ev.Data) == 0 {
		return
	}

	var envelopes []json.RawMessage
	if err := json.Unmarshal(ev.Data, &envelopes); err != nil {
		s.emit(StreamMessage{Kind: StreamError, Err: err})
		return
	}

	for _, raw := range envelopes {
		var env struct {
			Type string            `json:"type"`
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			s.emit(StreamMessage{Kind: StreamError, Err: err})
			continue
		}
		if env.Type != "update" {
			s.log.Debug("ignoring event", slog.String("type", env.Type))
			continue
		}

		var fragments []Light
		for _, msg := range env.Data {
			var head struct {
				Type ResourceType `json:"type"`
			}
			if err := json.Unmarshal(msg, &head); err != nil {
				s.emit(StreamMessage{Kind: StreamError, Err: err})
				continue
			}
			if head.Type != RTypeLight {
				continue
			}
			var light Light
			if err := json.Unmarshal(msg, &light); err != nil {
				s.emit(StreamMessage{Kind: StreamError, Err: err})
				continue
			}
			fragments = append(fragments, light)
		}

		if len(fragments) != 0 {
			s.emit(StreamMessage{Kind: StreamUpdate, Fragments: fragments})
		}
	}
}
