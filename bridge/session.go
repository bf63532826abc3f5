package bridge

import (
	"log/slog"

	"github.com/unfoldedcircle/integration-philipshue/hue"
)

// Session bundles the live REST client and event stream for the paired
// hub. Exactly one Session exists per process; it is rebuilt whenever
// credentials change and torn down explicitly. There is no ambient
// global connection.
type Session struct {
	Hub    HubConfig
	Client *hue.Client
	Stream *hue.EventStream
}

func NewSession(log *slog.Logger, hub HubConfig) *Session {
	return &Session{
		Hub:    hub,
		Client: hue.NewClient(log, hue.Config{Addr: hub.Addr, AppKey: hub.Username}),
		Stream: hue.NewEventStream(log),
	}
}

// Close tears down the event stream, including an in-flight connect
// attempt.
func (s *Session) Close() {
	s.Stream.Disconnect()
}
