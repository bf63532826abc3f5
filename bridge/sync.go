package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unfoldedcircle/integration-philipshue/hue"
)

const reconnectDelay = 2 * time.Second

// streamSource is the slice of hue.EventStream the engine needs; tests
// substitute a scripted stream.
type streamSource interface {
	Connect(addr, appKey string)
	Disconnect()
	Events() <-chan hue.StreamMessage
}

// Engine keeps device state mirrored between the hub and the host
// platform: full refresh on connect, live deltas from the event stream,
// commands back to the hub. On stream loss every device degrades to
// "unknown" and a reconnect loop takes over; nothing at this layer is
// fatal.
type Engine struct {
	log      *slog.Logger
	registry *Registry
	client   *hue.Client
	stream   streamSource
	host     Host

	hub     HubConfig
	backoff backoff.BackOff

	mu    sync.Mutex
	attrs map[string]Attributes
}

func NewEngine(log *slog.Logger, registry *Registry, session *Session, host Host) *Engine {
	return &Engine{
		log:      log,
		registry: registry,
		client:   session.Client,
		stream:   session.Stream,
		host:     host,
		hub:      session.Hub,
		backoff:  backoff.NewConstantBackOff(reconnectDelay),
		attrs:    make(map[string]Attributes),
	}
}

// newEngineForTest wires an engine around a fake stream and host.
func newEngineForTest(log *slog.Logger, registry *Registry, client *hue.Client, stream streamSource, host Host, hub HubConfig) *Engine {
	return &Engine{
		log:      log,
		registry: registry,
		client:   client,
		stream:   stream,
		host:     host,
		hub:      hub,
		backoff:  backoff.NewConstantBackOff(time.Millisecond),
		attrs:    make(map[string]Attributes),
	}
}

// Connect is invoked when the host platform signals readiness. Every
// registered device is registered with the host and its current state
// fetched; a failed fetch marks that one device unavailable and moves
// on. The event stream is opened afterwards.
func (e *Engine) Connect(ctx context.Context) {
	for id, dev := range e.registry.Devices() {
		e.host.RegisterDevice(id, dev.Name, dev.Features)
	}
	e.Refresh(ctx)
	e.stream.Connect(e.hub.Addr, e.hub.Username)
}

// Refresh fetches current hub-side state for every registered device.
// Partial failure never aborts the sweep.
func (e *Engine) Refresh(ctx context.Context) {
	for id, dev := range e.registry.Devices() {
		light, err := e.client.GetLight(ctx, id)
		if err != nil {
			e.log.Warn("device state fetch failed",
				slog.String("id", id), slog.Any("error", err))
			e.publish(id, Attributes{State: StateUnavailable})
			continue
		}

		// The capability set was fixed at enumeration; recomputing it
		// here must be a no-op unless the registry predates the light.
		features := featuresOf(light)
		if features != dev.Features {
			dev.Features = features
			if err := e.registry.SetDevice(id, dev); err != nil {
				e.log.Warn("cannot persist device features", slog.Any("error", err))
			}
		}

		e.mu.Lock()
		prev := e.attrs[id]
		e.mu.Unlock()
		e.publish(id, applyLight(prev, light))
	}
}

// Run consumes stream messages until ctx is done. It owns the
// reconnect policy: the stream itself never reconnects.
func (e *Engine) Run(ctx context.Context) {
	var reconnect <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			e.stream.Disconnect()
			return

		case msg := <-e.stream.Events():
			switch msg.Kind {
			case hue.StreamConnected:
				e.log.Info("event stream up")
				e.backoff.Reset()
				reconnect = nil
				// Catch up on deltas missed while disconnected.
				e.Refresh(ctx)

			case hue.StreamDisconnected:
				e.markAllUnknown()
				if ctx.Err() == nil {
					reconnect = time.After(e.backoff.NextBackOff())
				}

			case hue.StreamError:
				e.log.Warn("dropping malformed stream payload", slog.Any("error", msg.Err))

			case hue.StreamUpdate:
				for _, fragment := range msg.Fragments {
					e.applyFragment(fragment)
				}
			}

		case <-reconnect:
			reconnect = nil
			e.stream.Connect(e.hub.Addr, e.hub.Username)
		}
	}
}

// applyFragment folds one changed-fields fragment into the device it
// belongs to. Fragments for ids outside the registry are ignored.
func (e *Engine) applyFragment(fragment hue.Light) {
	if _, ok := e.registry.Device(fragment.ID); !ok {
		return
	}

	e.mu.Lock()
	prev := e.attrs[fragment.ID]
	e.mu.Unlock()

	e.publish(fragment.ID, applyLight(prev, fragment))
}

// markAllUnknown degrades every registered device to unknown, skipping
// devices already there so downstream sees exactly one notification.
func (e *Engine) markAllUnknown() {
	for id := range e.registry.Devices() {
		e.mu.Lock()
		prev := e.attrs[id]
		e.mu.Unlock()
		if prev.State == StateUnknown {
			continue
		}
		prev.State = StateUnknown
		e.publish(id, prev)
	}
}

// publish records the new attribute set and pushes it to the host as a
// full "set these attributes" call. Redundant publishes of identical
// values are the host's problem to tolerate.
func (e *Engine) publish(id string, attrs Attributes) {
	e.mu.Lock()
	e.attrs[id] = attrs
	e.mu.Unlock()
	e.host.PublishAttributes(id, attrs)
}

// HandleCommand executes one inbound host command against the hub.
// Commands are independent and idempotent at the hub; no queuing or
// ordering is attempted.
func (e *Engine) HandleCommand(ctx context.Context, cmd Command) error {
	if _, ok := e.registry.Device(cmd.DeviceID); !ok {
		return &hue.Error{Kind: hue.NotFound, Message: "device " + cmd.DeviceID}
	}

	e.mu.Lock()
	current := e.attrs[cmd.DeviceID]
	e.mu.Unlock()

	var update hue.LightUpdate
	switch cmd.Kind {
	case CmdOn:
		update.On = &hue.LightOn{On: true}
	case CmdOff:
		update.On = &hue.LightOn{On: false}
	case CmdToggle:
		update.On = &hue.LightOn{On: current.State != StateOn}
	}

	if cmd.Brightness != nil {
		if *cmd.Brightness == 0 {
			// Brightness 0 is the side channel for "off", never a
			// dimming value.
			update.On = &hue.LightOn{On: false}
		} else {
			update.On = &hue.LightOn{On: true}
			update.Dimming = &hue.DimmingUpdate{
				Brightness: float64(hue.BrightnessToPercent(*cmd.Brightness)),
			}
		}
	}

	if cmd.Hue != nil || cmd.Saturation != nil {
		h := current.Hue
		if cmd.Hue != nil {
			h = *cmd.Hue
		}
		s := current.Saturation
		if cmd.Saturation != nil {
			s = *cmd.Saturation
		}
		value := current.Brightness
		if update.Dimming != nil {
			value = int(update.Dimming.Brightness)
		}
		if value == 0 {
			value = 100
		}
		x, y := hue.HSVToXY(h, s, value)
		update.Color = &hue.ColorUpdate{XY: hue.XY{X: x, Y: y}}
	}

	if cmd.ColorTemperature != nil {
		update.ColorTemperature = &hue.ColorTemperatureUpdate{
			Mirek: hue.PercentToMirek(float64(*cmd.ColorTemperature)),
		}
	}

	return e.client.UpdateLight(ctx, cmd.DeviceID, update)
}
