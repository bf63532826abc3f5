package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unfoldedcircle/integration-philipshue/hue"
)

type fakeStream struct {
	events   chan hue.StreamMessage
	connects atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan hue.StreamMessage, 16)}
}

func (f *fakeStream) Connect(addr, appKey string) { f.connects.Add(1) }
func (f *fakeStream) Disconnect()                 {}
func (f *fakeStream) Events() <-chan hue.StreamMessage {
	return f.events
}

type publication struct {
	id    string
	attrs Attributes
}

type recordingHost struct {
	mu         sync.Mutex
	registered []string
	published  []publication
	cleared    bool
}

func (h *recordingHost) RegisterDevice(id, name string, features Features) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = append(h.registered, id)
}

func (h *recordingHost) PublishAttributes(id string, attrs Attributes) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, publication{id: id, attrs: attrs})
}

func (h *recordingHost) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = true
}

func (h *recordingHost) publishesFor(id string) []Attributes {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Attributes
	for _, p := range h.published {
		if p.id == id {
			out = append(out, p.attrs)
		}
	}
	return out
}

func (h *recordingHost) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		ok := cond()
		h.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// lightServer serves GET and PUT for /clip/v2/resource/light/{id} from
// a static map and records update bodies.
func lightServer(t *testing.T, lights map[string]string) (addr string, updates *sync.Map) {
	t.Helper()
	updates = &sync.Map{}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/clip/v2/resource/light/")
		body, ok := lights[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPut {
			var update hue.LightUpdate
			if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			updates.Store(id, update)
			fmt.Fprint(w, `{"errors":[],"data":[]}`)
			return
		}
		fmt.Fprintf(w, `{"errors":[],"data":[%s]}`, body)
	}))
	t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "https://"), updates
}

func testEngine(t *testing.T, lights map[string]string) (*Engine, *fakeStream, *recordingHost, *Registry) {
	t.Helper()
	registry := tempRegistry(t)
	addr, _ := lightServer(t, lights)
	client := hue.NewClient(discardLogger(), hue.Config{Addr: addr, AppKey: "abc"})
	stream := newFakeStream()
	host := &recordingHost{}
	hub := HubConfig{ID: "ecb5fa123456", Addr: addr, Username: "abc"}
	e := newEngineForTest(discardLogger(), registry, client, stream, host, hub)
	return e, stream, host, registry
}

func TestEngineConnectPublishesCurrentState(t *testing.T) {
	e, stream, host, registry := testEngine(t, map[string]string{
		"l1": `{"id":"l1","on":{"on":true},"dimming":{"brightness":75}}`,
	})
	registry.SetDevice("l1", DeviceConfig{Name: "Desk", Features: Features{OnOff: true, Dim: true}})
	registry.SetDevice("l2", DeviceConfig{Name: "Gone", Features: Features{OnOff: true}})

	e.Connect(context.Background())

	if got := stream.connects.Load(); got != 1 {
		t.Errorf("stream connects = %d, want 1", got)
	}

	p1 := host.publishesFor("l1")
	if len(p1) != 1 || p1[0].State != StateOn || p1[0].Brightness != 75 {
		t.Errorf("l1 publishes = %+v", p1)
	}

	// The fetch for l2 404s; that device degrades to unavailable and
	// the sweep carries on.
	p2 := host.publishesFor("l2")
	if len(p2) != 1 || p2[0].State != StateUnavailable {
		t.Errorf("l2 publishes = %+v", p2)
	}
}

func TestEngineStreamLossMarksUnknownOnce(t *testing.T) {
	e, stream, host, registry := testEngine(t, map[string]string{})
	for _, id := range []string{"l1", "l2", "l3"} {
		registry.SetDevice(id, DeviceConfig{Name: id, Features: Features{OnOff: true}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	stream.events <- hue.StreamMessage{Kind: hue.StreamDisconnected}

	host.waitFor(t, func() bool { return len(host.published) >= 3 })
	for _, id := range []string{"l1", "l2", "l3"} {
		pubs := host.publishesFor(id)
		if len(pubs) != 1 || pubs[0].State != StateUnknown {
			t.Errorf("%s publishes = %+v, want exactly one unknown", id, pubs)
		}
	}

	// A second loss while already unknown must not re-publish.
	stream.events <- hue.StreamMessage{Kind: hue.StreamDisconnected}

	// The engine retries the connection after its backoff delay.
	deadline := time.Now().Add(5 * time.Second)
	for stream.connects.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stream.connects.Load() < 2 {
		t.Fatal("engine did not schedule reconnects")
	}

	// One device comes back via a fragment; the others stay unknown.
	stream.events <- hue.StreamMessage{Kind: hue.StreamUpdate, Fragments: []hue.Light{
		{ID: "l1", On: &hue.LightOn{On: true}},
	}}
	host.waitFor(t, func() bool { return len(host.published) >= 4 })

	p1 := host.publishesFor("l1")
	if last := p1[len(p1)-1]; last.State != StateOn {
		t.Errorf("l1 last state = %v, want on", last.State)
	}
	for _, id := range []string{"l2", "l3"} {
		pubs := host.publishesFor(id)
		if len(pubs) != 1 || pubs[0].State != StateUnknown {
			t.Errorf("%s publishes = %+v, want still exactly one unknown", id, pubs)
		}
	}
}

func TestEngineIgnoresUnknownDeviceFragments(t *testing.T) {
	e, stream, host, registry := testEngine(t, map[string]string{})
	registry.SetDevice("l1", DeviceConfig{Name: "Desk"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	stream.events <- hue.StreamMessage{Kind: hue.StreamUpdate, Fragments: []hue.Light{
		{ID: "stranger", On: &hue.LightOn{On: true}},
		{ID: "l1", On: &hue.LightOn{On: false}},
	}}

	host.waitFor(t, func() bool { return len(host.published) >= 1 })
	if pubs := host.publishesFor("stranger"); len(pubs) != 0 {
		t.Errorf("unknown device published: %+v", pubs)
	}
	if pubs := host.publishesFor("l1"); len(pubs) != 1 || pubs[0].State != StateOff {
		t.Errorf("l1 publishes = %+v", pubs)
	}
}

func TestApplyLightKeepsAbsentFields(t *testing.T) {
	prev := Attributes{State: StateOn, Brightness: 80, Hue: 120, Saturation: 50, ColorTemperature: 30}

	next := applyLight(prev, hue.Light{ID: "l1", Dimming: &hue.Dimming{Brightness: 40}})
	want := prev
	want.Brightness = 40
	if next != want {
		t.Errorf("partial dimming update: got %+v, want %+v", next, want)
	}

	mirek := 500
	next = applyLight(prev, hue.Light{ID: "l1", ColorTemperature: &hue.ColorTemperature{Mirek: &mirek, MirekValid: true}})
	if next.ColorTemperature != 100 {
		t.Errorf("color temperature = %d, want 100", next.ColorTemperature)
	}
	if next.State != StateOn || next.Brightness != 80 {
		t.Errorf("unrelated fields changed: %+v", next)
	}

	// An invalid mirek is not applied.
	next = applyLight(prev, hue.Light{ID: "l1", ColorTemperature: &hue.ColorTemperature{MirekValid: false}})
	if next.ColorTemperature != 30 {
		t.Errorf("invalid mirek applied: %+v", next)
	}
}

func TestApplyLightColorUsesXY(t *testing.T) {
	prev := Attributes{State: StateOn, Brightness: 100}

	// sRGB red corner: hue must land near 0/360 with high saturation.
	next := applyLight(prev, hue.Light{ID: "l1", Color: &hue.Color{XY: hue.XY{X: 0.64, Y: 0.33}}})
	if !(next.Hue <= 15 || next.Hue >= 345) {
		t.Errorf("hue = %d, want near red", next.Hue)
	}
	if next.Saturation < 90 {
		t.Errorf("saturation = %d, want near full", next.Saturation)
	}
}

func TestEngineHandleCommand(t *testing.T) {
	lights := map[string]string{"l1": `{"id":"l1","on":{"on":false}}`}
	registry := tempRegistry(t)
	addr, updates := lightServer(t, lights)
	client := hue.NewClient(discardLogger(), hue.Config{Addr: addr, AppKey: "abc"})
	stream := newFakeStream()
	host := &recordingHost{}
	e := newEngineForTest(discardLogger(), registry, client, stream, host, HubConfig{Addr: addr, Username: "abc"})

	registry.SetDevice("l1", DeviceConfig{Name: "Desk", Features: Features{OnOff: true, Dim: true, ColorTemperature: true}})
	ctx := context.Background()

	brightness := 128
	cmd := Command{DeviceID: "l1", Kind: CmdOn, Brightness: &brightness}
	if err := e.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	raw, ok := updates.Load("l1")
	if !ok {
		t.Fatal("no update reached the bridge")
	}
	update := raw.(hue.LightUpdate)
	if update.On == nil || !update.On.On {
		t.Errorf("update.On = %+v, want on", update.On)
	}
	if update.Dimming == nil || update.Dimming.Brightness != float64(hue.BrightnessToPercent(128)) {
		t.Errorf("update.Dimming = %+v", update.Dimming)
	}

	// Brightness zero is the off side channel, not a dim level.
	zero := 0
	if err := e.HandleCommand(ctx, Command{DeviceID: "l1", Kind: CmdOn, Brightness: &zero}); err != nil {
		t.Fatal(err)
	}
	update = mustLoad(t, updates, "l1")
	if update.On == nil || update.On.On {
		t.Errorf("brightness 0 should request off, got %+v", update.On)
	}
	if update.Dimming != nil {
		t.Errorf("brightness 0 must not set a dim level, got %+v", update.Dimming)
	}

	ct := 100
	if err := e.HandleCommand(ctx, Command{DeviceID: "l1", Kind: CmdOn, ColorTemperature: &ct}); err != nil {
		t.Fatal(err)
	}
	update = mustLoad(t, updates, "l1")
	if update.ColorTemperature == nil || update.ColorTemperature.Mirek != hue.MaxMirek {
		t.Errorf("update.ColorTemperature = %+v", update.ColorTemperature)
	}

	if err := e.HandleCommand(ctx, Command{DeviceID: "nope", Kind: CmdOn}); hue.KindOf(err) != hue.NotFound {
		t.Errorf("unknown device error = %v, want NotFound", err)
	}
}

func TestEngineToggleUsesLastKnownState(t *testing.T) {
	lights := map[string]string{"l1": `{"id":"l1","on":{"on":true},"dimming":{"brightness":50}}`}
	registry := tempRegistry(t)
	addr, updates := lightServer(t, lights)
	client := hue.NewClient(discardLogger(), hue.Config{Addr: addr, AppKey: "abc"})
	e := newEngineForTest(discardLogger(), registry, client, newFakeStream(), &recordingHost{}, HubConfig{Addr: addr, Username: "abc"})

	registry.SetDevice("l1", DeviceConfig{Name: "Desk", Features: Features{OnOff: true, Dim: true}})
	ctx := context.Background()

	// Refresh learns the light is on; toggle must then turn it off.
	e.Refresh(ctx)
	if err := e.HandleCommand(ctx, Command{DeviceID: "l1", Kind: CmdToggle}); err != nil {
		t.Fatal(err)
	}
	update := mustLoad(t, updates, "l1")
	if update.On == nil || update.On.On {
		t.Errorf("toggle from on = %+v, want off", update.On)
	}
}

func mustLoad(t *testing.T, updates *sync.Map, id string) hue.LightUpdate {
	t.Helper()
	raw, ok := updates.Load(id)
	if !ok {
		t.Fatal("no update recorded")
	}
	return raw.(hue.LightUpdate)
}
