package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unfoldedcircle/integration-philipshue/hue"
)

// SetupStep is the current position in the pairing flow.
type SetupStep int

const (
	StepInit SetupStep = iota
	StepDiscover
	StepDeviceChoice
	StepAwaitButtonPress
	StepConfigurationMode
	StepCompleted
)

func (s SetupStep) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepDiscover:
		return "discover"
	case StepDeviceChoice:
		return "device_choice"
	case StepAwaitButtonPress:
		return "await_button_press"
	case StepConfigurationMode:
		return "configuration_mode"
	case StepCompleted:
		return "completed"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

var (
	ErrNoHubSelected = errors.New("no hub selected")
	ErrHubNotFound   = errors.New("hub not found")
	ErrWrongStep     = errors.New("request not valid in current setup step")
)

// ConfigAction is one of the reconfiguration choices offered for an
// already-paired hub.
type ConfigAction string

const (
	ActionInfo   ConfigAction = "info"
	ActionRemove ConfigAction = "remove"
	ActionReset  ConfigAction = "reset"
)

// Setup drives the pairing flow: discovery, hub choice, button press,
// credential issuance and initial device enumeration. One Setup exists
// per setup session and is discarded on completion or abort. Requests
// arrive one at a time from the host driver loop, except Abort, which
// may land at any moment; all step/candidate state is therefore guarded
// by mu, and methods that release mu around network calls re-check the
// step before committing.
type Setup struct {
	log      *slog.Logger
	registry *Registry
	// host may be nil when no platform connection exists yet; remove
	// and reset clear its device set when present.
	host  Host
	probe *hue.Client
	// instance goes into the devicetype sent with credential issuance
	// so the bridge can tell installs apart.
	instance string

	// discover is swapped out in tests to avoid real multicast.
	discover func(log *slog.Logger, window time.Duration) []hue.Candidate

	mu            sync.Mutex
	step          SetupStep
	candidates    []hue.BridgeInfo
	selected      *hue.BridgeInfo
	cancelProbing context.CancelFunc
}

func NewSetup(log *slog.Logger, registry *Registry, host Host) *Setup {
	return &Setup{
		log:      log,
		registry: registry,
		host:     host,
		probe:    hue.NewClient(log, hue.Config{}),
		instance: uuid.NewString()[:8],
		discover: hue.Discover,
		step:     StepInit,
	}
}

func (s *Setup) Step() SetupStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Start begins a setup session. When a hub is already paired and the
// operator asked to reconfigure, the flow branches into
// ConfigurationMode instead of discovery.
func (s *Setup) Start(reconfigure bool) (SetupStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepInit {
		return s.step, ErrWrongStep
	}
	if _, paired := s.registry.Hub(); paired && reconfigure {
		s.step = StepConfigurationMode
		return s.step, nil
	}
	s.step = StepDiscover
	return s.step, nil
}

// Discover collects and verifies bridge candidates. A manual address
// skips multicast discovery and is verified directly. Zero surviving
// candidates is not an error: the flow stays in the discover step so
// the operator can retry or abort.
func (s *Setup) Discover(ctx context.Context, manualAddr string) ([]hue.BridgeInfo, error) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.step != StepDiscover {
		s.mu.Unlock()
		cancel()
		return nil, ErrWrongStep
	}
	s.cancelProbing = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelProbing = nil
		s.mu.Unlock()
		cancel()
	}()

	var candidates []hue.Candidate
	if manualAddr != "" {
		candidates = []hue.Candidate{{Addr: manualAddr}}
	} else {
		candidates = s.runDiscovery(ctx)
	}

	verified := make([]hue.BridgeInfo, 0, len(candidates))
	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		info, err := s.probe.FetchBridgeInfo(ctx, cand.Addr)
		if err != nil {
			s.log.Debug("candidate is not a bridge",
				slog.String("addr", cand.Addr), slog.Any("error", err))
			continue
		}
		if !s.probe.SupportsCLIP2(ctx, cand.Addr) {
			s.log.Debug("candidate does not support CLIP v2",
				slog.String("addr", cand.Addr))
			continue
		}
		if info.Name == "" {
			info.Name = cand.Name
		}
		verified = append(verified, info)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An abort may have landed while the probes ran unlocked; its reset
	// wins and the collected candidates are discarded.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.step != StepDiscover {
		return nil, ErrWrongStep
	}

	s.candidates = verified
	if len(verified) > 0 {
		s.step = StepDeviceChoice
	}
	s.log.Info("bridge discovery finished",
		slog.Int("found", len(candidates)),
		slog.Int("verified", len(verified)),
	)
	return s.candidates, nil
}

// runDiscovery runs the mDNS window in a goroutine so an abort can
// release the caller before the window elapses.
func (s *Setup) runDiscovery(ctx context.Context) []hue.Candidate {
	found := make(chan []hue.Candidate, 1)
	go func() {
		found <- s.discover(s.log, hue.DiscoverWindow)
	}()

	select {
	case candidates := <-found:
		return candidates
	case <-ctx.Done():
		return nil
	}
}

// Select picks one of the discovered candidates by normalized bridge id.
func (s *Setup) Select(bridgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepDeviceChoice {
		return ErrWrongStep
	}
	if bridgeID == "" {
		return ErrNoHubSelected
	}
	for i := range s.candidates {
		if s.candidates[i].ID == bridgeID {
			s.selected = &s.candidates[i]
			s.step = StepAwaitButtonPress
			return nil
		}
	}
	return ErrHubNotFound
}

// Confirm is called after the operator reports having pressed the
// pairing button. While the bridge still answers "link button not
// pressed" the error is hue.ErrLinkButtonNotPressed and Confirm may be
// called again. On success credentials and hub identity are committed
// to the registry and the device set is enumerated.
func (s *Setup) Confirm(ctx context.Context) error {
	s.mu.Lock()
	if s.step != StepAwaitButtonPress || s.selected == nil {
		s.mu.Unlock()
		return ErrNoHubSelected
	}
	selected := *s.selected
	s.mu.Unlock()

	creds, err := s.probe.CreateUser(ctx, selected.Addr, "huedrv#"+s.instance)
	if err != nil {
		if !errors.Is(err, hue.ErrLinkButtonNotPressed) {
			level := slog.LevelError
			if hue.IsTransient(err) {
				level = slog.LevelWarn
			}
			s.log.Log(ctx, level, "credential issuance failed", slog.Any("error", err))
		}
		return err
	}

	hub := HubConfig{
		ID:        selected.ID,
		Addr:      selected.Addr,
		Username:  creds.Username,
		ClientKey: creds.ClientKey,
		Name:      selected.Name,
	}
	if err := s.registry.SetHub(hub); err != nil {
		return err
	}
	s.log.Info("paired with bridge",
		slog.String("id", hub.ID), slog.String("addr", hub.Addr))

	if err := s.enumerateDevices(ctx, hub); err != nil {
		// Pairing itself succeeded; enumeration re-runs on next connect.
		s.log.Warn("initial device enumeration failed", slog.Any("error", err))
	}

	s.mu.Lock()
	if s.step == StepAwaitButtonPress {
		s.step = StepCompleted
	}
	s.mu.Unlock()
	return nil
}

func (s *Setup) enumerateDevices(ctx context.Context, hub HubConfig) error {
	client := hue.NewClient(s.log, hue.Config{Addr: hub.Addr, AppKey: hub.Username})
	lights, err := client.GetLights(ctx)
	if err != nil {
		return err
	}
	for _, l := range lights {
		name := l.ID
		if l.Metadata != nil && l.Metadata.Name != "" {
			name = l.Metadata.Name
		}
		dev := DeviceConfig{Name: name, Features: featuresOf(l)}
		if err := s.registry.SetDevice(l.ID, dev); err != nil {
			return err
		}
	}
	s.log.Info("enumerated devices", slog.Int("count", len(lights)))
	return nil
}

// HubInfo is the read-only result of the "info" configuration action.
type HubInfo struct {
	Hub         HubConfig
	SWVersion   string
	DeviceCount int
	Reachable   bool
}

// Configure executes one ConfigurationMode action. Info never mutates;
// remove drops hub credentials and all devices; reset clears the whole
// registry unconditionally.
func (s *Setup) Configure(ctx context.Context, action ConfigAction) (*HubInfo, error) {
	s.mu.Lock()
	if s.step != StepConfigurationMode {
		s.mu.Unlock()
		return nil, ErrWrongStep
	}
	s.mu.Unlock()

	switch action {
	case ActionInfo:
		hub, ok := s.registry.Hub()
		if !ok {
			return nil, ErrHubNotFound
		}
		info := &HubInfo{Hub: hub, DeviceCount: len(s.registry.Devices())}
		if live, err := s.probe.FetchBridgeInfo(ctx, hub.Addr); err == nil {
			info.Reachable = true
			info.SWVersion = live.SWVersion
		}
		return info, nil

	case ActionRemove:
		if err := s.registry.RemoveHub(); err != nil {
			return nil, err
		}
		if s.host != nil {
			s.host.Clear()
		}
		s.finishConfiguration()
		return nil, nil

	case ActionReset:
		if err := s.registry.Reset(); err != nil {
			return nil, err
		}
		if s.host != nil {
			s.host.Clear()
		}
		s.finishConfiguration()
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown configuration action %q", action)
	}
}

// finishConfiguration advances to Completed unless an abort already
// reset the flow while the action ran.
func (s *Setup) finishConfiguration() {
	s.mu.Lock()
	if s.step == StepConfigurationMode {
		s.step = StepCompleted
	}
	s.mu.Unlock()
}

// Abort is valid in every step and may arrive concurrently with any
// in-flight request: the flow returns to Init, running discovery is
// canceled and collected candidates are discarded.
func (s *Setup) Abort() {
	s.mu.Lock()
	if s.cancelProbing != nil {
		s.cancelProbing()
		s.cancelProbing = nil
	}
	s.step = StepInit
	s.candidates = nil
	s.selected = nil
	s.mu.Unlock()

	s.log.Info("setup aborted")
}
