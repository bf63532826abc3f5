package bridge

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// HubConfig is the persisted identity and credentials of the paired
// bridge. At most one hub exists at a time.
type HubConfig struct {
	ID        string `json:"id"`
	Addr      string `json:"address"`
	Username  string `json:"username"`
	ClientKey string `json:"clientkey,omitempty"`
	Name      string `json:"name,omitempty"`
}

type DeviceConfig struct {
	Name     string   `json:"name"`
	Features Features `json:"features"`
}

type registryFile struct {
	Hub     *HubConfig              `json:"hub,omitempty"`
	Devices map[string]DeviceConfig `json:"devices"`
}

// Registry is the on-disk record of the paired hub and its devices.
// Every mutation persists synchronously before returning, so dependent
// network calls always see committed state.
type Registry struct {
	log  *slog.Logger
	path string

	mu   sync.Mutex
	data registryFile
}

// LoadRegistry reads the registry file at path. A missing file is an
// empty registry; a malformed one is logged and replaced rather than
// failing startup.
func LoadRegistry(log *slog.Logger, path string) *Registry {
	r := &Registry{log: log, path: path}
	r.data.Devices = make(map[string]DeviceConfig)

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r
	}
	if err != nil {
		log.Warn("cannot read registry, starting empty",
			slog.String("path", path), slog.Any("error", err))
		return r
	}

	var data registryFile
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Warn("malformed registry, starting empty",
			slog.String("path", path), slog.Any("error", err))
		return r
	}
	if data.Devices == nil {
		data.Devices = make(map[string]DeviceConfig)
	}
	r.data = data
	return r
}

func (r *Registry) Hub() (HubConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.Hub == nil {
		return HubConfig{}, false
	}
	return *r.data.Hub, true
}

func (r *Registry) Device(id string) (DeviceConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data.Devices[id]
	return d, ok
}

// Devices returns a copy of the device map.
func (r *Registry) Devices() map[string]DeviceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]DeviceConfig, len(r.data.Devices))
	for id, d := range r.data.Devices {
		out[id] = d
	}
	return out
}

// SetHub replaces the paired hub. Pairing always starts from an empty
// device set; enumeration after pairing repopulates it.
func (r *Registry) SetHub(hub HubConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Devices = make(map[string]DeviceConfig)
	r.data.Hub = &hub
	return r.save()
}

func (r *Registry) SetDevice(id string, dev DeviceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Devices[id] = dev
	return r.save()
}

// RemoveHub deletes the hub credentials and cascades to all devices.
func (r *Registry) RemoveHub() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Hub = nil
	r.data.Devices = make(map[string]DeviceConfig)
	return r.save()
}

// Reset clears the registry unconditionally.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = registryFile{Devices: make(map[string]DeviceConfig)}
	return r.save()
}

// save writes the registry atomically. Callers hold r.mu.
func (r *Registry) save() error {
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
