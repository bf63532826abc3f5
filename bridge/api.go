package bridge

// Host is the capability surface of the integration platform this
// driver plugs into. The transport behind it (entity registry, command
// dispatch, device lifecycle) lives outside this module; the engine
// only ever calls through this interface and must tolerate it being
// called with identical values repeatedly.
type Host interface {
	// RegisterDevice announces a controllable device to the platform.
	RegisterDevice(id, name string, features Features)
	// PublishAttributes replaces the full attribute set of a device.
	PublishAttributes(id string, attrs Attributes)
	// Clear drops every registered device, used on hub removal/reset.
	Clear()
}

type CommandKind int

const (
	CmdOn CommandKind = iota
	CmdOff
	CmdToggle
)

// Command is an inbound request from the host platform. Brightness is
// on the native 0-255 scale with 0 meaning "off"; hue, saturation and
// color temperature use the normalized ranges.
type Command struct {
	DeviceID string
	Kind     CommandKind

	Brightness       *int
	Hue              *int
	Saturation       *int
	ColorTemperature *int
}
