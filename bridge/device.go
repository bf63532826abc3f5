package bridge

import (
	"math"

	"github.com/unfoldedcircle/integration-philipshue/hue"
)

// State is the normalized on/off state of a device. Unknown means the
// live event stream is down and the value may be stale; unavailable is
// reserved for authentication or permanent failures.
type State string

const (
	StateOn          State = "on"
	StateOff         State = "off"
	StateUnknown     State = "unknown"
	StateUnavailable State = "unavailable"
)

// Features is the capability set of a device, derived once from bridge
// metadata when the device is first enumerated and immutable afterwards.
type Features struct {
	OnOff            bool `json:"on_off"`
	Dim              bool `json:"dim"`
	Color            bool `json:"color"`
	ColorTemperature bool `json:"color_temperature"`
}

// Attributes is the normalized state published across the host
// boundary: brightness 1-100, hue 0-359, saturation 0-100,
// color temperature 0-100.
type Attributes struct {
	State            State
	Brightness       int
	Hue              int
	Saturation       int
	ColorTemperature int
}

func featuresOf(l hue.Light) Features {
	return Features{
		OnOff:            l.On != nil,
		Dim:              l.Dimming != nil,
		Color:            l.Color != nil,
		ColorTemperature: l.ColorTemperature != nil,
	}
}

// applyLight folds a light resource (full state or event fragment) into
// the previous attributes. Only fields present in the fragment are
// applied; absent fields keep their previous value.
func applyLight(prev Attributes, l hue.Light) Attributes {
	next := prev

	if l.On != nil {
		if l.On.On {
			next.State = StateOn
		} else {
			next.State = StateOff
		}
	}
	if l.Dimming != nil {
		b := int(math.Round(l.Dimming.Brightness))
		if b < 1 {
			b = 1
		}
		if b > 100 {
			b = 100
		}
		next.Brightness = b
	}
	if l.ColorTemperature != nil && l.ColorTemperature.MirekValid && l.ColorTemperature.Mirek != nil {
		next.ColorTemperature = int(math.Round(hue.MirekToPercent(*l.ColorTemperature.Mirek)))
	}
	if l.Color != nil {
		brightness := next.Brightness
		if brightness == 0 {
			brightness = 100
		}
		h, s := hue.XYToHSV(l.Color.XY.X, l.Color.XY.Y, float64(brightness))
		next.Hue = h
		next.Saturation = s
	}

	return next
}
