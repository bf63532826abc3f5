package hue

import (
	"log/slog"
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Conversions between bridge-native units and the normalized attribute
// model: hue 0-359, saturation/brightness/color-temperature percent.
// Inputs outside their native range are clamped, never rejected.

const (
	MinMirek = 153
	MaxMirek = 500

	// Native brightness range used across the host boundary.
	MaxBrightness = 255
)

// XYToHSV converts a CIE xy chromaticity plus brightness percent into
// hue degrees and saturation percent via the xyY -> sRGB -> HSV
// pipeline. A gray result (max channel equals min channel) yields hue 0.
func XYToHSV(x, y, brightnessPercent float64) (hueDeg, satPercent int) {
	x = clampF(x, 0, 1)
	y = clampF(y, 0, 1)
	v := clampF(brightnessPercent, 0, 100) / 100

	c := colorful.Xyy(x, y, v)

	// Saturated chromaticities at high luminance overflow sRGB; hue and
	// saturation are invariant under uniform scaling, so renormalize by
	// the max channel instead of letting a plain clamp desaturate.
	r, g, b := c.R, c.G, c.B
	if m := math.Max(r, math.Max(g, b)); m > 1 {
		r /= m
		g /= m
		b /= m
	}
	c = colorful.Color{R: clampF(r, 0, 1), G: clampF(g, 0, 1), B: clampF(b, 0, 1)}

	h, s, _ := c.Hsv()

	hueDeg = int(math.Round(h)) % 360
	satPercent = int(math.Round(s * 100))
	return hueDeg, satPercent
}

// HSVToXY converts hue degrees, saturation percent and value percent
// into a CIE xy chromaticity. A black input (zero RGB sum) yields the
// fixed neutral point x=y=0.3.
func HSVToXY(hueDeg, satPercent, valuePercent int) (x, y float64) {
	h := clampF(float64(hueDeg), 0, 359)
	s := clampF(float64(satPercent), 0, 100) / 100
	v := clampF(float64(valuePercent), 0, 100) / 100

	c := colorful.Hsv(h, s, v)
	if c.R+c.G+c.B == 0 {
		return 0.3, 0.3
	}
	x, y, _ = c.Xyy()
	return x, y
}

// MirekToPercent maps the bridge mirek scale [153,500] onto [0,100].
// The result stays fractional so PercentToMirek round-trips every
// integer mirek exactly.
func MirekToPercent(mirek int) float64 {
	m := clampF(float64(mirek), MinMirek, MaxMirek)
	return (m - MinMirek) * 100 / (MaxMirek - MinMirek)
}

func PercentToMirek(percent float64) int {
	p := clampF(percent, 0, 100)
	return MinMirek + int(math.Round(p*(MaxMirek-MinMirek)/100))
}

// BrightnessToPercent maps native brightness [0,255] onto [1,100].
// Brightness 0 is a command-side request for "off", never a state
// value, so both directions floor at 1.
func BrightnessToPercent(brightness int) int {
	b := clampF(float64(brightness), 0, MaxBrightness)
	p := int(math.Round(b * 100 / MaxBrightness))
	if p < 1 {
		p = 1
	}
	return p
}

func PercentToBrightness(percent int) int {
	p := clampF(float64(percent), 0, 100)
	b := int(math.Round(p * MaxBrightness / 100))
	if b < 1 {
		b = 1
	}
	return b
}

// NormalizeBridgeID canonicalizes the three id shapes seen across
// discovery sources into the 12-char lowercase form:
//
//	"EC:B5:FA:12:34:56"  colon-delimited MAC
//	"ecb5fafffe123456"   EUI-64 with fffe middle padding
//	"ecb5fa123456"       already canonical
//
// Unrecognized shapes are logged and passed through lowercased.
func NormalizeBridgeID(log *slog.Logger, id string) string {
	normalized := strings.ToLower(id)

	if len(normalized) == 17 && strings.Count(normalized, ":") == 5 {
		return strings.ReplaceAll(normalized, ":", "")
	}
	if len(normalized) == 16 && normalized[6:10] == "fffe" {
		return normalized[:6] + normalized[10:]
	}
	if len(normalized) == 12 {
		return normalized
	}

	log.Warn("unrecognized bridge id shape", slog.String("id", id))
	return normalized
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
