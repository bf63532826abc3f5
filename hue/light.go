package hue

import (
	"context"
)

type LightOn struct {
	On bool `json:"on"`
}

type Dimming struct {
	Brightness  float64 `json:"brightness"`
	MinDimLevel float64 `json:"min_dim_level,omitempty"`
}

type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Gamut struct {
	Red   XY `json:"red"`
	Green XY `json:"green"`
	Blue  XY `json:"blue"`
}

type Color struct {
	XY        XY     `json:"xy"`
	Gamut     *Gamut `json:"gamut,omitempty"`
	GamutType string `json:"gamut_type,omitempty"`
}

type ColorTemperature struct {
	// Mirek is null when the light is currently in color mode.
	Mirek       *int         `json:"mirek"`
	MirekValid  bool         `json:"mirek_valid"`
	MirekSchema *MirekSchema `json:"mirek_schema,omitempty"`
}

type MirekSchema struct {
	Min int `json:"mirek_minimum"`
	Max int `json:"mirek_maximum"`
}

type LightMetadata struct {
	Name string `json:"name"`
}

// Light is a CLIP v2 light resource. Every field beyond the id is
// optional; event fragments carry only what changed.
type Light struct {
	ID               string            `json:"id"`
	IDv1             string            `json:"id_v1,omitempty"`
	Metadata         *LightMetadata    `json:"metadata,omitempty"`
	On               *LightOn          `json:"on,omitempty"`
	Dimming          *Dimming          `json:"dimming,omitempty"`
	Color            *Color            `json:"color,omitempty"`
	ColorTemperature *ColorTemperature `json:"color_temperature,omitempty"`
	Owner            *ResourceRef      `json:"owner,omitempty"`
}

func (c *Client) GetLights(ctx context.Context) ([]Light, error) {
	var lights []Light
	if err := c.getResource(ctx, "/light", &lights); err != nil {
		return nil, err
	}
	return lights, nil
}

func (c *Client) GetLight(ctx context.Context, id string) (Light, error) {
	var lights []Light
	if err := c.getResource(ctx, "/light/"+id, &lights); err != nil {
		return Light{}, err
	}
	if len(lights) == 0 {
		return Light{}, &Error{Kind: NotFound, Message: "light " + id}
	}
	return lights[0], nil
}

type LightUpdate struct {
	On               *LightOn                `json:"on,omitempty"`
	Dimming          *DimmingUpdate          `json:"dimming,omitempty"`
	Color            *ColorUpdate            `json:"color,omitempty"`
	ColorTemperature *ColorTemperatureUpdate `json:"color_temperature,omitempty"`
	Dynamics         *Dynamics               `json:"dynamics,omitempty"`
}

type DimmingUpdate struct {
	Brightness float64 `json:"brightness"`
}

type ColorUpdate struct {
	XY XY `json:"xy"`
}

type ColorTemperatureUpdate struct {
	Mirek int `json:"mirek"`
}

type Dynamics struct {
	DurationMs int `json:"duration"`
}

func (c *Client) UpdateLight(ctx context.Context, id string, update LightUpdate) error {
	return c.putResource(ctx, "/light/"+id, update)
}
