package hue

type ResourceType string

const (
	RTypeDevice       ResourceType = "device"
	RTypeBridge       ResourceType = "bridge"
	RTypeBridgeHome   ResourceType = "bridge_home"
	RTypeLight        ResourceType = "light"
	RTypeGroupedLight ResourceType = "grouped_light"
	RTypeRoom         ResourceType = "room"
	RTypeZone         ResourceType = "zone"
	RTypeScene        ResourceType = "scene"
	RTypeMotion       ResourceType = "motion"
	RTypeButton       ResourceType = "button"
)

type ResourceRef struct {
	ID   string       `json:"rid"`
	Type ResourceType `json:"rtype"`
}
