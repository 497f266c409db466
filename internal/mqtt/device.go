package mqtt

import "github.com/ej52/hass-ollama-conversation/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads, so HA groups every entity
// under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// EntityConfig is the JSON payload of an HA MQTT discovery message for
// a sensor or binary_sensor. It is published (retained) on every broker
// (re-)connect.
type EntityConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is the stable HA
// device identifier; the name is what the HA UI shows.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Ollama Conversation",
		Model:        "Ollama conversation agent",
		SWVersion:    buildinfo.Version,
	}
}
