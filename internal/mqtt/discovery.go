package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/inkclock/internal/buildinfo"
)

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a UUIDv7 and persists it on first run. The ID keeps the
// MQTT client identifier and the Home Assistant unique_id stable when
// device_name is changed.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return idStr, nil
}

// DeviceInfo is the Home Assistant device registry block shared by all
// discovery payloads so HA groups the entities under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo builds the device block from the persistent instance ID
// and the human-readable device name.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Hollow Oak",
		Model:        "inkclock",
		SWVersion:    buildinfo.Version,
	}
}

// SensorConfig is the JSON payload of an HA MQTT discovery message for
// a sensor or binary_sensor. It is published retained on every
// (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id"`
	HasEntityName     bool       `json:"has_entity_name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
}

type entityDef struct {
	component string // sensor or binary_sensor
	suffix    string
	config    SensorConfig
}

// LabelTopic is where the MQTT display publishes the elapsed label.
func (c *Client) LabelTopic() string { return c.stateTopic("label") }

// IndicatorTopic is where the MQTT display publishes the LED state.
func (c *Client) IndicatorTopic() string { return c.stateTopic("indicator") }

func (c *Client) baseTopic() string {
	return "inkclock/" + c.cfg.DeviceName
}

func (c *Client) availabilityTopic() string {
	return c.baseTopic() + "/availability"
}

func (c *Client) stateTopic(entity string) string {
	return c.baseTopic() + "/" + entity + "/state"
}

func (c *Client) discoveryTopic(component, entity string) string {
	return c.cfg.DiscoveryPrefix + "/" + component + "/" + c.cfg.DeviceName + "/" + entity + "/config"
}

func (c *Client) entityDefinitions() []entityDef {
	avail := c.availabilityTopic()
	return []entityDef{
		{
			component: "sensor",
			suffix:    "label",
			config: SensorConfig{
				Name:              "Elapsed",
				ObjectID:          "label",
				HasEntityName:     true,
				UniqueID:          c.instanceID + "_label",
				StateTopic:        c.LabelTopic(),
				AvailabilityTopic: avail,
				Device:            c.device,
				Icon:              "mdi:timer-sand",
			},
		},
		{
			component: "binary_sensor",
			suffix:    "indicator",
			config: SensorConfig{
				Name:              "Overdue",
				ObjectID:          "indicator",
				HasEntityName:     true,
				UniqueID:          c.instanceID + "_indicator",
				StateTopic:        c.IndicatorTopic(),
				AvailabilityTopic: avail,
				Device:            c.device,
				Icon:              "mdi:led-on",
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
			},
		},
	}
}
