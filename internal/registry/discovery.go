package registry

import (
	"fmt"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// DeviceInfo is the Home Assistant device block shared by all entities of
// one purifier.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

// Availability is one availability topic of an entity.
type Availability struct {
	Topic string `json:"topic"`
}

// EntityConfig is a Home Assistant MQTT discovery payload.
type EntityConfig struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"unique_id"`
	ObjectID          string         `json:"object_id,omitempty"`
	StateTopic        string         `json:"state_topic,omitempty"`
	ValueTemplate     string         `json:"value_template,omitempty"`
	CommandTopic      string         `json:"command_topic,omitempty"`
	Options           []string       `json:"options,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	Icon              string         `json:"icon,omitempty"`
	PayloadOn         string         `json:"payload_on,omitempty"`
	PayloadOff        string         `json:"payload_off,omitempty"`
	PayloadPress      string         `json:"payload_press,omitempty"`
	Availability      []Availability `json:"availability,omitempty"`
	Device            DeviceInfo     `json:"device"`
}

type entity struct {
	topic  string
	config EntityConfig
}

type sensorSpec struct {
	field      shadow.Field
	name       string
	unit       string
	stateClass string
	icon       string
}

var sensors = []sensorSpec{
	{shadow.FieldTapTDS, "Tap water TDS", "ppm", "measurement", "mdi:water-opacity"},
	{shadow.FieldPurifiedTDS, "Purified water TDS", "ppm", "measurement", "mdi:water-check"},
	{shadow.FieldAQPFilterLife, "AQP filter life", "%", "measurement", "mdi:air-filter"},
	{shadow.FieldPC5in1FilterLife, "PC 5-in-1 filter life", "%", "measurement", "mdi:air-filter"},
	{shadow.FieldTotalVolume, "Total water dispensed", "L", "total_increasing", "mdi:water"},
}

type selectSpec struct {
	field shadow.Field
	name  string
	icon  string
}

var selects = []selectSpec{
	{shadow.FieldTemperatureMode, "Outlet temperature", "mdi:thermometer-water"},
	{shadow.FieldVolumeMode, "Dispense volume", "mdi:cup-water"},
}

// entities builds every discovery payload of one device.
func entities(t mqtt.Topics, d cloud.Device) []entity {
	name := d.Name
	if name == "" {
		name = "Deerma " + d.ID
	}
	info := DeviceInfo{
		Identifiers:  []string{"deerma_" + d.ID},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        d.ProductType,
	}
	availability := []Availability{{Topic: t.BridgeStatus()}}
	state := t.State(d.ID)

	base := func(object, label string) EntityConfig {
		return EntityConfig{
			Name:         label,
			UniqueID:     fmt.Sprintf("deerma_%s_%s", d.ID, object),
			ObjectID:     fmt.Sprintf("deerma_%s_%s", d.ID, object),
			StateTopic:   state,
			Availability: availability,
			Device:       info,
		}
	}

	var out []entity
	for _, s := range sensors {
		c := base(string(s.field), s.name)
		c.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", s.field)
		c.UnitOfMeasurement = s.unit
		c.StateClass = s.stateClass
		c.Icon = s.icon
		out = append(out, entity{t.DiscoveryConfig("sensor", d.ID, string(s.field)), c})
	}

	for _, s := range selects {
		c := base(string(s.field), s.name)
		c.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", s.field)
		c.CommandTopic = t.Set(d.ID, string(s.field))
		c.Icon = s.icon
		for _, o := range s.field.Options() {
			c.Options = append(c.Options, o.Label)
		}
		out = append(out, entity{t.DiscoveryConfig("select", d.ID, string(s.field)), c})
	}

	button := base(Quick55Object, "Quick 55°C")
	button.StateTopic = ""
	button.CommandTopic = t.Set(d.ID, Quick55Object)
	button.PayloadPress = "PRESS"
	button.Icon = "mdi:coffee"
	out = append(out, entity{t.DiscoveryConfig("button", d.ID, Quick55Object), button})

	online := base("online", "Online")
	online.ValueTemplate = "{{ 'ON' if value_json.online else 'OFF' }}"
	online.DeviceClass = "connectivity"
	online.PayloadOn = "ON"
	online.PayloadOff = "OFF"
	out = append(out, entity{t.DiscoveryConfig("binary_sensor", d.ID, "online"), online})

	return out
}
