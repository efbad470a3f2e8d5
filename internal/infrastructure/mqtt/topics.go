package mqtt

import (
	"fmt"
	"strings"
)

// =============================================================================
// Vendor shadow topics (AWS IoT device shadow)
// =============================================================================

// Shadow builds the AWS IoT classic shadow topics for one thing.
//
//	t := mqtt.ShadowTopics("1234")
//	t.UpdateAccepted() // "$aws/things/1234/shadow/update/accepted"
type Shadow struct {
	thing string
}

// ShadowTopics returns the topic builder for a thing name (the device id).
func ShadowTopics(thing string) Shadow {
	return Shadow{thing: thing}
}

func (s Shadow) base() string {
	return "$aws/things/" + s.thing + "/shadow"
}

// Update is where desired-state documents are published.
func (s Shadow) Update() string { return s.base() + "/update" }

// UpdateAccepted carries the reported/desired state after every accepted update.
func (s Shadow) UpdateAccepted() string { return s.base() + "/update/accepted" }

// UpdateDelta carries desired-vs-reported differences.
func (s Shadow) UpdateDelta() string { return s.base() + "/update/delta" }

// Get requests the full shadow document; the reply arrives on GetAccepted.
func (s Shadow) Get() string { return s.base() + "/get" }

// GetAccepted carries the full shadow document.
func (s Shadow) GetAccepted() string { return s.base() + "/get/accepted" }

// ThingFromTopic extracts the thing name from any shadow topic.
// It returns "" for topics outside $aws/things/.
func ThingFromTopic(topic string) string {
	const prefix = "$aws/things/"
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	rest := topic[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}

// =============================================================================
// Local topics (Home Assistant side)
// =============================================================================

// Topics builds the bridge's own topics on the local broker.
//
//	t := mqtt.Topics{Prefix: "deerma", Discovery: "homeassistant"}
//	t.State("1234") // "deerma/1234/state"
type Topics struct {
	Prefix    string
	Discovery string
}

// BridgeStatus is the retained availability topic of the bridge process.
//
// Example: deerma/bridge/status
func (t Topics) BridgeStatus() string {
	return t.Prefix + "/bridge/status"
}

// State is the JSON state document of one device.
//
// Example: deerma/1234/state
func (t Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", t.Prefix, deviceID)
}

// Event carries command_failed and similar one-shot events.
//
// Example: deerma/1234/event
func (t Topics) Event(deviceID string) string {
	return fmt.Sprintf("%s/%s/event", t.Prefix, deviceID)
}

// Set is the command topic for one writable field.
//
// Example: deerma/1234/temperature_mode/set
func (t Topics) Set(deviceID, field string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.Prefix, deviceID, field)
}

// AllSet matches every command topic.
//
// Pattern: deerma/+/+/set
func (t Topics) AllSet() string {
	return t.Prefix + "/+/+/set"
}

// ParseSet splits a command topic into device id and field.
func (t Topics) ParseSet(topic string) (deviceID, field string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// DiscoveryConfig is the Home Assistant discovery topic for one entity.
//
// Example: homeassistant/sensor/deerma_1234/tap_tds/config
func (t Topics) DiscoveryConfig(component, deviceID, object string) string {
	return fmt.Sprintf("%s/%s/deerma_%s/%s/config", t.Discovery, component, deviceID, object)
}
