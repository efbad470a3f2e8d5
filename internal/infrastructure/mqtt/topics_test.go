package mqtt

import "testing"

func TestShadowTopics(t *testing.T) {
	s := ShadowTopics("dev-1")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"update", s.Update(), "$aws/things/dev-1/shadow/update"},
		{"update accepted", s.UpdateAccepted(), "$aws/things/dev-1/shadow/update/accepted"},
		{"update delta", s.UpdateDelta(), "$aws/things/dev-1/shadow/update/delta"},
		{"get", s.Get(), "$aws/things/dev-1/shadow/get"},
		{"get accepted", s.GetAccepted(), "$aws/things/dev-1/shadow/get/accepted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestThingFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"$aws/things/dev-1/shadow/update/accepted", "dev-1"},
		{"$aws/things/abc/shadow/get/accepted", "abc"},
		{"$aws/things/", ""},
		{"deerma/dev-1/state", ""},
	}
	for _, tt := range tests {
		if got := ThingFromTopic(tt.topic); got != tt.want {
			t.Errorf("ThingFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestTopics_Local(t *testing.T) {
	topics := Topics{Prefix: "deerma", Discovery: "homeassistant"}

	if got := topics.State("1"); got != "deerma/1/state" {
		t.Errorf("State() = %q", got)
	}
	if got := topics.Set("1", "volume_mode"); got != "deerma/1/volume_mode/set" {
		t.Errorf("Set() = %q", got)
	}
	if got := topics.AllSet(); got != "deerma/+/+/set" {
		t.Errorf("AllSet() = %q", got)
	}
	if got := topics.BridgeStatus(); got != "deerma/bridge/status" {
		t.Errorf("BridgeStatus() = %q", got)
	}
	if got := topics.DiscoveryConfig("sensor", "1", "tap_tds"); got != "homeassistant/sensor/deerma_1/tap_tds/config" {
		t.Errorf("DiscoveryConfig() = %q", got)
	}
}

func TestTopics_ParseSet(t *testing.T) {
	topics := Topics{Prefix: "deerma"}

	tests := []struct {
		topic      string
		wantDevice string
		wantField  string
		wantOK     bool
	}{
		{"deerma/1/temperature_mode/set", "1", "temperature_mode", true},
		{"deerma/1/state", "", "", false},
		{"other/1/temperature_mode/set", "", "", false},
		{"deerma//temperature_mode/set", "", "", false},
		{"deerma/1/temperature_mode/get", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			d, f, ok := topics.ParseSet(tt.topic)
			if ok != tt.wantOK || d != tt.wantDevice || f != tt.wantField {
				t.Errorf("ParseSet(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.topic, d, f, ok, tt.wantDevice, tt.wantField, tt.wantOK)
			}
		})
	}
}
