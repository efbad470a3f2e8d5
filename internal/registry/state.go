package registry

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// State is the JSON document published to deerma/<id>/state.
//
// Numeric fields carry the displayed value or null when never observed.
// Selects carry the option label. Stale and Unconfirmed name the fields
// whose value is retained from an earlier update or still awaiting
// device confirmation.
type State struct {
	DeviceID    string         `json:"device_id"`
	Online      bool           `json:"online"`
	Version     int64          `json:"version"`
	Values      map[string]any `json:"-"`
	Stale       []shadow.Field `json:"stale"`
	Unconfirmed []shadow.Field `json:"unconfirmed"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewState builds the state document of a shadow.
func NewState(s shadow.Shadow) State {
	st := State{
		DeviceID:    s.DeviceID,
		Online:      s.Online,
		Version:     s.Version,
		Values:      make(map[string]any, len(shadow.ReportedFields)),
		Stale:       s.StaleFields(),
		Unconfirmed: s.UnconfirmedFields(),
		UpdatedAt:   s.UpdatedAt,
	}
	if st.Stale == nil {
		st.Stale = []shadow.Field{}
	}
	if st.Unconfirmed == nil {
		st.Unconfirmed = []shadow.Field{}
	}

	for _, f := range shadow.ReportedFields {
		d := s.Display(f)
		if !d.Known() {
			st.Values[string(f)] = nil
			continue
		}
		if f.Writable() {
			st.Values[string(f)] = f.Label(int(d.Value))
			continue
		}
		st.Values[string(f)] = d.Value
	}
	return st
}

// MarshalJSON flattens Values into the top-level object so templates can
// address value_json.<field> directly.
func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Values)+6)
	for k, v := range s.Values {
		out[k] = v
	}
	out["device_id"] = s.DeviceID
	out["online"] = s.Online
	out["version"] = s.Version
	out["stale"] = s.Stale
	out["unconfirmed"] = s.Unconfirmed
	out["updated_at"] = s.UpdatedAt
	return json.Marshal(out)
}

// FailedEvent is published to deerma/<id>/event when a command times out
// or cannot be sent.
type FailedEvent struct {
	Event     string       `json:"event"`
	CommandID string       `json:"command_id"`
	DeviceID  string       `json:"device_id"`
	Field     shadow.Field `json:"field"`
	Value     int          `json:"value"`
	State     string       `json:"state"`
	Error     string       `json:"error,omitempty"`
	IssuedAt  time.Time    `json:"issued_at"`
	At        time.Time    `json:"at"`
}

// NewFailedEvent builds the event for a failure signal.
func NewFailedEvent(f command.Failure) FailedEvent {
	ev := FailedEvent{
		Event:     "command_failed",
		CommandID: f.Command.ID,
		DeviceID:  f.Command.DeviceID,
		Field:     f.Command.Field,
		Value:     f.Command.Value,
		State:     string(f.Command.State),
		IssuedAt:  f.Command.IssuedAt,
		At:        f.Command.ResolvedAt,
	}
	if f.Err != nil {
		ev.Error = f.Err.Error()
	}
	return ev
}
