package shadow

import (
	"encoding/json"
	"time"
)

// FieldStatus is the tri-state tag of a reported field.
type FieldStatus int

const (
	// FieldAbsent means no valid value has ever been observed.
	FieldAbsent FieldStatus = iota
	// FieldValid means the most recent update carried the value.
	FieldValid
	// FieldStale means the value was retained from an earlier update.
	FieldStale
)

// String returns the JSON name of the status.
func (s FieldStatus) String() string {
	switch s {
	case FieldValid:
		return "valid"
	case FieldStale:
		return "stale"
	default:
		return "absent"
	}
}

// MarshalJSON encodes the status by name.
func (s FieldStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name. Unknown names decode as FieldAbsent.
func (s *FieldStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "valid":
		*s = FieldValid
	case "stale":
		*s = FieldStale
	default:
		*s = FieldAbsent
	}
	return nil
}

// FieldValue is one reported field. Value is meaningful only when Status
// is FieldValid or FieldStale.
type FieldValue struct {
	Status    FieldStatus `json:"status"`
	Value     float64     `json:"value"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
	// StaleSince is when the value was first retained, zero unless stale.
	StaleSince time.Time `json:"stale_since,omitempty"`
}

// Known reports whether the field holds a value (valid or retained).
func (v FieldValue) Known() bool {
	return v.Status != FieldAbsent
}

// Desired is an in-flight command value overlaying a writable field.
type Desired struct {
	Value     float64   `json:"value"`
	CommandID string    `json:"command_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Shadow is a point-in-time copy of one device record.
// Copies handed out by the Reconciler are never mutated afterwards.
type Shadow struct {
	DeviceID string `json:"device_id"`
	// Version is the last accepted backend version; HasVersion is false
	// until the first update is accepted.
	Version    int64                `json:"version"`
	HasVersion bool                 `json:"-"`
	Online     bool                 `json:"online"`
	Reported   map[Field]FieldValue `json:"reported"`
	Desired    map[Field]Desired    `json:"desired,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// DisplayValue is what a consumer should show for a field.
type DisplayValue struct {
	FieldValue
	// Unconfirmed is true while a command's desired value is displayed.
	Unconfirmed bool `json:"unconfirmed"`
}

// Display returns the displayed value of f: the desired value while a
// command is in flight, otherwise the reported value.
func (s Shadow) Display(f Field) DisplayValue {
	reported := s.Reported[f]
	if d, ok := s.Desired[f]; ok {
		return DisplayValue{
			FieldValue: FieldValue{
				Status:    FieldValid,
				Value:     d.Value,
				UpdatedAt: d.IssuedAt,
			},
			Unconfirmed: true,
		}
	}
	return DisplayValue{FieldValue: reported}
}

// StaleFields lists fields currently retained-stale.
func (s Shadow) StaleFields() []Field {
	var out []Field
	for _, f := range ReportedFields {
		if s.Reported[f].Status == FieldStale {
			out = append(out, f)
		}
	}
	return out
}

// UnconfirmedFields lists fields with an in-flight desired value.
func (s Shadow) UnconfirmedFields() []Field {
	var out []Field
	for _, f := range ReportedFields {
		if _, ok := s.Desired[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (s Shadow) clone() Shadow {
	out := s
	out.Reported = make(map[Field]FieldValue, len(s.Reported))
	for k, v := range s.Reported {
		out.Reported[k] = v
	}
	if len(s.Desired) > 0 {
		out.Desired = make(map[Field]Desired, len(s.Desired))
		for k, v := range s.Desired {
			out.Desired[k] = v
		}
	} else {
		out.Desired = nil
	}
	return out
}

// UpdateKind distinguishes full snapshots from partial deltas.
type UpdateKind int

const (
	// KindSnapshot is a full reported document from the REST poll.
	KindSnapshot UpdateKind = iota
	// KindDelta is a partial reported document pushed over MQTT.
	KindDelta
)

// String returns the kind name.
func (k UpdateKind) String() string {
	if k == KindDelta {
		return "delta"
	}
	return "snapshot"
}

// Update sources.
const (
	SourcePoll = "poll"
	SourceMQTT = "mqtt"
)

// Update is one snapshot or delta from a backend channel.
type Update struct {
	DeviceID string
	Kind     UpdateKind
	Version  int64
	// Fields holds only the fields carrying a usable value. A field missing
	// here is "absent from this update".
	Fields map[Field]float64
	// Online, when non-nil, is an explicit online/offline signal from the backend.
	Online *bool
	// Timestamp is the backend's document time, if any.
	Timestamp time.Time
	Source    string
}

// Outcome reports what Apply did.
type Outcome int

const (
	// OutcomeApplied means the update was accepted and the record mutated.
	OutcomeApplied Outcome = iota
	// OutcomeStaleVersion means the version was not newer; nothing changed.
	OutcomeStaleVersion
	// OutcomeIgnored means the update had no device id.
	OutcomeIgnored
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStaleVersion:
		return "stale_version_discarded"
	default:
		return "ignored"
	}
}

// ChangeReason says which operation produced a Change.
type ChangeReason string

// Change reasons.
const (
	ReasonApply        ChangeReason = "apply"
	ReasonDesiredSet   ChangeReason = "desired_set"
	ReasonDesiredClear ChangeReason = "desired_cleared"
	ReasonOnline       ChangeReason = "online"
)

// Confirmation records a desired value matched by a report.
type Confirmation struct {
	Field     Field
	CommandID string
}

// Change is delivered to listeners after every mutation.
type Change struct {
	Shadow Shadow
	Reason ChangeReason
	// Kind and Source are set for ReasonApply.
	Kind   UpdateKind
	Source string
	// Updated lists fields that received a valid value.
	Updated []Field
	// Retained lists fields newly marked stale by this update.
	Retained []Field
	// Confirmed lists in-flight commands matched by this update.
	Confirmed []Confirmation
}
