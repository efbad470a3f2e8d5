package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// reportedKeys maps every vendor key seen in the wild onto a shadow field.
// Firmware revisions disagree on casing, so all variants are accepted.
var reportedKeys = map[string]shadow.Field{
	"SetTemp":   shadow.FieldTemperatureMode,
	"setTemp":   shadow.FieldTemperatureMode,
	"SetOutlet": shadow.FieldVolumeMode,
	"setOutlet": shadow.FieldVolumeMode,

	"TapWaterTDS":   shadow.FieldTapTDS,
	"TapWaterTds":   shadow.FieldTapTDS,
	"tapWaterTds":   shadow.FieldTapTDS,
	"tap_water_tds": shadow.FieldTapTDS,
	"input_tds":     shadow.FieldTapTDS,
	"inputTds":      shadow.FieldTapTDS,

	"TDS":          shadow.FieldPurifiedTDS,
	"Tds":          shadow.FieldPurifiedTDS,
	"tds":          shadow.FieldPurifiedTDS,
	"purified_tds": shadow.FieldPurifiedTDS,
	"purifiedTds":  shadow.FieldPurifiedTDS,
	"output_tds":   shadow.FieldPurifiedTDS,
	"outputTds":    shadow.FieldPurifiedTDS,

	"AQPLife":         shadow.FieldAQPFilterLife,
	"AqpFilterLife":   shadow.FieldAQPFilterLife,
	"aqpFilterLife":   shadow.FieldAQPFilterLife,
	"aqp_filter_life": shadow.FieldAQPFilterLife,
	"filter1_life":    shadow.FieldAQPFilterLife,
	"filter1Life":     shadow.FieldAQPFilterLife,

	"PC5in1Life":         shadow.FieldPC5in1FilterLife,
	"PC5IN1Life":         shadow.FieldPC5in1FilterLife,
	"Pc5in1FilterLife":   shadow.FieldPC5in1FilterLife,
	"pc5in1FilterLife":   shadow.FieldPC5in1FilterLife,
	"pc5in1_filter_life": shadow.FieldPC5in1FilterLife,
	"filter2_life":       shadow.FieldPC5in1FilterLife,
	"filter2Life":        shadow.FieldPC5in1FilterLife,

	"totalWater":  shadow.FieldTotalVolume,
	"total_water": shadow.FieldTotalVolume,
}

// desiredKeys maps writable fields onto the keys the device accepts.
var desiredKeys = map[shadow.Field]string{
	shadow.FieldTemperatureMode: "SetTemp",
	shadow.FieldVolumeMode:      "SetOutlet",
}

// Document is a decoded vendor shadow document.
type Document struct {
	Version    int64
	HasVersion bool
	// Fields holds only the keys that decoded to a usable number.
	Fields    map[shadow.Field]float64
	Timestamp time.Time
	// DesiredOnly is true for an accepted-update echo that carries no
	// reported state.
	DesiredOnly bool
}

type rawDocument struct {
	Version   *json.Number `json:"version"`
	Timestamp *json.Number `json:"timestamp"`
	State     *struct {
		Reported map[string]json.RawMessage `json:"reported"`
		Desired  map[string]json.RawMessage `json:"desired"`
	} `json:"state"`
	Reported map[string]json.RawMessage `json:"reported"`
	Delta    map[string]json.RawMessage `json:"delta"`
}

// ParseDocument decodes a shadow document in any of the shapes the backend
// uses: the IoT shadow form {"state":{"reported":{...}},"version":n}, or the
// flattened {"version":n,"reported":{...}} / {"version":n,"delta":{...}}.
func ParseDocument(raw []byte) (Document, error) {
	var rd rawDocument
	if err := json.Unmarshal(raw, &rd); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedShadow, err)
	}

	var doc Document
	if rd.Version != nil {
		v, err := rd.Version.Int64()
		if err != nil {
			return Document{}, fmt.Errorf("%w: version %q", ErrMalformedShadow, rd.Version.String())
		}
		doc.Version, doc.HasVersion = v, true
	}
	if rd.Timestamp != nil {
		if ts, err := rd.Timestamp.Int64(); err == nil && ts > 0 {
			doc.Timestamp = time.Unix(ts, 0).UTC()
		}
	}

	var reported map[string]json.RawMessage
	switch {
	case rd.State != nil && rd.State.Reported != nil:
		reported = rd.State.Reported
	case rd.Reported != nil:
		reported = rd.Reported
	case rd.Delta != nil:
		reported = rd.Delta
	case rd.State != nil && rd.State.Desired != nil:
		doc.DesiredOnly = true
	}

	doc.Fields = DecodeReported(reported)
	return doc, nil
}

// DecodeReported maps vendor keys to shadow fields. Values that are null or
// not numeric are left out, so they count as absent from the update.
func DecodeReported(reported map[string]json.RawMessage) map[shadow.Field]float64 {
	out := make(map[shadow.Field]float64, len(reported))
	for key, raw := range reported {
		f, ok := reportedKeys[key]
		if !ok {
			continue
		}
		if v, ok := decodeNumber(raw); ok {
			out[f] = v
		}
	}
	return out
}

// Update converts the document into a reconciler update.
func (d Document) Update(deviceID string, kind shadow.UpdateKind, source string) shadow.Update {
	return shadow.Update{
		DeviceID:  deviceID,
		Kind:      kind,
		Version:   d.Version,
		Fields:    d.Fields,
		Timestamp: d.Timestamp,
		Source:    source,
	}
}

// GetShadow fetches the current reported state of deviceID as a snapshot.
// The status endpoint is merged with the water total endpoint; a failure of
// the latter (other than auth) only omits total_volume_l from the snapshot.
func (c *Client) GetShadow(ctx context.Context, token, deviceID string) (shadow.Update, error) {
	const op = "device_status"
	var env envelope
	q := url.Values{"device_id": {deviceID}}
	if err := c.do(ctx, op, http.MethodGet, pathDeviceStatus, token, q, nil, &env); err != nil {
		return shadow.Update{}, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return shadow.Update{}, fmt.Errorf("%w: %s: empty data", ErrMalformedShadow, op)
	}

	doc, err := ParseDocument(env.Data)
	if err != nil {
		return shadow.Update{}, fmt.Errorf("%s: %w", op, err)
	}
	if !doc.HasVersion {
		return shadow.Update{}, fmt.Errorf("%w: %s: no version", ErrMalformedShadow, op)
	}

	total, err := c.WaterTotal(ctx, token, deviceID)
	switch {
	case err == nil:
		doc.Fields[shadow.FieldTotalVolume] = total.Liters
	case IsAuth(err):
		return shadow.Update{}, err
	default:
		c.logger.Warn("water total unavailable", "device_id", deviceID, "error", err)
	}

	return doc.Update(deviceID, shadow.KindSnapshot, shadow.SourcePoll), nil
}

type desiredDocument struct {
	State struct {
		Desired map[string]any `json:"desired"`
	} `json:"state"`
	ClientToken string `json:"clientToken,omitempty"`
}

// DesiredPayload builds the shadow update document for a command. The
// vendor expects the device id in EnduserId and "app" as CommandType.
func DesiredPayload(deviceID, clientToken string, fields map[shadow.Field]int) ([]byte, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("cloud: desired payload: no fields")
	}
	var doc desiredDocument
	doc.ClientToken = clientToken
	doc.State.Desired = map[string]any{
		"CommandType": "app",
		"EnduserId":   deviceID,
	}
	for f, v := range fields {
		key, ok := desiredKeys[f]
		if !ok {
			return nil, fmt.Errorf("%w: %s", shadow.ErrReadOnlyField, f)
		}
		doc.State.Desired[key] = v
	}
	return json.Marshal(doc)
}
