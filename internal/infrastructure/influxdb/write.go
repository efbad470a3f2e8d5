package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementWaterQuality = "water_quality"
	MeasurementCommand      = "command"
)

// WriteShadow records the numeric reported fields of one accepted shadow update.
//
// Each stale field also gets a <name>_stale=true field, and stale_fields
// counts them, so dashboards can grey out retained values.
//
//	client.WriteShadow("1234", 6, map[string]float64{"tap_tds": 120}, nil, time.Now())
func (c *Client) WriteShadow(deviceID string, version int64, values map[string]float64, stale map[string]bool, at time.Time) {
	if !c.IsConnected() || len(values) == 0 {
		return
	}

	fields := make(map[string]interface{}, len(values)+len(stale)+2)
	for name, v := range values {
		fields[name] = v
	}
	fields["version"] = version

	staleCount := 0
	for name, s := range stale {
		if _, ok := values[name]; !s || !ok {
			continue
		}
		fields[name+"_stale"] = true
		staleCount++
	}
	fields["stale_fields"] = staleCount

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementWaterQuality,
		map[string]string{"device_id": deviceID},
		fields,
		at,
	))
}

// WriteCommandResult records how a dispatched command ended and how long it took.
func (c *Client) WriteCommandResult(deviceID, field, state string, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementCommand,
		map[string]string{
			"device_id": deviceID,
			"field":     field,
			"state":     state,
		},
		map[string]interface{}{
			"latency_ms": latency.Milliseconds(),
		},
		time.Now(),
	))
}
