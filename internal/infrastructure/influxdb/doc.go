// Package influxdb records water-quality telemetry in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Writes are
// non-blocking and batched; failures arrive on the SetOnError callback.
//
// Points:
//
//	water_quality,device_id=1234 tap_tds=120,purified_tds=15,version=6i,stale_fields=0i
//	command,device_id=1234,field=temperature_mode,state=confirmed latency_ms=850i
//
// InfluxDB is optional: Connect returns ErrDisabled when influxdb.enabled
// is false, and every write method is a no-op on a nil or closed client.
package influxdb
