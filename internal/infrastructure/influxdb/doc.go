// Package influxdb records HomeGrow node telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Discovery scans are
// written to the discovery_scan measurement (tag service_type; fields peers,
// duration_ms, failed) and announcer changes to discovery_status.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	browser.SetRecorder(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; asynchronous write
// failures are delivered to the SetOnError callback.
package influxdb
