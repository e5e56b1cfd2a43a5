// Package influxdb provides optional time-series telemetry for the weave
// daemon.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking writes and health monitoring.
//
// # Purpose
//
// This package records:
//   - Device state values as they change
//   - Command lifecycle events
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "weave",
//	    Bucket:  "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteStateValue("battery", "power.level", 42)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via a
// callback. Connection and health check errors are returned directly.
package influxdb
