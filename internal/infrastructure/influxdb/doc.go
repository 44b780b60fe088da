// Package influxdb records MoIP routing history, connection state transitions
// and device reachability to InfluxDB v2 using the batched non-blocking write API.
package influxdb
