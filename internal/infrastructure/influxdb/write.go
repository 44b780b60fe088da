package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the MoIP manager.
const (
	MeasurementRouting    = "moip_routing"
	MeasurementConnection = "moip_connection"
	MeasurementDevice     = "moip_device"
)

// WriteRouting records that receiver rx now shows transmitter tx (0 means
// unassigned). source is where the change was observed: line, rest or local.
func (c *Client) WriteRouting(rx, tx int, source string, at time.Time) {
	c.write(RoutingPoint(rx, tx, source, at))
}

// WriteConnectionState records a transport's connection state transition.
func (c *Client) WriteConnectionState(transport, state string, at time.Time) {
	c.write(ConnectionPoint(transport, state, at))
}

// WriteDeviceOnline records a device's reachability.
func (c *Client) WriteDeviceOnline(kind string, index int, online bool, at time.Time) {
	c.write(DevicePoint(kind, index, online, at))
}

func (c *Client) write(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

// RoutingPoint builds the point written by WriteRouting.
func RoutingPoint(rx, tx int, source string, at time.Time) *write.Point {
	return write.NewPoint(MeasurementRouting,
		map[string]string{"rx": strconv.Itoa(rx), "source": source},
		map[string]interface{}{"tx": tx},
		at,
	)
}

// ConnectionPoint builds the point written by WriteConnectionState.
func ConnectionPoint(transport, state string, at time.Time) *write.Point {
	return write.NewPoint(MeasurementConnection,
		map[string]string{"transport": transport},
		map[string]interface{}{"state": state},
		at,
	)
}

// DevicePoint builds the point written by WriteDeviceOnline.
func DevicePoint(kind string, index int, online bool, at time.Time) *write.Point {
	return write.NewPoint(MeasurementDevice,
		map[string]string{"kind": kind, "index": strconv.Itoa(index)},
		map[string]interface{}{"online": online},
		at,
	)
}
