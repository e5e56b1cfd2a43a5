package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteStateValue records one state property of a component.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Numeric values keep their Go numeric type, booleans stay booleans,
// everything else is written as its string rendering.
//
// Example:
//
//	client.WriteStateValue("battery", "power.level", 42)
func (c *Client) WriteStateValue(component, property string, value any) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_state",
		map[string]string{
			"component": component,
			"property":  property,
		},
		map[string]interface{}{
			"value": fieldValue(value),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandEvent records a command lifecycle event: one point per
// (command name, state) transition.
//
// Example:
//
//	client.WriteCommandEvent("_ledflasher._set", "done")
func (c *Client) WriteCommandEvent(commandName, state string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_commands",
		map[string]string{
			"command": commandName,
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// fieldValue coerces a state value into an InfluxDB-friendly field type.
func fieldValue(value any) any {
	switch v := value.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, bool, string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
