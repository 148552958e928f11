package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTelemetry mirrors one published telemetry event locally.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Numeric event fields land as floats, everything else as its JSON value.
//
// Parameters:
//   - deviceID: The device identity the event was published as
//   - fields: The event body's top-level fields
//
// Example:
//
//	client.WriteTelemetry("my-device", map[string]any{"temp": 21.5})
func (c *Client) WriteTelemetry(deviceID string, fields map[string]any) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTwinVersion records a twin version transition.
//
// Version history makes it visible when desired-property pushes reached the
// device and how far the local document lags the hub.
//
// Parameters:
//   - deviceID: The device identity
//   - version: The new twin version
func (c *Client) WriteTwinVersion(deviceID string, version int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"twin",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"version": version,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnectionEvent records a hub connection state change.
//
// Parameters:
//   - deviceID: The device identity
//   - state: The new state name (e.g., "connected", "disconnected")
func (c *Client) WriteConnectionEvent(deviceID string, state string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"connection",
		map[string]string{
			"device_id": deviceID,
			"state":     state,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
