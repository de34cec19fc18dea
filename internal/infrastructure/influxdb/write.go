package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint writes a point stamped with the current time. It satisfies the
// history interfaces of the hub and remote packages.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Points written after Close are counted as dropped.
//
// Parameters:
//   - measurement: The measurement name (e.g., "bacnet_value")
//   - tags: Key-value pairs for indexing (entry, source, object)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("bacnet_value",
//	    map[string]string{"entry": "3f0c", "source": "local", "object": "analogValue:1"},
//	    map[string]any{"value": 21.5})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with a specific timestamp.
//
// Use this when the timestamp is not "now", such as a COV notification
// that was queued while the writer was busy.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return
	}
	if len(fields) == 0 {
		// InfluxDB rejects points without fields.
		c.dropped.Add(1)
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
	c.written.Add(1)
}
