package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime queues one point for the next batch. It is a no-op
// once the client is closed.
//
//	client.WritePointWithTime("fibaro_channel",
//	    map[string]string{"device_id": "42", "channel": "power", "kind": "decimal"},
//	    map[string]any{"value": 37.5},
//	    time.Now())
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

