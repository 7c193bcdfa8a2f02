// Package influxdb records Fibaro channel telemetry in InfluxDB 2.x.
//
// It wraps influxdb-client-go v2 with non-blocking batched writes. Each
// numeric channel update the bridge publishes becomes one point in the
// fibaro_channel measurement, tagged by device, channel and kind.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { logger.Warn("telemetry write failed", "error", err) })
//
// *Client satisfies the bridge's Telemetry interface.
//
// # Error Handling
//
// Write failures surface asynchronously through the SetOnError callback.
// Connect and HealthCheck return errors directly.
package influxdb
