// Package influxdb provides InfluxDB connectivity for the BACnet hub.
//
// It wraps the official influxdb-client-go v2 library and records the value
// history of every hub entry: local values mirrored onto the hub device and
// values received from remote devices by COV notification. Each point is a
// "bacnet_value" measurement tagged with entry, source, and object.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	hubOpts.History = client
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes; async failures
// are counted in Stats and reported through the SetOnError callback.
package influxdb
