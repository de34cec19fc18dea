// Package mqtt provides MQTT client connectivity for the BACnet hub.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Retained publishing of Home Assistant discovery configs and states
//   - Command topic subscriptions, restored after every reconnect
//   - Last Will and Testament (LWT) on bacnethub/status
//
// # Architecture
//
// Imported remote points are mirrored into Home Assistant through MQTT
// discovery. Each point gets a retained config under homeassistant/, a
// retained state and availability under bacnethub/{entry_id}/, and writable
// points a command topic the hub subscribes to.
//
//	Remote BACnet devices ↔ Hub ↔ MQTT Broker ↔ Home Assistant
//
// # Security Considerations
//
//   - TLS should be enabled when the broker is not on the same host (cfg.Broker.TLS=true)
//   - Command topics write to field devices; restrict them with broker ACLs
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllEntityCommands(entryID), 1,
//	    func(topic string, payload []byte) error {
//	        uid, _ := mqtt.Topics{}.CommandUniqueID(entryID, topic)
//	        return write(uid, payload)
//	    })
package mqtt
