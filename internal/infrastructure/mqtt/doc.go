// Package mqtt provides the hub-facing MQTT transport for hublink.
//
// This package manages:
//   - TLS connection to the hub's MQTT endpoint with auto-reconnect
//   - The hub's authentication convention (device id as client id,
//     {hostname}/{device}/api-version={v} username, SAS token password)
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with restore-on-reconnect
//   - Connection health monitoring
//
// # Hub Constraints
//
// The hub speaks MQTT 3.1.1 over TLS only and narrows the protocol:
//
//   - QoS 2 publishes close the connection; only 0 and 1 are accepted
//   - Retained messages are not supported
//   - Will messages on arbitrary topics are rejected, so no LWT is set
//   - Device-to-cloud payloads are capped at 256KB
//
// Tokens expire, so the password cannot be fixed at connect time: a
// credentials provider re-derives the SAS token on every connection attempt,
// which keeps long-lived sessions reconnecting cleanly across token rollover.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.Hub, cfg.MQTT, signer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("$iothub/methods/POST/#", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
