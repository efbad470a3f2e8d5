// Package mqtt provides MQTT client connectivity for the Deerma bridge.
//
// One Client type serves two very different brokers:
//
//   - the vendor's AWS IoT endpoint, reached over a pre-signed wss:// URL,
//     carrying the device shadow topics ($aws/things/{id}/shadow/...)
//   - the local broker used by Home Assistant (tcp:// or ssl://), carrying
//     discovery configs, state documents, and command topics
//
// This package manages:
//   - Connection with optional auto-reconnect
//   - Subscription tracking and restoration after reconnect
//   - Panic-safe handler dispatch
//   - Retained availability status and Last Will
//
// # Usage
//
//	client, err := mqtt.Connect(mqtt.OptionsFromConfig(cfg.MQTT, topics.BridgeStatus()))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.AllSet(), 1, func(topic string, payload []byte) error {
//	    deviceID, field, _ := topics.ParseSet(topic)
//	    return handle(deviceID, field, payload)
//	})
package mqtt
