// Package mqtt connects the Fibaro bridge to the Gray Logic MQTT bus.
//
// The client wraps paho.mqtt.golang and adds:
//   - auto-reconnect with subscriptions restored after each reconnect
//   - a caller-supplied Last Will, used for the bridge's offline health
//   - input validation on publish and subscribe
//   - panic recovery around message handlers
//
// *Client satisfies the bridge's MQTTClient interface directly.
//
// # Usage
//
//	lwt, _ := json.Marshal(fibaro.NewLWTMessage(bridgeID))
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic: fibaro.HealthTopic(), Payload: lwt, QoS: 1, Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(fibaro.CommandSubscribeTopic(), 1, func(topic string, payload []byte) {
//	    // ...
//	})
//
// Broker-backed tests run only when GRAYLOGIC_FIBARO_TEST_BROKER names a
// reachable broker (host:port).
package mqtt
