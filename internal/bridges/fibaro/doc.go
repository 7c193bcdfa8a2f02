// Package fibaro implements the Fibaro home-center bridge for Gray Logic.
//
// The hub exposes two asymmetric interfaces: a synchronous REST API used to
// read device state and invoke actions, and an asynchronous push channel that
// reports property changes as they happen. This package keeps a short-lived
// view of device state consistent across both.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   REST (Basic auth)
//	│   Gray Logic    │   MQTT   │  Fibaro Bridge  │◄────────────────────► Hub
//	│      Core       │◄────────►│   (this pkg)    │◄──────────────────── Hub
//	└─────────────────┘          └─────────────────┘   push (HTTP POST)
//
// # Components
//
//   - Client: authenticated hub calls, read-through device cache
//   - Translator: hub property/value pairs to typed channel states, and
//     commands to hub actions (TranslateUpdate, DecodeState, EncodeCommand)
//   - Listener: HTTP endpoint receiving push notifications
//   - Registry: device id to DeviceHandler routing
//   - Bridge: owns all of the above and the MQTT surface
//
// # Push Path
//
// A push notification is decoded into an Update, dispatched to the handler
// registered for its device id, and the cached snapshot for that id is then
// invalidated whether or not a handler was found. The next FetchDevice for
// the id always reaches the hub.
//
// # The value Property
//
// The hub's generic "value" property fans out to the alarm, dimmer,
// power-outlet, switch and thermostat channels. Handlers drop updates for
// channels they do not expose.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package fibaro
