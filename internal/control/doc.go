// Package control exposes one laser controller to the network.
//
// It provides an HTTP server with a small REST surface (health, status,
// limits) and a WebSocket endpoint carrying the full command protocol.
// Any number of clients may connect and observe; mutating the instrument
// requires holding the primary role, granted to exactly one client at a
// time by the Arbiter. The primary role is released explicitly, on
// disconnect, or forcibly by an operator recovering from a crashed
// client.
//
// The server follows the standard lifecycle pattern:
//
//	server, err := control.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// A Poller refreshes the instrument snapshot on a fixed interval and
// broadcasts it to subscribed WebSocket clients and, optionally, an MQTT
// telemetry publisher.
//
// Thread Safety: All exported methods are safe for concurrent use.
package control
