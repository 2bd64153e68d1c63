// Package client is the Go client for the discovery-core control
// protocol.
//
// A Client holds one WebSocket connection to a control server. All
// requests are correlated by ID, so calls are safe to issue from
// multiple goroutines; each call is bounded by its context and the
// configured request timeout.
//
// Observing (QueryStatus, SubscribeStatus) works immediately after
// Connect. Mutating the instrument requires first acquiring the primary
// role with DemandPrimary; the server releases the role automatically
// if the connection drops.
//
//	c, err := client.Connect(ctx, "ws://lab-laser:907/ws", client.Options{}, log)
//	if err != nil { ... }
//	defer c.Close()
//
//	if err := c.DemandPrimary(ctx); err != nil { ... }
//	if _, err := c.SetWavelength(ctx, 920); err != nil { ... }
package client
