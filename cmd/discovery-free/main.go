// discovery-free - forcibly releases the primary role on a discoveryd
// server.
//
// Use it when a controlling client crashed without disconnecting and
// the role is wedged:
//
//	discovery-free -addr ws://lab-laser:907/ws
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opticlab/discovery-core/internal/client"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:907/ws", "control server WebSocket address")
	timeout := flag.Duration("timeout", 10*time.Second, "overall operation timeout")
	flag.Parse()

	if err := run(*addr, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log := logging.Default()

	c, err := client.Connect(ctx, addr, client.Options{RequestTimeout: timeout}, log)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.ForceReleasePrimary(ctx); err != nil {
		return fmt.Errorf("force release: %w", err)
	}

	fmt.Println("primary role released")
	return nil
}
