// Command scale-watch tails the scale from a terminal. It exercises the
// full synchronizer: WebSocket push when available, polling otherwise.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"craftscale/scale-server/internal/scaleclient"
)

func main() {
	serverURL := flag.String("server", "http://localhost:3000", "CraftScale server base URL")
	poll := flag.Duration("poll", 2*time.Second, "Polling interval while the push channel is down")

	flag.Parse()

	client, err := scaleclient.New(*serverURL, scaleclient.Options{
		PollInterval: *poll,
		OnState: func(s scaleclient.State) {
			log.Printf("[state] %s", s)
		},
	})
	if err != nil {
		log.Fatalf("failed to start synchronizer: %v", err)
	}
	defer client.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			log.Print("exiting")
			return
		case u := <-client.Updates():
			log.Printf("%8.2f g  (raw %.0f, factor %.2f, offset %.0f)",
				u.Weight, u.RawValue, u.Calibration.Factor, u.Calibration.Offset)
		}
	}
}
