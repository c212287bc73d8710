// Command scale-sim mimics the workshop's HX711 load-cell reader: it
// produces a noisy raw count that drifts as items are "placed" on the
// platform, and submits a reading once the value has been stable long
// enough, the same send-once gating the hardware reader uses.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	stabilityThreshold = 500 // raw counts
	stabilityDuration  = 2 * time.Second
)

type rawPayload struct {
	RawValue  int64  `json:"rawValue"`
	Timestamp string `json:"timestamp"`
}

func main() {
	serverURL := flag.String("server", "http://localhost:3000", "CraftScale server base URL")
	brokerURL := flag.String("broker", "", "Publish over MQTT instead of HTTP, e.g. tcp://localhost:1883")
	topic := flag.String("topic", "craftscale/scale/raw", "MQTT topic for raw readings")
	interval := flag.Duration("interval", 100*time.Millisecond, "Sampling interval")
	factor := flag.Float64("factor", -7050, "Simulated counts per gram (matches the server's calibration factor)")
	noise := flag.Int64("noise", 120, "Maximum per-sample raw jitter in counts")
	placeEvery := flag.Duration("place-every", 15*time.Second, "How often a new item lands on the platform")
	maxGrams := flag.Float64("max-grams", 500, "Heaviest simulated item in grams")

	flag.Parse()

	var publish func(rawPayload) error
	if *brokerURL != "" {
		client, err := connectMQTT(*brokerURL)
		if err != nil {
			log.Fatalf("failed to connect to broker: %v", err)
		}
		defer client.Disconnect(250)
		publish = func(p rawPayload) error { return publishMQTT(client, *topic, p) }
		log.Printf("publishing raw readings to %s (%s)", *brokerURL, *topic)
	} else {
		publish = func(p rawPayload) error { return postHTTP(*serverURL, p) }
		log.Printf("posting raw readings to %s/api/weight/raw", *serverURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := &simulator{factor: *factor, noise: *noise, maxGrams: *maxGrams}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	placer := time.NewTicker(*placeEvery)
	defer placer.Stop()

	var (
		lastRaw   int64
		stableAt  time.Time
		stable    bool
		submitted bool
	)

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, exiting")
			return
		case <-placer.C:
			sim.placeRandomItem()
		case <-ticker.C:
			raw := sim.sample()

			if math.Abs(float64(raw-lastRaw)) <= stabilityThreshold {
				if !stable {
					stable = true
					stableAt = time.Now()
				} else if time.Since(stableAt) >= stabilityDuration && !submitted {
					payload := rawPayload{
						RawValue:  raw,
						Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					}
					if err := publish(payload); err != nil {
						log.Printf("submit failed: %v", err)
					} else {
						log.Printf("submitted raw=%d (~%.2fg)", raw, sim.grams())
						submitted = true
					}
				}
			} else {
				stable = false
				submitted = false
			}

			lastRaw = raw
		}
	}
}

// simulator models the platform load as grams converted back into raw
// counts, plus sampling noise.
type simulator struct {
	factor   float64
	noise    int64
	maxGrams float64
	load     float64
}

func (s *simulator) placeRandomItem() {
	if s.load > 0 && rand.Intn(3) == 0 {
		log.Print("platform cleared")
		s.load = 0
		return
	}
	item := rand.Float64() * s.maxGrams
	s.load += item
	log.Printf("placed item %.2fg (total %.2fg)", item, s.load)
}

func (s *simulator) grams() float64 {
	return s.load
}

func (s *simulator) sample() int64 {
	raw := int64(s.load * s.factor)
	return raw + rand.Int63n(2*s.noise+1) - s.noise
}

func postHTTP(serverURL string, p rawPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(serverURL+"/api/weight/raw", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func connectMQTT(brokerURL string) (mqtt.Client, error) {
	clientID := fmt.Sprintf("scale-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID).SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

func publishMQTT(client mqtt.Client, topic string, p rawPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	token := client.Publish(topic, 0, false, data)
	token.Wait()
	return token.Error()
}
