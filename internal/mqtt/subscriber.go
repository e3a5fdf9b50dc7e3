// Package mqtt holds the broker-facing edges of the pipeline: the regional
// subscriber fleet feeding raw envelopes in, and the publisher pushing
// enriched readings back out.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/wesense/meshtastic-ingest/internal/config"
	"github.com/wesense/meshtastic-ingest/internal/metrics"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 60 * time.Second
	connectWait   = 30 * time.Second
)

// RawMessage is one undecoded envelope with its origin region. Republish
// carries the region's publish_to_wesense setting downstream.
type RawMessage struct {
	Region    string
	Topic     string
	Payload   []byte
	Republish bool
}

// Fleet runs one subscriber per enabled region, all feeding a shared channel.
type Fleet struct {
	regions []config.Region
	out     chan<- RawMessage
	log     *slog.Logger
	counts  map[string]*atomic.Uint64

	mu      sync.Mutex
	clients []paho.Client

	// stopMu fences message delivery against Stop: once stopped is set, no
	// handler may touch the output channel again, so the caller can close it.
	stopMu  sync.RWMutex
	stopped bool
}

func NewFleet(regions []config.Region, out chan<- RawMessage, log *slog.Logger) (*Fleet, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions to subscribe to")
	}
	if out == nil {
		return nil, fmt.Errorf("output channel is required")
	}
	counts := make(map[string]*atomic.Uint64, len(regions))
	for _, r := range regions {
		counts[r.Name] = &atomic.Uint64{}
	}
	return &Fleet{
		regions: regions,
		out:     out,
		log:     log.With("component", "subscriber-fleet"),
		counts:  counts,
	}, nil
}

// Counts returns the total messages received per region since start.
func (f *Fleet) Counts() map[string]uint64 {
	out := make(map[string]uint64, len(f.counts))
	for name, c := range f.counts {
		out[name] = c.Load()
	}
	return out
}

// Start connects every subscriber. Initial connection failures are retried
// with exponential backoff per region; once connected, paho's auto-reconnect
// takes over with the same cap.
func (f *Fleet) Start(ctx context.Context) error {
	for _, region := range f.regions {
		region := region
		go func() {
			if err := f.runSubscriber(ctx, region); err != nil && ctx.Err() == nil {
				f.log.Error("subscriber gave up", "region", region.Name, "error", err)
			}
		}()
	}
	return nil
}

// Stop halts delivery and disconnects all clients. Taking the write lock
// waits out handlers already inside deliver; after Stop returns, the output
// channel is safe to close.
func (f *Fleet) Stop() {
	f.stopMu.Lock()
	f.stopped = true
	f.stopMu.Unlock()

	f.mu.Lock()
	clients := f.clients
	f.clients = nil
	f.mu.Unlock()
	for _, c := range clients {
		c.Disconnect(250)
	}
}

func (f *Fleet) runSubscriber(ctx context.Context, region config.Region) error {
	log := f.log.With("region", region.Name)

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", region.Broker, region.Port)).
		SetClientID(fmt.Sprintf("wesense-ingest-%s-%d", region.Name, time.Now().UnixNano()%1e9)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectCap).
		SetOrderMatters(false)
	if region.Username != "" {
		opts.SetUsername(region.Username)
		opts.SetPassword(region.Password)
	}
	if region.Port == 8883 {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		metrics.MQTTReconnects.WithLabelValues(region.Name).Inc()
		log.Warn("connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		// Subscriptions do not survive a clean-session reconnect, so
		// re-subscribe on every connect.
		token := c.Subscribe(region.Topic, 0, func(_ paho.Client, msg paho.Message) {
			f.deliver(ctx, region, msg)
		})
		if token.Wait() && token.Error() != nil {
			log.Error("subscribe failed", "topic", region.Topic, "error", token.Error())
			return
		}
		log.Info("subscribed", "broker", region.Broker, "topic", region.Topic)
	})

	client := paho.NewClient(opts)
	f.mu.Lock()
	f.clients = append(f.clients, client)
	f.mu.Unlock()

	// First connect with our own backoff; paho only retries once connected.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectBase
	policy.MaxInterval = reconnectCap
	policy.MaxElapsedTime = 0

	connect := func() error {
		token := client.Connect()
		if !token.WaitTimeout(connectWait) {
			return fmt.Errorf("connect timed out")
		}
		return token.Error()
	}
	notify := func(err error, next time.Duration) {
		metrics.MQTTReconnects.WithLabelValues(region.Name).Inc()
		log.Warn("connect failed, retrying", "error", err, "next_attempt_in", next)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", region.Broker, err)
	}
	log.Info("connected", "broker", region.Broker)

	<-ctx.Done()
	return nil
}

func (f *Fleet) deliver(ctx context.Context, region config.Region, msg paho.Message) {
	f.stopMu.RLock()
	defer f.stopMu.RUnlock()
	if f.stopped {
		return
	}
	metrics.MQTTMessages.WithLabelValues(region.Name).Inc()
	if c, ok := f.counts[region.Name]; ok {
		c.Add(1)
	}
	raw := RawMessage{
		Region:    region.Name,
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Republish: region.PublishToWesense,
	}
	select {
	case f.out <- raw:
	case <-ctx.Done():
	}
}
