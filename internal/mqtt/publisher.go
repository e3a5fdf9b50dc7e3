package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/wesense/meshtastic-ingest/internal/config"
)

// Publisher is the downstream republish client. QoS 0 throughout: readings
// recur every few minutes, so a lost publish costs one sample, not data.
type Publisher struct {
	client paho.Client
	log    *slog.Logger
}

func NewPublisher(cfg config.MQTTOutput, clientID string, log *slog.Logger) *Publisher {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectCap)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.Port == 8883 {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("publisher connection lost", "error", err)
	})
	return &Publisher{client: paho.NewClient(opts), log: log.With("component", "publisher")}
}

// Connect blocks until the first connection succeeds or times out. A failed
// connect is not fatal to the pipeline; paho keeps retrying behind the scenes
// and publishes fail individually until it recovers.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectWait) {
		return fmt.Errorf("publisher connect timed out")
	}
	return token.Error()
}

// Publish sends one payload at QoS 0.
func (p *Publisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timed out")
	}
	return token.Error()
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
