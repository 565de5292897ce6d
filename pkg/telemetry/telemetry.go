// Package telemetry publishes periodic status snapshots to an MQTT
// broker so fleet monitors can watch machines without polling each
// host's API. One retained-off, QoS 0 message per interval on
// <prefix>/<machine-id>/status; the payload is the same Status JSON
// the HTTP API serves.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/rio"
)

// StatusSource is the slice of the driver the publisher samples.
type StatusSource interface {
	Status() rio.Status
}

// Client is the subset of the MQTT client the publisher uses.
// paho.Client satisfies it; tests inject a fake.
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Config tunes the publisher.
type Config struct {
	// Broker URL, e.g. tcp://broker:1883.
	Broker string

	// Prefix is the first topic segment (default: "rio").
	Prefix string

	// Machine is a free-form name carried in every payload.
	Machine string

	// Interval between publications (default: 1s).
	Interval time.Duration

	// ConnectTimeout bounds the initial broker connection
	// (default: 5s).
	ConnectTimeout time.Duration
}

// snapshot is one published message.
type snapshot struct {
	Machine string     `json:"machine"`
	ID      string     `json:"id"`
	Time    time.Time  `json:"time"`
	Status  rio.Status `json:"status"`
}

// Publisher samples a StatusSource on its own ticker and pushes the
// snapshots to the broker.
type Publisher struct {
	cfg    Config
	source StatusSource
	log    *log.Logger

	client Client
	id     string
	topic  string

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// MachineID returns a stable identity for this host. When the platform
// store is unavailable the hostname stands in, so telemetry still works
// in containers.
func MachineID() string {
	id, err := machineid.ID()
	if err == nil {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// New creates a Publisher connected to nothing yet. A nil logger
// selects the package default.
func New(cfg Config, source StatusSource, logger *log.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: broker URL required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rio"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.GetLogger("telemetry")
	}

	id := MachineID()
	p := &Publisher{
		cfg:    cfg,
		source: source,
		log:    logger,
		id:     id,
		topic:  fmt.Sprintf("%s/%s/status", cfg.Prefix, id),
		stopCh: make(chan struct{}),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("rio-" + id).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)
	p.client = paho.NewClient(opts)

	return p, nil
}

// NewWithClient is New with an injected MQTT client. Used by tests.
func NewWithClient(cfg Config, source StatusSource, client Client, logger *log.Logger) (*Publisher, error) {
	p, err := New(cfg, source, logger)
	if err != nil {
		return nil, err
	}
	p.client = client
	return p, nil
}

// Topic returns the publication topic.
func (p *Publisher) Topic() string { return p.topic }

// Start connects to the broker and begins publishing. Auto-reconnect
// handles broker outages after the first connection succeeds.
func (p *Publisher) Start() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("telemetry: connect to %s timed out", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: connect to %s: %w", p.cfg.Broker, err)
	}
	p.log.Info("publishing to %s on %s every %s", p.topic, p.cfg.Broker, p.cfg.Interval)

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop halts publishing and disconnects. Idempotent.
func (p *Publisher) Stop() {
	p.stopped.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.client.Disconnect(250)
	})
}

func (p *Publisher) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

// publishOnce samples and publishes one snapshot. Failures are logged
// and the next interval retries; an offline broker never blocks the
// loop because QoS 0 publishes complete locally.
func (p *Publisher) publishOnce() {
	if !p.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(snapshot{
		Machine: p.cfg.Machine,
		ID:      p.id,
		Time:    time.Now().UTC(),
		Status:  p.source.Status(),
	})
	if err != nil {
		p.log.WithError(err).Error("snapshot marshal failed")
		return
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	if token.Error() != nil {
		p.log.WithError(token.Error()).Warn("status publish failed")
	}
}
