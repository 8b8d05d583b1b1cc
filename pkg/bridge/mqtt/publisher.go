package mqtt

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exolink/pkg/engine"
	"exolink/pkg/protocol"
)

const (
	TopicConfig  = "config"
	TopicPacket  = "packet"
	TopicState   = "state"
	TopicWarning = "warning"
	TopicError   = "error"

	defaultPublishTimeout = 2 * time.Second
)

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	// PacketEvery publishes one packet out of every N. 1 publishes all.
	PacketEvery    int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Client is the part of paho.Client the publisher uses.
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher mirrors the session stream onto MQTT topics under TopicPrefix.
// Config and state are retained so late subscribers see the current link.
type Publisher struct {
	client Client
	cfg    Config
	log    *logrus.Entry

	mu   sync.Mutex
	seen int
}

// Dial connects to the broker and returns a publisher that owns the client.
func Dial(cfg Config, log *logrus.Entry) (*Publisher, error) {
	cfg = withDefaults(cfg)
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWill(topic(cfg.TopicPrefix, TopicState), engine.StateDisconnected.String(), cfg.QoS, true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, errors.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connect %s", cfg.Broker)
	}
	return NewPublisher(client, cfg, log), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(client Client, cfg Config, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{
		client: client,
		cfg:    withDefaults(cfg),
		log:    log.WithField("component", "mqtt"),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.ClientID == "" {
		cfg.ClientID = "exolink"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "exolink"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	if cfg.PacketEvery <= 0 {
		cfg.PacketEvery = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return cfg
}

func topic(prefix string, name string) string {
	return prefix + "/" + name
}

func (p *Publisher) OnConfigReady(cfg protocol.SensorConfig) {
	p.mu.Lock()
	p.seen = 0
	p.mu.Unlock()
	p.publishJSON(TopicConfig, true, cfg)
}

func (p *Publisher) OnPacket(pkt protocol.SensorPacket) {
	p.mu.Lock()
	p.seen++
	skip := (p.seen-1)%p.cfg.PacketEvery != 0
	p.mu.Unlock()
	if skip {
		return
	}
	p.publishJSON(TopicPacket, false, pkt)
}

func (p *Publisher) OnConnectionError(err error) {
	if err == nil {
		return
	}
	p.publish(TopicError, false, err.Error())
}

func (p *Publisher) OnWarning(msg string) {
	p.publish(TopicWarning, false, msg)
}

func (p *Publisher) OnState(state engine.State) {
	p.publish(TopicState, true, state.String())
}

// Close marks the link disconnected and releases the client.
func (p *Publisher) Close() {
	p.publish(TopicState, true, engine.StateDisconnected.String())
	p.client.Disconnect(250)
}

func (p *Publisher) publishJSON(name string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.WithError(err).WithField("topic", name).Warn("json marshal failed")
		return
	}
	p.publish(name, retained, payload)
}

func (p *Publisher) publish(name string, retained bool, payload any) {
	t := topic(p.cfg.TopicPrefix, name)
	token := p.client.Publish(t, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		p.log.WithField("topic", t).Warn("mqtt publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		p.log.WithError(err).WithField("topic", t).Warn("mqtt publish failed")
	}
}
