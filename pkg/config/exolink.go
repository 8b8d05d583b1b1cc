package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"exolink/pkg/protocol"
	"exolink/pkg/transport"
)

const DefaultConfigPath = "exolink.toml"

type Config struct {
	Server      ServerConfig           `toml:"server" yaml:"server"`
	Serial      transport.SerialConfig `toml:"serial" yaml:"serial"`
	Negotiation NegotiationConfig      `toml:"negotiation" yaml:"negotiation"`
	Decode      protocol.Scales        `toml:"decode" yaml:"decode"`
	Sanity      SanityConfig           `toml:"validate" yaml:"validate"`
	Dispatch    DispatchConfig         `toml:"dispatch" yaml:"dispatch"`
	Record      RecordConfig           `toml:"record" yaml:"record"`
	Console     ConsoleConfig          `toml:"console" yaml:"console"`
	Foxglove    FoxgloveConfig         `toml:"foxglove" yaml:"foxglove"`
	MQTT        MQTTConfig             `toml:"mqtt" yaml:"mqtt"`
	Log         LogConfig              `toml:"log" yaml:"log"`
	configPath  string                 `toml:"-" yaml:"-"`
}

type ServerConfig struct {
	Addr         string `toml:"addr" yaml:"addr"`
	Reconnect    string `toml:"reconnect" yaml:"reconnect"`
	ReconnectMax string `toml:"reconnect_max" yaml:"reconnect_max"`
}

type NegotiationConfig struct {
	RetryDelay       string `toml:"retry_delay" yaml:"retry_delay"`
	MaxAttempts      int    `toml:"max_attempts" yaml:"max_attempts"`
	HandshakeTimeout string `toml:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	ButtonCount      int    `toml:"button_count" yaml:"button_count"`
}

type SanityConfig struct {
	ChannelAbs       float64 `toml:"channel_abs" yaml:"channel_abs"`
	QuatComponentAbs float64 `toml:"quat_component_abs" yaml:"quat_component_abs"`
	QuatMinNormSq    float64 `toml:"quat_min_norm_sq" yaml:"quat_min_norm_sq"`
	WarnEvery        int     `toml:"warn_every" yaml:"warn_every"`
}

type DispatchConfig struct {
	HubBuffer    int    `toml:"hub_buffer" yaml:"hub_buffer"`
	ClientBuffer int    `toml:"client_buffer" yaml:"client_buffer"`
	ReadTimeout  string `toml:"read_timeout" yaml:"read_timeout"`
	LogInterval  string `toml:"log_interval" yaml:"log_interval"`
}

type RecordConfig struct {
	Path    string `toml:"path,omitempty" yaml:"path,omitempty"`
	Packets bool   `toml:"packets" yaml:"packets"`
}

type ConsoleConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	Every   int  `toml:"every" yaml:"every"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	WSAddr      string `toml:"ws_addr" yaml:"ws_addr"`
	Topic       string `toml:"topic" yaml:"topic"`
	ParentFrame string `toml:"parent_frame" yaml:"parent_frame"`
	LogName     string `toml:"log_name" yaml:"log_name"`
}

type MQTTConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Broker      string `toml:"broker" yaml:"broker"`
	ClientID    string `toml:"client_id" yaml:"client_id"`
	TopicPrefix string `toml:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `toml:"qos" yaml:"qos"`
	PacketEvery int    `toml:"packet_every" yaml:"packet_every"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

func Default() Config {
	limits := protocol.DefaultLimits()
	return Config{
		Server: ServerConfig{
			Addr:         "0.0.0.0:5001",
			Reconnect:    "1s",
			ReconnectMax: "30s",
		},
		Serial: transport.SerialConfig{
			BaudRate: 115200,
		},
		Negotiation: NegotiationConfig{
			RetryDelay:  protocol.DefaultRetryDelay.String(),
			MaxAttempts: 0,
			ButtonCount: protocol.DefaultButtonCount,
		},
		Decode: protocol.DefaultScales(),
		Sanity: SanityConfig{
			ChannelAbs:       limits.ChannelAbs,
			QuatComponentAbs: limits.QuatComponentAbs,
			QuatMinNormSq:    limits.QuatMinNormSq,
			WarnEvery:        100,
		},
		Dispatch: DispatchConfig{
			HubBuffer:    256,
			ClientBuffer: 256,
			ReadTimeout:  "20ms",
			LogInterval:  "1s",
		},
		Record: RecordConfig{
			Packets: true,
		},
		Console: ConsoleConfig{
			Enabled: true,
			Every:   100,
		},
		Foxglove: FoxgloveConfig{
			WSAddr:      "127.0.0.1:8765",
			Topic:       "exolink/packet",
			ParentFrame: "world",
			LogName:     "exolink",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "exolink",
			TopicPrefix: "exolink",
			QoS:         0,
			PacketEvery: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path, filling unset values from Default. A missing file
// is not an error; the bool reports whether it existed. Files ending in .yaml
// or .yml are read as YAML, everything else as TOML.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, errors.Wrap(err, "read config")
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, true, errors.Wrap(err, "parse config")
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := cfg.Marshal(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create config directory")
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// Marshal renders the config in the format implied by path.
func (cfg *Config) Marshal(path string) ([]byte, error) {
	if isYAML(path) {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, errors.Wrap(err, "marshal config")
		}
		_ = enc.Close()
		return buf.Bytes(), nil
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return data, nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	durations := []struct {
		name  string
		value string
	}{
		{"server.reconnect", cfg.Server.Reconnect},
		{"server.reconnect_max", cfg.Server.ReconnectMax},
		{"negotiation.retry_delay", cfg.Negotiation.RetryDelay},
		{"negotiation.handshake_timeout", cfg.Negotiation.HandshakeTimeout},
		{"dispatch.read_timeout", cfg.Dispatch.ReadTimeout},
		{"dispatch.log_interval", cfg.Dispatch.LogInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return errors.Wrap(err, d.name)
		}
		if v < 0 {
			return errors.Errorf("%s must not be negative", d.name)
		}
	}

	if cfg.Negotiation.MaxAttempts < 0 {
		return errors.Errorf("negotiation.max_attempts must not be negative")
	}
	if cfg.Negotiation.ButtonCount < 0 || cfg.Negotiation.ButtonCount > 255 {
		return errors.Errorf("negotiation.button_count out of range: %d", cfg.Negotiation.ButtonCount)
	}
	if cfg.Decode.PMMG <= 0 || cfg.Decode.FSR <= 0 || cfg.Decode.IMU <= 0 || cfg.Decode.EMG <= 0 {
		return errors.Errorf("decode scales must be positive")
	}
	if cfg.Sanity.ChannelAbs <= 0 || cfg.Sanity.QuatComponentAbs <= 0 {
		return errors.Errorf("validate limits must be positive")
	}
	if cfg.Sanity.QuatMinNormSq < 0 {
		return errors.Errorf("validate.quat_min_norm_sq must not be negative")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return errors.Errorf("mqtt.qos out of range: %d", cfg.MQTT.QoS)
	}
	return nil
}

// Limits is the packet gate built from the validate section.
func (cfg *Config) Limits() protocol.Limits {
	return protocol.Limits{
		ChannelAbs:       cfg.Sanity.ChannelAbs,
		QuatComponentAbs: cfg.Sanity.QuatComponentAbs,
		QuatMinNormSq:    cfg.Sanity.QuatMinNormSq,
	}
}

// NegotiateOptions converts the negotiation and decode sections.
func (cfg *Config) NegotiateOptions() protocol.NegotiateOptions {
	return protocol.NegotiateOptions{
		RetryDelay:       duration(cfg.Negotiation.RetryDelay, protocol.DefaultRetryDelay),
		MaxAttempts:      cfg.Negotiation.MaxAttempts,
		HandshakeTimeout: duration(cfg.Negotiation.HandshakeTimeout, 0),
		ButtonCount:      cfg.Negotiation.ButtonCount,
		Scales:           cfg.Decode,
	}
}

func (cfg *Config) ReadTimeout() time.Duration {
	return duration(cfg.Dispatch.ReadTimeout, 20*time.Millisecond)
}

func (cfg *Config) LogInterval() time.Duration {
	return duration(cfg.Dispatch.LogInterval, time.Second)
}

func (cfg *Config) Backoff() transport.Backoff {
	def := transport.DefaultBackoff()
	return transport.Backoff{
		Initial: duration(cfg.Server.Reconnect, def.Initial),
		Max:     duration(cfg.Server.ReconnectMax, def.Max),
	}
}

func (cfg *Config) normalize(path string) {
	def := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.Reconnect == "" {
		cfg.Server.Reconnect = def.Server.Reconnect
	}
	if cfg.Server.ReconnectMax == "" {
		cfg.Server.ReconnectMax = def.Server.ReconnectMax
	}
	if cfg.Serial.BaudRate <= 0 {
		cfg.Serial.BaudRate = def.Serial.BaudRate
	}
	if cfg.Negotiation.RetryDelay == "" {
		cfg.Negotiation.RetryDelay = def.Negotiation.RetryDelay
	}
	if cfg.Sanity.WarnEvery <= 0 {
		cfg.Sanity.WarnEvery = def.Sanity.WarnEvery
	}
	if cfg.Dispatch.HubBuffer <= 0 {
		cfg.Dispatch.HubBuffer = def.Dispatch.HubBuffer
	}
	if cfg.Dispatch.ClientBuffer <= 0 {
		cfg.Dispatch.ClientBuffer = def.Dispatch.ClientBuffer
	}
	if cfg.Dispatch.ReadTimeout == "" {
		cfg.Dispatch.ReadTimeout = def.Dispatch.ReadTimeout
	}
	if cfg.Dispatch.LogInterval == "" {
		cfg.Dispatch.LogInterval = def.Dispatch.LogInterval
	}
	if cfg.Console.Every <= 0 {
		cfg.Console.Every = def.Console.Every
	}
	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.Topic == "" {
		cfg.Foxglove.Topic = def.Foxglove.Topic
	}
	if cfg.Foxglove.ParentFrame == "" {
		cfg.Foxglove.ParentFrame = def.Foxglove.ParentFrame
	}
	if cfg.Foxglove.LogName == "" {
		cfg.Foxglove.LogName = def.Foxglove.LogName
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = def.MQTT.Broker
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = def.MQTT.ClientID
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	cfg.MQTT.TopicPrefix = strings.TrimRight(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.PacketEvery <= 0 {
		cfg.MQTT.PacketEvery = def.MQTT.PacketEvery
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}

// RecordPath resolves record.path relative to the config file.
func (cfg *Config) RecordPath() string {
	if cfg.Record.Path == "" || filepath.IsAbs(cfg.Record.Path) {
		return cfg.Record.Path
	}
	return filepath.Join(filepath.Dir(cfg.configPath), cfg.Record.Path)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// duration parses an already validated value, falling back to def.
func duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
