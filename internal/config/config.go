// Package config loads the receiver configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/heimdallclient/internal/control"
)

// Default appliance ports.
const (
	DefaultControlPort = 5001
	DefaultDataPort    = 5000
)

// Config represents the heimdall client configuration.
type Config struct {
	Appliance struct {
		Host        string        `yaml:"host"`
		ControlPort int           `yaml:"control_port"`
		DataPort    int           `yaml:"data_port"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
		// Discover looks the host up over mDNS when Host is empty.
		Discover bool   `yaml:"discover"`
		Service  string `yaml:"service"`
	} `yaml:"appliance"`

	Radio struct {
		FrequencyMHz     string  `yaml:"frequency_mhz"`
		Gains            []int   `yaml:"gains"`
		SquelchThreshold float32 `yaml:"squelch_threshold"`
		AGC              bool    `yaml:"agc"`
	} `yaml:"radio"`

	Stream struct {
		ReadTimeout        time.Duration `yaml:"read_timeout"`
		ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
		RecvBufferBytes    int           `yaml:"recv_buffer_bytes"`
		MaxPayloadBytes    int64         `yaml:"max_payload_bytes"`
		IntegrityChannel   int           `yaml:"integrity_channel"`
		IntegrityThreshold float32       `yaml:"integrity_threshold"`
	} `yaml:"stream"`

	Display struct {
		Channel int `yaml:"channel"`
	} `yaml:"display"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Web struct {
		Addr         string `yaml:"addr"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"web"`

	MQTT struct {
		Enabled     bool          `yaml:"enabled"`
		Broker      string        `yaml:"broker"`
		Username    string        `yaml:"username"`
		Password    string        `yaml:"password"`
		TopicPrefix string        `yaml:"topic_prefix"`
		QoS         int           `yaml:"qos"`
		Interval    time.Duration `yaml:"interval"`
	} `yaml:"mqtt"`

	SSH struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		KeyPath  string `yaml:"key_path"`
	} `yaml:"ssh"`

	Recorder struct {
		// DumpPath is overwritten with the latest frame; ".zst" compresses.
		DumpPath string        `yaml:"dump_path"`
		Interval time.Duration `yaml:"interval"`
		// LoadPath seeds the spectra from a dump before streaming starts.
		LoadPath     string `yaml:"load_path"`
		LoadChannels int    `yaml:"load_channels"`
	} `yaml:"recorder"`

	Simulator struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"simulator"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads path and fills unset fields with defaults. A missing file is an
// error; callers wanting defaults only should use Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, so keys absent from data keep their
// default value and explicit zeroes are honoured.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return c, nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyDefaults() {
	if c.Appliance.ControlPort == 0 {
		c.Appliance.ControlPort = DefaultControlPort
	}
	if c.Appliance.DataPort == 0 {
		c.Appliance.DataPort = DefaultDataPort
	}
	if c.Appliance.DialTimeout == 0 {
		c.Appliance.DialTimeout = 5 * time.Second
	}
	if c.Appliance.Service == "" {
		c.Appliance.Service = "_heimdall._tcp"
	}
	if c.Radio.FrequencyMHz == "" {
		c.Radio.FrequencyMHz = "416.588"
	}
	if len(c.Radio.Gains) == 0 {
		c.Radio.Gains = make([]int, control.GainChannels)
		for i := range c.Radio.Gains {
			c.Radio.Gains[i] = 496
		}
	}
	if c.Stream.ReadTimeout == 0 {
		c.Stream.ReadTimeout = 15 * time.Second
	}
	if c.Stream.ReconnectDelay == 0 {
		c.Stream.ReconnectDelay = 100 * time.Millisecond
	}
	if c.Stream.RecvBufferBytes == 0 {
		c.Stream.RecvBufferBytes = 15 << 20
	}
	if c.Stream.MaxPayloadBytes == 0 {
		c.Stream.MaxPayloadBytes = 256 << 20
	}
	if c.Stream.IntegrityChannel == 0 {
		c.Stream.IntegrityChannel = 4
	}
	if c.Stream.IntegrityThreshold == 0 {
		c.Stream.IntegrityThreshold = 0.01
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.Web.HistoryLimit == 0 {
		c.Web.HistoryLimit = 500
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "heimdall"
	}
	if c.MQTT.Interval == 0 {
		c.MQTT.Interval = time.Second
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.Recorder.Interval == 0 {
		c.Recorder.Interval = time.Second
	}
	if c.Recorder.LoadChannels == 0 {
		c.Recorder.LoadChannels = control.GainChannels
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Appliance.Host == "" && !c.Appliance.Discover && !c.Simulator.Enabled {
		errs = append(errs, errors.New("appliance host is required unless discovery or the simulator is enabled"))
	}
	if !validPort(c.Appliance.ControlPort) {
		errs = append(errs, fmt.Errorf("control port %d out of range", c.Appliance.ControlPort))
	}
	if !validPort(c.Appliance.DataPort) {
		errs = append(errs, fmt.Errorf("data port %d out of range", c.Appliance.DataPort))
	}
	if _, err := control.ParseFrequencyMHz(c.Radio.FrequencyMHz); err != nil {
		errs = append(errs, err)
	}
	if len(c.Radio.Gains) > control.GainChannels {
		errs = append(errs, fmt.Errorf("%d gains given, at most %d channels", len(c.Radio.Gains), control.GainChannels))
	}
	if c.Stream.ReadTimeout < 0 || c.Stream.ReconnectDelay < 0 {
		errs = append(errs, errors.New("stream timeouts must not be negative"))
	}
	if c.Stream.MaxPayloadBytes < 0 {
		errs = append(errs, errors.New("max payload must not be negative"))
	}
	if c.Display.Channel < 0 {
		errs = append(errs, fmt.Errorf("display channel %d is negative", c.Display.Channel))
	}
	if c.Recorder.LoadChannels < 0 {
		errs = append(errs, fmt.Errorf("load channels %d is negative", c.Recorder.LoadChannels))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if c.SSH.Enabled && c.SSH.Host == "" {
		errs = append(errs, errors.New("ssh host is required when ssh is enabled"))
	}
	return errors.Join(errs...)
}

// ControlAddress is host:port of the command socket.
func (c *Config) ControlAddress() string {
	return net.JoinHostPort(c.Appliance.Host, strconv.Itoa(c.Appliance.ControlPort))
}

// DataAddress is host:port of the streaming socket.
func (c *Config) DataAddress() string {
	return net.JoinHostPort(c.Appliance.Host, strconv.Itoa(c.Appliance.DataPort))
}

func validPort(p int) bool { return p > 0 && p < 65536 }
