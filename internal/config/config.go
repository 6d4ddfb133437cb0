package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SensorSource selects where telemetry scans come from.
type SensorSource string

const (
	SensorStatic SensorSource = "static"
	SensorModem  SensorSource = "modem"
	SensorReplay SensorSource = "replay"

	DefaultSerialBaud          = 115200
	DefaultPrimaryIntervalMS   = 3000
	DefaultNeighborsIntervalMS = 5000
	DefaultHandshakeTimeoutMS  = 10000
	DefaultWriteTimeoutMS      = 5000
	DefaultOutboxSize          = 16
	DefaultJPEGQuality         = 70
	DefaultReleaseIntervalMS   = 1000
	DefaultCameraWidth         = 640
	DefaultCameraHeight        = 480
	DefaultCameraFPS           = 10
	DefaultSinkListen          = "127.0.0.1:8080"

	EnvServerAddress = "CELLSTREAM_SERVER_ADDRESS"
	EnvServerPort    = "CELLSTREAM_SERVER_PORT"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	LogToFile bool   `json:"log_to_file" yaml:"log_to_file"`
	Format    string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// ServerConfig is the endpoint every channel connects to. Both values may stay empty in the
// file and be supplied on the command line or through the environment.
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	Port    string `json:"port" yaml:"port" validate:"omitempty,numeric"`
}

// ChannelsConfig maps each logical channel to its route path.
type ChannelsConfig struct {
	Primary   string `json:"primary" yaml:"primary"`
	Neighbors string `json:"neighbors" yaml:"neighbors"`
	Image     string `json:"image" yaml:"image"`
	// Single routes all three payload kinds over one connection on /ws.
	Single bool `json:"single" yaml:"single"`
}

type StreamConfig struct {
	Aggregation        string `json:"aggregation" yaml:"aggregation" validate:"omitempty,oneof=last_event any_connected all_connected"`
	HandshakeTimeoutMS int    `json:"handshake_timeout_ms" yaml:"handshake_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS     int    `json:"write_timeout_ms" yaml:"write_timeout_ms" validate:"gte=0"`
	OutboxSize         int    `json:"outbox_size" yaml:"outbox_size" validate:"gte=0"`
}

type TelemetryConfig struct {
	PrimaryIntervalMS   int               `json:"primary_interval_ms" yaml:"primary_interval_ms" validate:"gte=0"`
	NeighborsIntervalMS int               `json:"neighbors_interval_ms" yaml:"neighbors_interval_ms" validate:"gte=0"`
	Carriers            map[string]string `json:"carriers,omitempty" yaml:"carriers,omitempty"`
}

type CameraConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Width             int    `json:"width" yaml:"width" validate:"gte=0"`
	Height            int    `json:"height" yaml:"height" validate:"gte=0"`
	FPS               int    `json:"fps" yaml:"fps" validate:"gte=0,lte=120"`
	Quality           int    `json:"quality" yaml:"quality" validate:"gte=0,lte=100"`
	ReleaseIntervalMS int    `json:"release_interval_ms" yaml:"release_interval_ms" validate:"gte=0"`
	ReleasePolicy     string `json:"release_policy" yaml:"release_policy" validate:"omitempty,oneof=timer completion"`
}

type SensorConfig struct {
	Source     SensorSource `json:"source" yaml:"source" validate:"omitempty,oneof=static modem replay"`
	SerialPort string       `json:"serial_port" yaml:"serial_port"`
	SerialBaud int          `json:"serial_baud" yaml:"serial_baud" validate:"gte=0"`
	ReplayDB   string       `json:"replay_db" yaml:"replay_db"`
}

// RecordingConfig enables the scan journal. An empty DB means the default path under the
// app data directory.
type RecordingConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DB      string `json:"db" yaml:"db"`
}

type SinkConfig struct {
	Listen string `json:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Stream    StreamConfig    `json:"stream" yaml:"stream"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Camera    CameraConfig    `json:"camera" yaml:"camera"`
	Sensor    SensorConfig    `json:"sensor" yaml:"sensor"`
	Recording RecordingConfig `json:"recording" yaml:"recording"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Sink      SinkConfig      `json:"sink" yaml:"sink"`
}

var validate = validator.New()

func Default() AppConfig {
	return AppConfig{
		Channels: ChannelsConfig{
			Primary:   "ws/primary",
			Neighbors: "ws/neighbors",
			Image:     "ws/image",
		},
		Stream: StreamConfig{
			Aggregation:        "last_event",
			HandshakeTimeoutMS: DefaultHandshakeTimeoutMS,
			WriteTimeoutMS:     DefaultWriteTimeoutMS,
			OutboxSize:         DefaultOutboxSize,
		},
		Telemetry: TelemetryConfig{
			PrimaryIntervalMS:   DefaultPrimaryIntervalMS,
			NeighborsIntervalMS: DefaultNeighborsIntervalMS,
		},
		Camera: CameraConfig{
			Enabled:           false,
			Width:             DefaultCameraWidth,
			Height:            DefaultCameraHeight,
			FPS:               DefaultCameraFPS,
			Quality:           DefaultJPEGQuality,
			ReleaseIntervalMS: DefaultReleaseIntervalMS,
			ReleasePolicy:     "timer",
		},
		Sensor: SensorConfig{
			Source:     SensorStatic,
			SerialBaud: DefaultSerialBaud,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
			Format:    "text",
		},
		Sink: SinkConfig{
			Listen: DefaultSinkListen,
		},
	}
}

// Load reads the file at path, decoding YAML for .yaml/.yml and JSON otherwise. A missing file
// yields the defaults. Environment overrides are applied last.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the command line or the app config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(cleanPath, raw, &cfg); err != nil {
		return AppConfig{}, err
	}

	cfg.FillMissingDefaults()
	applyEnvOverrides(&cfg)

	return cfg, nil
}

func decode(path string, raw []byte, cfg *AppConfig) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode config yaml: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("decode config json: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvServerAddress)); v != "" {
		cfg.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerPort)); v != "" {
		cfg.Server.Port = v
	}
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()

	if c.Channels.Primary == "" {
		c.Channels.Primary = def.Channels.Primary
	}
	if c.Channels.Neighbors == "" {
		c.Channels.Neighbors = def.Channels.Neighbors
	}
	if c.Channels.Image == "" {
		c.Channels.Image = def.Channels.Image
	}
	if c.Stream.Aggregation == "" {
		c.Stream.Aggregation = def.Stream.Aggregation
	}
	if c.Stream.HandshakeTimeoutMS <= 0 {
		c.Stream.HandshakeTimeoutMS = def.Stream.HandshakeTimeoutMS
	}
	if c.Stream.WriteTimeoutMS <= 0 {
		c.Stream.WriteTimeoutMS = def.Stream.WriteTimeoutMS
	}
	if c.Stream.OutboxSize <= 0 {
		c.Stream.OutboxSize = def.Stream.OutboxSize
	}
	if c.Telemetry.PrimaryIntervalMS <= 0 {
		c.Telemetry.PrimaryIntervalMS = def.Telemetry.PrimaryIntervalMS
	}
	if c.Telemetry.NeighborsIntervalMS <= 0 {
		c.Telemetry.NeighborsIntervalMS = def.Telemetry.NeighborsIntervalMS
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = def.Camera.Width
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = def.Camera.Height
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = def.Camera.FPS
	}
	if c.Camera.Quality <= 0 {
		c.Camera.Quality = def.Camera.Quality
	}
	if c.Camera.ReleaseIntervalMS <= 0 {
		c.Camera.ReleaseIntervalMS = def.Camera.ReleaseIntervalMS
	}
	c.Camera.ReleasePolicy = strings.ToLower(strings.TrimSpace(c.Camera.ReleasePolicy))
	if c.Camera.ReleasePolicy == "" {
		c.Camera.ReleasePolicy = def.Camera.ReleasePolicy
	}
	c.Sensor.Source = normalizeSensorSource(c.Sensor.Source)
	if c.Sensor.SerialBaud <= 0 {
		c.Sensor.SerialBaud = DefaultSerialBaud
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Sink.Listen == "" {
		c.Sink.Listen = def.Sink.Listen
	}
}

func normalizeSensorSource(src SensorSource) SensorSource {
	switch SensorSource(strings.ToLower(strings.TrimSpace(string(src)))) {
	case SensorModem:
		return SensorModem
	case SensorReplay:
		return SensorReplay
	default:
		return SensorStatic
	}
}

// Validate checks field constraints first and then the cross-field rules.
func (c AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid %s: failed %q rule", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !c.Channels.Single {
		seen := make(map[string]string, 3)
		for name, path := range map[string]string{
			"primary":   c.Channels.Primary,
			"neighbors": c.Channels.Neighbors,
			"image":     c.Channels.Image,
		} {
			key := strings.Trim(path, "/")
			if key == "" {
				return fmt.Errorf("%s channel path is required", name)
			}
			if other, dup := seen[key]; dup {
				return fmt.Errorf("channels %s and %s share path %q", other, name, path)
			}
			seen[key] = name
		}
	}

	if c.Server.Port != "" {
		port, err := strconv.Atoi(c.Server.Port)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("server port %q is out of range", c.Server.Port)
		}
	}

	switch c.Sensor.Source {
	case SensorModem:
		if strings.TrimSpace(c.Sensor.SerialPort) == "" {
			return errors.New("serial port is required for the modem sensor")
		}
	case SensorReplay:
		if strings.TrimSpace(c.Sensor.ReplayDB) == "" {
			return errors.New("replay db is required for the replay sensor")
		}
	}

	return nil
}

func (c StreamConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

func (c StreamConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c TelemetryConfig) PrimaryInterval() time.Duration {
	return time.Duration(c.PrimaryIntervalMS) * time.Millisecond
}

func (c TelemetryConfig) NeighborsInterval() time.Duration {
	return time.Duration(c.NeighborsIntervalMS) * time.Millisecond
}

func (c CameraConfig) ReleaseInterval() time.Duration {
	return time.Duration(c.ReleaseIntervalMS) * time.Millisecond
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
