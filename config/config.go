// Package config loads config.yaml, applying defaults and TRAFFIC_* environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Detector   DetectorConfig   `yaml:"detector"`
	Processing ProcessingConfig `yaml:"processing"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Registry   RegistryConfig   `yaml:"registry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	HTTPPort          int      `yaml:"httpPort"`
	GRPCPort          int      `yaml:"grpcPort"`
	MetricsPort       int      `yaml:"metricsPort"`
	UploadDir         string   `yaml:"uploadDir"`
	OutputDir         string   `yaml:"outputDir"`
	MaxUploadMB       int64    `yaml:"maxUploadMB"`
	PushIntervalMs    int      `yaml:"pushIntervalMs"`
	DefaultConfidence *float32 `yaml:"defaultConfidence"` // unset means 0.3; 0 is a valid threshold
}

type DetectorConfig struct {
	Backend        string  `yaml:"backend"` // dnn, remote
	ModelPath      string  `yaml:"modelPath"`
	NamesFile      string  `yaml:"namesFile"`
	InputSize      int     `yaml:"inputSize"`
	NMSThreshold   float32 `yaml:"nmsThreshold"`
	UseGPU         bool    `yaml:"useGPU"`
	Endpoint       string  `yaml:"endpoint"`
	TimeoutSeconds int     `yaml:"timeoutSeconds"`
}

type ProcessingConfig struct {
	FrameDelayMs int `yaml:"frameDelayMs"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables publishing
	ClientID string `yaml:"clientID"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type RegistryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type LoggingConfig struct {
	Development bool `yaml:"development"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (after an optional .env next to the working directory),
// fills defaults, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Server
	if s.HTTPPort == 0 {
		s.HTTPPort = 5000
	}
	if s.GRPCPort == 0 {
		s.GRPCPort = 50051
	}
	if s.MetricsPort == 0 {
		s.MetricsPort = 9100
	}
	if s.UploadDir == "" {
		s.UploadDir = "uploads"
	}
	if s.OutputDir == "" {
		s.OutputDir = "outputs"
	}
	if s.MaxUploadMB == 0 {
		s.MaxUploadMB = 500
	}
	if s.PushIntervalMs == 0 {
		s.PushIntervalMs = 500
	}
	if s.DefaultConfidence == nil {
		v := float32(0.3)
		s.DefaultConfidence = &v
	}

	d := &c.Detector
	if d.Backend == "" {
		d.Backend = "dnn"
	}
	if d.ModelPath == "" && d.Backend == "dnn" {
		d.ModelPath = "models/yolov8n.onnx"
	}
	if d.InputSize == 0 {
		d.InputSize = 640
	}
	if d.NMSThreshold == 0 {
		d.NMSThreshold = 0.45
	}
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = 10
	}

	if c.History.Path == "" {
		c.History.Path = "history.db"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "traffic-det-server"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "traffic/sessions"
	}
}

// applyEnv overrides selected keys from TRAFFIC_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"TRAFFIC_HTTP_PORT":    &c.Server.HTTPPort,
		"TRAFFIC_GRPC_PORT":    &c.Server.GRPCPort,
		"TRAFFIC_METRICS_PORT": &c.Server.MetricsPort,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	strs := map[string]*string{
		"TRAFFIC_UPLOAD_DIR":        &c.Server.UploadDir,
		"TRAFFIC_OUTPUT_DIR":        &c.Server.OutputDir,
		"TRAFFIC_DETECTOR_BACKEND":  &c.Detector.Backend,
		"TRAFFIC_MODEL_PATH":        &c.Detector.ModelPath,
		"TRAFFIC_DETECTOR_ENDPOINT": &c.Detector.Endpoint,
		"TRAFFIC_HISTORY_PATH":      &c.History.Path,
		"TRAFFIC_MQTT_BROKER":       &c.MQTT.Broker,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("TRAFFIC_USE_GPU"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRAFFIC_USE_GPU: %w", err)
		}
		c.Detector.UseGPU = b
	}
	return nil
}

func Validate(c *Config) error {
	var errs []error
	for name, port := range map[string]int{
		"server.httpPort":    c.Server.HTTPPort,
		"server.grpcPort":    c.Server.GRPCPort,
		"server.metricsPort": c.Server.MetricsPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	if conf := c.Server.Confidence(); conf < 0 || conf > 1 {
		errs = append(errs, fmt.Errorf("server.defaultConfidence must be in [0,1], got %v", conf))
	}
	if c.Server.MaxUploadMB < 0 {
		errs = append(errs, errors.New("server.maxUploadMB must be positive"))
	}
	switch c.Detector.Backend {
	case "dnn":
		if c.Detector.ModelPath == "" {
			errs = append(errs, errors.New("detector.modelPath is required for the dnn backend"))
		}
	case "remote":
		if c.Detector.Endpoint == "" {
			errs = append(errs, errors.New("detector.endpoint is required for the remote backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detector.backend %q", c.Detector.Backend))
	}
	if c.Detector.NMSThreshold < 0 || c.Detector.NMSThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.nmsThreshold must be in [0,1], got %v", c.Detector.NMSThreshold))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Registry.Enabled && c.Registry.Host == "" {
		errs = append(errs, errors.New("registry.host is required when registry is enabled"))
	}
	return errors.Join(errs...)
}

// Confidence is the detection threshold used when an upload does not set one.
func (s ServerConfig) Confidence() float32 {
	if s.DefaultConfidence == nil {
		return 0.3
	}
	return *s.DefaultConfidence
}

func (s ServerConfig) MaxUploadBytes() int64 { return s.MaxUploadMB << 20 }

func (s ServerConfig) PushInterval() time.Duration {
	return time.Duration(s.PushIntervalMs) * time.Millisecond
}

func (d DetectorConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (p ProcessingConfig) FrameDelay() time.Duration {
	return time.Duration(p.FrameDelayMs) * time.Millisecond
}
