package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.HTTPPort)
	assert.Equal(t, "uploads", cfg.Server.UploadDir)
	assert.Equal(t, "outputs", cfg.Server.OutputDir)
	assert.Equal(t, int64(500<<20), cfg.Server.MaxUploadBytes())
	assert.Equal(t, float32(0.3), cfg.Server.Confidence())
	assert.Equal(t, "dnn", cfg.Detector.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.PushInterval())
	assert.Equal(t, time.Duration(0), cfg.Processing.FrameDelay())
	assert.NoError(t, Validate(cfg))
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
server:
  httpPort: 8080
  defaultConfidence: 0.5
detector:
  backend: remote
  endpoint: http://yolo:8000
  timeoutSeconds: 3
processing:
  frameDelayMs: 10
mqtt:
  broker: tcp://localhost:1883
  qos: 1
`)
	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, float32(0.5), cfg.Server.Confidence())
	assert.Equal(t, "remote", cfg.Detector.Backend)
	assert.Empty(t, cfg.Detector.ModelPath)
	assert.Equal(t, 3*time.Second, cfg.Detector.Timeout())
	assert.Equal(t, 10*time.Millisecond, cfg.Processing.FrameDelay())
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.NoError(t, Validate(cfg))
}

func TestExplicitZeroConfidenceIsKept(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  defaultConfidence: 0\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Server.DefaultConfidence)
	assert.Equal(t, float32(0), cfg.Server.Confidence())
	assert.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Detector.Backend = "remote"
	assert.ErrorContains(t, Validate(cfg), "detector.endpoint")

	cfg = Default()
	cfg.Detector.Backend = "tensorrt"
	assert.ErrorContains(t, Validate(cfg), "unknown detector.backend")

	cfg = Default()
	tooHigh := float32(1.5)
	cfg.Server.DefaultConfidence = &tooHigh
	cfg.Server.HTTPPort = 70000
	err := Validate(cfg)
	assert.ErrorContains(t, err, "defaultConfidence")
	assert.ErrorContains(t, err, "server.httpPort")

	cfg = Default()
	cfg.Registry.Enabled = true
	assert.ErrorContains(t, Validate(cfg), "registry.host")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TRAFFIC_HTTP_PORT":   "9000",
		"TRAFFIC_MQTT_BROKER": "tcp://broker:1883",
		"TRAFFIC_USE_GPU":     "true",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.Detector.UseGPU)

	env["TRAFFIC_GRPC_PORT"] = "abc"
	assert.Error(t, Default().applyEnv(lookup))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  httpPort: 5050\n"), 0o644))
	t.Setenv("TRAFFIC_OUTPUT_DIR", "/tmp/out")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Server.HTTPPort)
	assert.Equal(t, "/tmp/out", cfg.Server.OutputDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
