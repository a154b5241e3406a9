package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()
	assert.Equal(t, "phisualize_buffer", cfg.GetSegmentName())
	assert.Equal(t, 100, cfg.GetSegmentCapacity())
	assert.Equal(t, "/dev/shm", cfg.GetShmDir())
	assert.Equal(t, "/dev/ttyHS1", cfg.GetSerialPort())
	assert.Equal(t, 921600, cfg.GetBaudRate())
	assert.Equal(t, 10*time.Millisecond, cfg.GetReadTimeout())
	assert.Equal(t, 10, cfg.GetMaxConsecutiveErrors())
	assert.Equal(t, 50*time.Millisecond, cfg.GetRetryDelay())
	assert.False(t, cfg.GetReclaimSegment())
	assert.Equal(t, 10*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, 10, cfg.GetBatchSize())
	assert.Equal(t, "nano", cfg.GetSource())
	assert.Equal(t, StartFromStart, cfg.GetStartMode())
	assert.Equal(t, "", cfg.GetMQTTURL())
	assert.Zero(t, cfg.GetMQTTQoS())
	assert.Equal(t, 10, cfg.GetHabitatWindow())
	require.NoError(t, cfg.Validate())
}

// The checked-in defaults file must agree with the Get* fallbacks.
func TestDefaultsFileMatchesFallbacks(t *testing.T) {
	file := MustLoadDefaultConfig()
	empty := Empty()

	assert.Equal(t, empty.GetSegmentName(), file.GetSegmentName())
	assert.Equal(t, empty.GetSegmentCapacity(), file.GetSegmentCapacity())
	assert.Equal(t, empty.GetShmDir(), file.GetShmDir())
	assert.Equal(t, empty.GetSerialPort(), file.GetSerialPort())
	assert.Equal(t, empty.GetBaudRate(), file.GetBaudRate())
	assert.Equal(t, empty.GetReadTimeout(), file.GetReadTimeout())
	assert.Equal(t, empty.GetMaxConsecutiveErrors(), file.GetMaxConsecutiveErrors())
	assert.Equal(t, empty.GetRetryDelay(), file.GetRetryDelay())
	assert.Equal(t, empty.GetCaptureListen(), file.GetCaptureListen())
	assert.Equal(t, empty.GetPollInterval(), file.GetPollInterval())
	assert.Equal(t, empty.GetBatchSize(), file.GetBatchSize())
	assert.Equal(t, empty.GetSource(), file.GetSource())
	assert.Equal(t, empty.GetStartMode(), file.GetStartMode())
	assert.Equal(t, empty.GetDBPath(), file.GetDBPath())
	assert.Equal(t, empty.GetMQTTTopic(), file.GetMQTTTopic())
	assert.Equal(t, empty.GetMQTTQoS(), file.GetMQTTQoS())
	assert.Equal(t, empty.GetHabitatWindow(), file.GetHabitatWindow())
	assert.Equal(t, empty.GetStreamListen(), file.GetStreamListen())
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, "cfg.json", `{"segment_capacity": 256, "start_mode": "latest", "poll_interval": "5ms"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.GetSegmentCapacity())
	assert.Equal(t, StartLatest, cfg.GetStartMode())
	assert.Equal(t, 5*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, "phisualize_buffer", cfg.GetSegmentName())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"extension", "cfg.yaml", `{}`},
		{"syntax", "cfg.json", `{"batch_size":`},
		{"unknown field", "cfg.json", `{"bach_size": 3}`},
		{"capacity", "cfg.json", `{"segment_capacity": 0}`},
		{"batch", "cfg.json", `{"batch_size": -1}`},
		{"start mode", "cfg.json", `{"start_mode": "middle"}`},
		{"duration", "cfg.json", `{"poll_interval": "soon"}`},
		{"negative duration", "cfg.json", `{"retry_delay": "-1s"}`},
		{"segment name", "cfg.json", `{"segment_name": "a/b"}`},
		{"habitat", "cfg.json", `{"habitat_window": -2}`},
		{"mqtt qos", "cfg.json", `{"mqtt_qos": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestInvalidDurationFallsBackToDefault(t *testing.T) {
	bad := "soon"
	cfg := &Config{ReadTimeout: &bad}
	assert.Equal(t, 10*time.Millisecond, cfg.GetReadTimeout())
}
