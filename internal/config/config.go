package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical deployment defaults file.
const DefaultConfigPath = "config/phisualize.defaults.json"

// Start modes for the stream consumer.
const (
	StartFromStart = "from_start"
	StartLatest    = "latest"
)

// Config is the deployment configuration shared by the capture daemon and the
// stream consumer. Every field is optional; the Get* methods supply the
// defaults for anything the file leaves out.
type Config struct {
	// Ring buffer
	SegmentName     *string `json:"segment_name,omitempty"`
	SegmentCapacity *int    `json:"segment_capacity,omitempty"`
	ShmDir          *string `json:"shm_dir,omitempty"`

	// Capture daemon
	SerialPort           *string `json:"serial_port,omitempty"`
	BaudRate             *int    `json:"baud_rate,omitempty"`
	ReadTimeout          *string `json:"read_timeout,omitempty"` // duration string like "10ms"
	MaxConsecutiveErrors *int    `json:"max_consecutive_errors,omitempty"`
	RetryDelay           *string `json:"retry_delay,omitempty"`
	ReclaimSegment       *bool   `json:"reclaim_segment,omitempty"`
	CaptureListen        *string `json:"capture_listen,omitempty"`

	// Stream consumer
	PollInterval  *string `json:"poll_interval,omitempty"`
	BatchSize     *int    `json:"batch_size,omitempty"`
	Source        *string `json:"source,omitempty"`
	StartMode     *string `json:"start_mode,omitempty"`
	DBPath        *string `json:"db_path,omitempty"`
	MQTTURL       *string `json:"mqtt_url,omitempty"`
	MQTTTopic     *string `json:"mqtt_topic,omitempty"`
	MQTTQoS       *int    `json:"mqtt_qos,omitempty"`
	HabitatWindow *int    `json:"habitat_window,omitempty"` // 0 disables feature extraction
	StreamListen  *string `json:"stream_listen,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// current directory. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.SegmentName != nil {
		name := strings.TrimPrefix(*c.SegmentName, "/")
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("segment_name must be a single path component, got %q", *c.SegmentName)
		}
	}
	if c.SegmentCapacity != nil && *c.SegmentCapacity < 1 {
		return fmt.Errorf("segment_capacity must be at least 1, got %d", *c.SegmentCapacity)
	}
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", *c.BatchSize)
	}
	if c.MaxConsecutiveErrors != nil && *c.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("max_consecutive_errors must be non-negative, got %d", *c.MaxConsecutiveErrors)
	}
	if c.HabitatWindow != nil && *c.HabitatWindow < 0 {
		return fmt.Errorf("habitat_window must be non-negative, got %d", *c.HabitatWindow)
	}
	if c.MQTTQoS != nil && (*c.MQTTQoS < 0 || *c.MQTTQoS > 2) {
		return fmt.Errorf("mqtt_qos must be 0, 1 or 2, got %d", *c.MQTTQoS)
	}
	if c.StartMode != nil && *c.StartMode != StartFromStart && *c.StartMode != StartLatest {
		return fmt.Errorf("start_mode must be %q or %q, got %q", StartFromStart, StartLatest, *c.StartMode)
	}

	for name, v := range map[string]*string{
		"read_timeout":  c.ReadTimeout,
		"retry_delay":   c.RetryDelay,
		"poll_interval": c.PollInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func str(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func integer(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSegmentName returns the shared memory segment name.
func (c *Config) GetSegmentName() string { return str(c.SegmentName, "phisualize_buffer") }

// GetSegmentCapacity returns the number of frame slots in the segment.
func (c *Config) GetSegmentCapacity() int { return integer(c.SegmentCapacity, 100) }

// GetShmDir returns the directory shared memory objects live in.
func (c *Config) GetShmDir() string { return str(c.ShmDir, "/dev/shm") }

// GetSerialPort returns the sensor bridge UART device.
func (c *Config) GetSerialPort() string { return str(c.SerialPort, "/dev/ttyHS1") }

// GetBaudRate returns the serial baud rate.
func (c *Config) GetBaudRate() int { return integer(c.BaudRate, 921600) }

// GetReadTimeout returns the bound on a single serial read.
func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.ReadTimeout, 10*time.Millisecond)
}

// GetMaxConsecutiveErrors returns how many transient serial errors in a row
// are retried before the link counts as lost.
func (c *Config) GetMaxConsecutiveErrors() int { return integer(c.MaxConsecutiveErrors, 10) }

// GetRetryDelay returns the pause after a transient serial error.
func (c *Config) GetRetryDelay() time.Duration {
	return duration(c.RetryDelay, 50*time.Millisecond)
}

// GetReclaimSegment reports whether the capture daemon may unlink a stale
// segment of the same name before creating its own.
func (c *Config) GetReclaimSegment() bool {
	if c.ReclaimSegment == nil {
		return false
	}
	return *c.ReclaimSegment
}

// GetCaptureListen returns the capture daemon's admin listen address.
func (c *Config) GetCaptureListen() string { return str(c.CaptureListen, "localhost:8090") }

// GetPollInterval returns the stream consumer's sleep between empty polls.
func (c *Config) GetPollInterval() time.Duration {
	return duration(c.PollInterval, 10*time.Millisecond)
}

// GetBatchSize returns how many records are buffered before a sink write.
func (c *Config) GetBatchSize() int { return integer(c.BatchSize, 10) }

// GetSource returns the source tag written on every record.
func (c *Config) GetSource() string { return str(c.Source, "nano") }

// GetStartMode returns StartFromStart or StartLatest.
func (c *Config) GetStartMode() string { return str(c.StartMode, StartFromStart) }

// GetDBPath returns the sqlite sample store path.
func (c *Config) GetDBPath() string { return str(c.DBPath, "phisualize.db") }

// GetMQTTURL returns the broker URL, or "" when the MQTT sink is disabled.
func (c *Config) GetMQTTURL() string { return str(c.MQTTURL, "") }

// GetMQTTTopic returns the topic records are published on.
func (c *Config) GetMQTTTopic() string { return str(c.MQTTTopic, "phisualize/samples") }

// GetMQTTQoS returns the publish QoS level.
func (c *Config) GetMQTTQoS() int { return integer(c.MQTTQoS, 0) }

// GetHabitatWindow returns the feature window length in records.
func (c *Config) GetHabitatWindow() int { return integer(c.HabitatWindow, 10) }

// GetStreamListen returns the stream consumer's admin listen address.
func (c *Config) GetStreamListen() string { return str(c.StreamListen, "localhost:8091") }
