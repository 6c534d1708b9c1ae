// Package config provides the configuration schema and loader for the
// calmroute in-drive engine.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns d as a time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration, typically loaded from a YAML file via
// [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Drive     DriveConfig     `yaml:"drive"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	SpeechIn  SpeechInConfig  `yaml:"speech_in"`
	SpeechOut SpeechOutConfig `yaml:"speech_out"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds the ops HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the ops server listens on (e.g. ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Empty means info.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig points at the calm-route backend.
type BackendConfig struct {
	// BaseURL is the backend's base URL (e.g. "https://api.calmroute.app").
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates every backend call.
	APIKey string `yaml:"api_key"`
}

// DriveConfig identifies the driver.
type DriveConfig struct {
	// UserID is the backend identity drives are recorded under.
	UserID string `yaml:"user_id"`
}

// MonitorConfig tunes the stress analysis loop.
type MonitorConfig struct {
	// Period is the analysis cadence (e.g. "30s"). Zero uses the engine
	// default.
	Period Duration `yaml:"period"`
}

// CloudServiceConfig configures one cloud speech capability. An empty
// BaseURL or APIKey inherits the backend's value.
type CloudServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SpeechInConfig configures transcription providers.
type SpeechInConfig struct {
	Cloud CloudServiceConfig `yaml:"cloud"`

	// Whisper is the local recogniser used after a cloud downgrade.
	Whisper WhisperConfig `yaml:"whisper"`
}

// WhisperConfig configures the local whisper.cpp recogniser.
type WhisperConfig struct {
	// ModelPath is the ggml model file (e.g. "models/ggml-base.en.bin").
	ModelPath string `yaml:"model_path"`

	// Language is the transcription language code. Empty means auto-detect.
	Language string `yaml:"language"`
}

// SpeechOutConfig configures synthesis providers.
type SpeechOutConfig struct {
	Cloud CloudServiceConfig `yaml:"cloud"`

	// Piper is the local synthesis server used after a cloud downgrade.
	Piper PiperConfig `yaml:"piper"`

	// Voice selects the synthesis voice; empty uses the provider default.
	Voice string `yaml:"voice"`
}

// PiperConfig points at a local Piper HTTP server.
type PiperConfig struct {
	// BaseURL is the Piper http_server address (e.g. "http://127.0.0.1:5000").
	BaseURL string `yaml:"base_url"`
}

// AudioConfig configures the capture and playback processes.
type AudioConfig struct {
	// CaptureCommand overrides the recorder executable. Empty means arecord.
	CaptureCommand string `yaml:"capture_command"`

	// PlayCommand overrides the playback executable. Empty means aplay.
	PlayCommand string `yaml:"play_command"`
}
