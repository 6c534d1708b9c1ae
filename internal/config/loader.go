package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// minMonitorPeriod guards against cadences that would hammer the backend.
const minMonitorPeriod = 5 * time.Second

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills derivable values: the cloud speech capabilities live on
// the same service as the backend unless pointed elsewhere.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":9090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	fillCloud(&cfg.SpeechIn.Cloud, cfg.Backend)
	fillCloud(&cfg.SpeechOut.Cloud, cfg.Backend)
}

func fillCloud(c *CloudServiceConfig, be BackendConfig) {
	if c.BaseURL == "" {
		c.BaseURL = be.BaseURL
	}
	if c.APIKey == "" {
		c.APIKey = be.APIKey
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if cfg.Drive.UserID == "" {
		errs = append(errs, errors.New("drive.user_id is required"))
	}
	if p := cfg.Monitor.Period.AsDuration(); p != 0 && p < minMonitorPeriod {
		errs = append(errs, fmt.Errorf("monitor.period %s is below the minimum %s", p, minMonitorPeriod))
	}
	if cfg.SpeechIn.Whisper.ModelPath == "" {
		errs = append(errs, errors.New("speech_in.whisper.model_path is required; the local recogniser must be available for cloud downgrades"))
	}
	if cfg.SpeechOut.Piper.BaseURL == "" {
		errs = append(errs, errors.New("speech_out.piper.base_url is required; the local synthesiser must be available for cloud downgrades"))
	}

	return errors.Join(errs...)
}
