package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 8080
	DefaultLogLevel              = "info"
	DefaultRegion                = "us-east-1"
	DefaultModelID               = "amazon.nova-sonic-v1:0"
	DefaultInputSampleRateHertz  = 16000
	DefaultOutputSampleRateHertz = 24000
	DefaultVoiceID               = "matthew"
)

// validLogLevels lists the accepted log_level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// validTransports lists the accepted MCP transports.
var validTransports = []string{"stdio", "streamable-http"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied. A missing file
// is not an error when path is empty: the defaults alone are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

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

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields and applies the HOST, PORT, and
// AWS_DEFAULT_REGION environment overrides. Environment values win over the
// file so containerised deployments can retarget without editing config.
func ApplyDefaults(cfg *Config) {
	if host := os.Getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		cfg.AWS.Region = region
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = DefaultRegion
	}
	if cfg.AWS.ModelID == "" {
		cfg.AWS.ModelID = DefaultModelID
	}
	if cfg.Audio.InputSampleRateHertz == 0 {
		cfg.Audio.InputSampleRateHertz = DefaultInputSampleRateHertz
	}
	if cfg.Audio.OutputSampleRateHertz == 0 {
		cfg.Audio.OutputSampleRateHertz = DefaultOutputSampleRateHertz
	}
	if cfg.Audio.VoiceID == "" {
		cfg.Audio.VoiceID = DefaultVoiceID
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.AWS.Region == "" {
		errs = append(errs, fmt.Errorf("aws.region is required"))
	}
	if cfg.AWS.ModelID == "" {
		errs = append(errs, fmt.Errorf("aws.model_id is required"))
	}
	if cfg.Audio.InputSampleRateHertz <= 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate_hertz must be positive"))
	}
	if cfg.Audio.OutputSampleRateHertz <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate_hertz must be positive"))
	}

	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if !slices.Contains(validTransports, srv.Transport) {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == "stdio" && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == "streamable-http" && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
