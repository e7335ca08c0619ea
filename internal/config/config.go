// Package config provides the configuration schema and loader for the
// sonicbridge server.
package config

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; every field has a sensible
// default so the server also runs with no config file at all.
type Config struct {
	Server ServerConfig `yaml:"server"`
	AWS    AWSConfig    `yaml:"aws"`
	Audio  AudioConfig  `yaml:"audio"`
	MCP    MCPConfig    `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the interface to bind (default "0.0.0.0"). Overridden by the
	// HOST environment variable.
	Host string `yaml:"host"`

	// Port is the TCP port to listen on (default 8080). Overridden by the
	// PORT environment variable.
	Port int `yaml:"port"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// AWSConfig selects the inference backend.
type AWSConfig struct {
	// Region is the AWS region hosting the model (default "us-east-1").
	// Overridden by the AWS_DEFAULT_REGION environment variable.
	Region string `yaml:"region"`

	// ModelID is the Bedrock model identifier for the speech-to-speech model.
	ModelID string `yaml:"model_id"`
}

// AudioConfig carries the audio format defaults announced at prompt start.
type AudioConfig struct {
	// InputSampleRateHertz is the client→model LPCM rate (default 16000).
	InputSampleRateHertz int `yaml:"input_sample_rate_hertz"`

	// OutputSampleRateHertz is the model→client LPCM rate (default 24000).
	OutputSampleRateHertz int `yaml:"output_sample_rate_hertz"`

	// VoiceID is the default synthesised voice (default "matthew"). Clients
	// may override it per connection via the voice_id query parameter.
	VoiceID string `yaml:"voice_id"`
}

// MCPConfig holds the list of Model Context Protocol tool servers whose
// tools are offered to the model in addition to the built-ins.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	// Valid values: "stdio", "streamable-http".
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored otherwise.
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}
