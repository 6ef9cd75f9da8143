// Package config loads the bridge configuration from the environment and the
// optional server manifest file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the environment-driven configuration. BASE_URL and API_KEY are
// credentials for the upstream the tool server talks to; the bridge only
// passes them through to the subprocess environment and must never log the
// key.
type Config struct {
	BaseURL          string        `env:"BASE_URL,required,notEmpty"`
	APIKey           string        `env:"API_KEY,required,notEmpty,unset"`
	Port             int           `env:"PORT" envDefault:"8000"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	CallTimeout      time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	switch cfg.LogLevel {
	case "info", "debug", "silent":
	default:
		return Config{}, fmt.Errorf("unsupported LOG_LEVEL %q, expected one of info, debug, silent", cfg.LogLevel)
	}
	return cfg, nil
}

// ServerSpec describes the tool server subprocess: the executable, its
// arguments, and any extra environment entries it needs.
type ServerSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// LoadServerSpec reads a YAML server manifest.
func LoadServerSpec(path string) (ServerSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ServerSpec{}, fmt.Errorf("reading server manifest: %w", err)
	}
	var spec ServerSpec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return ServerSpec{}, fmt.Errorf("parsing server manifest: %w", err)
	}
	if spec.Command == "" {
		return ServerSpec{}, fmt.Errorf("server manifest %s has no command", path)
	}
	return spec, nil
}

// Environ builds the subprocess environment: the parent environment, the
// manifest's extra entries, and the required upstream credentials.
func (s ServerSpec) Environ(cfg Config) []string {
	environ := os.Environ()
	for k, v := range s.Env {
		environ = append(environ, k+"="+v)
	}
	environ = append(environ,
		"BASE_URL="+cfg.BaseURL,
		"API_KEY="+cfg.APIKey,
	)
	return environ
}
