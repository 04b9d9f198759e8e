package local

import (
	"strings"

	"github.com/rdedup/rdedup/internal/errors"
)

// Config holds all information needed to open a local repository.
type Config struct {
	Path string

	// Connections bounds the number of BackendInstances sema.NewBackend
	// will allow open concurrently against this backend.
	Connections uint
}

// NewConfig returns a new config with default options applied.
func NewConfig() Config {
	return Config{Connections: 2}
}

// ParseConfig parses a local backend config of the form "local:path".
func ParseConfig(s string) (*Config, error) {
	if !strings.HasPrefix(s, "local:") {
		return nil, errors.New(`invalid format, prefix "local:" not found`)
	}
	cfg := NewConfig()
	cfg.Path = s[len("local:"):]
	return &cfg, nil
}
