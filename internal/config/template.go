package config

import (
	"fmt"
	"os"

	"github.com/danmuck/edgeipc/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// defaultFile returns the endpoint file written by WriteTemplate.
func defaultFile(id string) fileConfig {
	opts := transport.DefaultOptions()
	return fileConfig{
		ID:                id,
		Timeout:           "5s",
		AdminAddr:         "",
		AdminCORS:         []string{},
		Appspace:          opts.Appspace,
		SocketRoot:        opts.SocketRoot,
		Network:           opts.Network,
		NetworkHost:       opts.Host,
		NetworkPort:       8000,
		MaxConnections:    opts.MaxConnections,
		Retry:             opts.Backoff.InitialDelay.String(),
		MaxRetries:        opts.MaxRetries,
		StopRetrying:      opts.StopRetrying,
		Unlink:            opts.Unlink,
		ConnectTimeout:    opts.ConnectTimeout.String(),
		WriteTimeout:      opts.WriteTimeout.String(),
		BackoffMultiplier: opts.Backoff.Multiplier,
		BackoffMax:        opts.Backoff.MaxDelay.String(),
		BackoffJitter:     opts.Backoff.Jitter,
	}
}

// Template renders the default endpoint file for id.
func Template(id string) (string, error) {
	data, err := toml.Marshal(defaultFile(id))
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return string(data), nil
}

func WriteTemplate(path, id string, overwrite bool) error {
	template, err := Template(id)
	if err != nil {
		return err
	}
	if !overwrite && fileExists(path) {
		return fmt.Errorf("config already exists: %s", path)
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
