package server

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/encryption"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/network"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
)

// Config holds the settings of a Server.
type Config struct {
	// Port and Path are where the websocket endpoint is served.
	Port int
	Path string

	// CommandVersion is the command protocol version sent with every command.
	CommandVersion int

	// RequestTimeout bounds how long a command waits for its response.
	RequestTimeout time.Duration

	// PollInterval is the pause between two player list queries.
	PollInterval time.Duration

	Debug bool

	// Encryption makes every world negotiate an encrypted channel before it
	// becomes active.
	Encryption     bool
	EncryptionMode encryption.Mode
}

func DefaultConfig() Config {
	return Config{
		Port:           8000,
		Path:           "/",
		CommandVersion: 1,
		RequestTimeout: network.DefaultRequestTimeout,
		PollInterval:   time.Second,
		EncryptionMode: encryption.ModeCFB8,
	}
}

// Addr returns the listen address for Port.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.Encryption {
		if _, err := encryption.ParseMode(string(c.EncryptionMode)); err != nil {
			return err
		}
	}
	return nil
}

type Option func(*Server)

func WithLogger(logger sblog.Logger) Option {
	return func(s *Server) { s.logger = sblog.OrNop(logger) }
}

// WithRegistry replaces the default packet registry.
func WithRegistry(registry *protocol.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithNetworkOptions passes extra options to the underlying network.
func WithNetworkOptions(opts ...network.Option) Option {
	return func(s *Server) { s.networkOpts = append(s.networkOpts, opts...) }
}
