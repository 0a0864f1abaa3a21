package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/tutinoko2048/SocketBE-sub000/pkg/encryption"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/server"
)

// options holds the settings that are not part of server.Config.
type options struct {
	logger   string
	quicAddr string
	quicCert string
	quicKey  string
}

// registerFlags binds cfg and opts to fs. Defaults are taken from cfg, then
// from SOCKETBE_* environment variables.
func registerFlags(fs *flag.FlagSet, cfg *server.Config, opts *options) {
	fs.IntVar(&cfg.Port, "port", envInt("SOCKETBE_PORT", cfg.Port), "websocket listen port")
	fs.StringVar(&cfg.Path, "path", envString("SOCKETBE_PATH", cfg.Path), "websocket endpoint path")
	fs.IntVar(&cfg.CommandVersion, "command_version", envInt("SOCKETBE_COMMAND_VERSION", cfg.CommandVersion), "command protocol version")
	fs.DurationVar(&cfg.RequestTimeout, "request_timeout", envDuration("SOCKETBE_REQUEST_TIMEOUT", cfg.RequestTimeout), "time a command waits for its response")
	fs.DurationVar(&cfg.PollInterval, "poll_interval", envDuration("SOCKETBE_POLL_INTERVAL", cfg.PollInterval), "player list polling interval")
	fs.BoolVar(&cfg.Debug, "debug", envBool("SOCKETBE_DEBUG", cfg.Debug), "debug logging and request tracing")
	fs.BoolVar(&cfg.Encryption, "encryption", envBool("SOCKETBE_ENCRYPTION", cfg.Encryption), "require encrypted connections")

	mode := envString("SOCKETBE_ENCRYPTION_MODE", string(cfg.EncryptionMode))
	cfg.EncryptionMode = encryption.Mode(mode)
	fs.Func("encryption_mode", "cipher mode: cfb8, cfb or cfb128 (default "+mode+")", func(s string) error {
		m, err := encryption.ParseMode(s)
		if err != nil {
			return err
		}
		cfg.EncryptionMode = m
		return nil
	})

	fs.StringVar(&opts.logger, "logger", envString("SOCKETBE_LOGGER", "slog"), "log backend: slog or glog")
	fs.StringVar(&opts.quicAddr, "quic_listen_address", envString("SOCKETBE_QUIC_ADDR", ""), "optional QUIC listen address")
	fs.StringVar(&opts.quicCert, "quic_cert", envString("SOCKETBE_QUIC_CERT", ""), "TLS certificate for QUIC")
	fs.StringVar(&opts.quicKey, "quic_key", envString("SOCKETBE_QUIC_KEY", ""), "TLS key for QUIC")
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(name)); err == nil {
		return n
	}
	return def
}

func envBool(name string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(name)); err == nil {
		return b
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(name)); err == nil {
		return d
	}
	return def
}
