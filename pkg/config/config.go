// Package config loads transfer tuning parameters from an optional TOML
// file and builds the structured logger shared by the sender and receiver
// entrypoints.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/p2pshare/core/pkg/manifest"
)

// AEADInfoString is the fixed HKDF application-info string for this
// protocol, exposed here so it can be surfaced in diagnostics without
// importing pkg/handshake just for a constant.
const AEADInfoString = "P2P-FileShare-AES"

// Transfer holds the tuning knobs shared by both the sender and receiver
// sides of a transfer.
type Transfer struct {
	ChunkSize         uint32        `toml:"chunk_size"`
	MaxParallelChunks int           `toml:"max_parallel_chunks"`
	RequestBatchSize  int           `toml:"request_batch_size"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	SocketReadTimeout time.Duration `toml:"socket_read_timeout"`
	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
}

// LoggingConfig controls the structured logger's verbosity and format.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	JSON  bool   `toml:"json"`
}

// Config is the top-level configuration for both CLI entrypoints.
type Config struct {
	Transfer Transfer      `toml:"transfer"`
	Logging  LoggingConfig `toml:"logging"`
}

// Default returns the configuration used when no TOML file is present,
// matching the defaults named in the transfer protocol's external
// interface.
func Default() Config {
	return Config{
		Transfer: Transfer{
			ChunkSize:         manifest.DefaultChunkSize,
			MaxParallelChunks: 4,
			RequestBatchSize:  8,
			ConnectTimeout:    30 * time.Second,
			SocketReadTimeout: 10 * time.Second,
			HandshakeTimeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load returns Default() if path does not exist, otherwise decodes path
// over the defaults so an operator's TOML file only needs to set the
// fields it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// NewLogger builds the slog.Logger this configuration describes: a text
// handler for interactive use, JSON when Logging.JSON is set (e.g. when
// output is redirected to a log collector).
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
