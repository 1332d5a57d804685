// Package config loads a qwormhole Config from a YAML file plus a
// dotenv-style environment file, the pair nishisan-dev-n-backup's
// internal/config package and joho/godotenv play in the teacher pack:
// YAML for structured operator settings, dotenv for secrets and
// environment overrides layered on top (the ADAPTIVE_SLICES/FORCE_SLICE/
// FORCE_RATE_BYTES vars qwormhole.applyEnvOverrides reads are expected to
// arrive this way in production).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	qwormhole "github.com/qwormhole/qwormhole"
)

// File is the on-disk shape of a qwormhole endpoint's YAML config,
// following spec.md §6's Transport/Client/Flow-control/Server-only
// grouping of options.go's Config. It covers a subset of Config: TLS
// settings, the heartbeat payload, callbacks and collaborators are not
// file-configurable, and Framing is parsed but not applied by Options.
type File struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Framing           string        `yaml:"framing"`
	MaxFrameLength    uint32        `yaml:"max_frame_length"`
	KeepAlive         bool          `yaml:"keep_alive"`
	KeepAliveDelay    time.Duration `yaml:"keep_alive_delay"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ProtocolVersion   string        `yaml:"protocol_version"`

	Reconnect struct {
		Enabled      bool          `yaml:"enabled"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"reconnect"`
	LocalAddress      string        `yaml:"local_address"`
	LocalPort         int           `yaml:"local_port"`
	InterfaceName     string        `yaml:"interface_name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	RateLimitBytesPerSec float64 `yaml:"rate_limit_bytes_per_sec"`
	RateLimitBurstBytes  float64 `yaml:"rate_limit_burst_bytes"`
	MaxBackpressureBytes int64   `yaml:"max_backpressure_bytes"`
	AdaptiveMode         string  `yaml:"adaptive_mode"`
	ForceSliceSize       int     `yaml:"force_slice_size"`
	ForceRateBytesPerSec float64 `yaml:"force_rate_bytes_per_sec"`

	MaxClients            int  `yaml:"max_clients"`
	EmitHandshakeMessages bool `yaml:"emit_handshake_messages"`

	RequireExplicitVerifier bool    `yaml:"require_explicit_verifier"`
	LocalNIndex             float64 `yaml:"local_n_index"`
}

// Load reads yamlPath, applying envPath (if non-empty) into the process
// environment first via godotenv, the same ordering
// nishisan-dev-n-backup's agent bootstrap uses (dotenv secrets loaded
// before the YAML config is parsed, so ${VAR}-style operator overlays in
// the YAML would see them — this package doesn't expand those, it only
// establishes the load order).
func Load(yamlPath, envPath string) (*File, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading env file: %w", err)
		}
	}
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", yamlPath, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
	}
	return &f, nil
}

// Options translates the loaded File into qwormhole functional options.
// Environment overrides (ADAPTIVE_SLICES, FORCE_SLICE, FORCE_RATE_BYTES)
// still apply on top of these inside qwormhole.Listen/Dial, per
// spec.md §6.
func (f *File) Options() []qwormhole.Option {
	opts := []qwormhole.Option{
		qwormhole.WithHostPort(f.Host, f.Port),
	}
	if f.MaxFrameLength > 0 {
		opts = append(opts, qwormhole.WithMaxFrameLength(f.MaxFrameLength))
	}
	if f.KeepAlive {
		opts = append(opts, qwormhole.WithKeepAlive(true, f.KeepAliveDelay))
	}
	if f.IdleTimeout > 0 {
		opts = append(opts, qwormhole.WithIdleTimeout(f.IdleTimeout))
	}
	if f.ConnectTimeout > 0 {
		opts = append(opts, qwormhole.WithConnectTimeout(f.ConnectTimeout))
	}
	if f.ProtocolVersion != "" {
		opts = append(opts, qwormhole.WithProtocolVersion(f.ProtocolVersion))
	}
	if f.Reconnect.Enabled {
		opts = append(opts, qwormhole.WithReconnect(qwormhole.ReconnectConfig{
			Enabled:      true,
			InitialDelay: f.Reconnect.InitialDelay,
			MaxDelay:     f.Reconnect.MaxDelay,
			Multiplier:   f.Reconnect.Multiplier,
			MaxAttempts:  f.Reconnect.MaxAttempts,
		}))
	}
	if f.LocalAddress != "" || f.LocalPort != 0 {
		opts = append(opts, qwormhole.WithLocalAddress(f.LocalAddress, f.LocalPort))
	}
	if f.InterfaceName != "" {
		opts = append(opts, qwormhole.WithInterfaceName(f.InterfaceName))
	}
	if f.HeartbeatInterval > 0 {
		opts = append(opts, qwormhole.WithHeartbeat(f.HeartbeatInterval, nil))
	}
	if f.RateLimitBytesPerSec > 0 {
		opts = append(opts, qwormhole.WithRateLimit(f.RateLimitBytesPerSec, f.RateLimitBurstBytes))
	}
	if f.MaxBackpressureBytes > 0 {
		opts = append(opts, qwormhole.WithMaxBackpressureBytes(f.MaxBackpressureBytes))
	}
	if mode, ok := parseAdaptiveMode(f.AdaptiveMode); ok {
		opts = append(opts, qwormhole.WithAdaptiveMode(mode))
	}
	if f.ForceSliceSize > 0 {
		opts = append(opts, qwormhole.WithForcedSliceSize(f.ForceSliceSize))
	}
	if f.ForceRateBytesPerSec > 0 {
		opts = append(opts, qwormhole.WithForcedRateBytesPerSec(f.ForceRateBytesPerSec))
	}
	if f.MaxClients > 0 {
		opts = append(opts, qwormhole.WithMaxClients(f.MaxClients))
	}
	if f.EmitHandshakeMessages {
		opts = append(opts, qwormhole.WithEmitHandshakeMessages(true))
	}
	if f.RequireExplicitVerifier {
		opts = append(opts, qwormhole.WithRequireExplicitVerifier(true))
	}
	if f.LocalNIndex != 0 {
		opts = append(opts, qwormhole.WithLocalNIndex(f.LocalNIndex))
	}
	return opts
}

func parseAdaptiveMode(s string) (qwormhole.AdaptiveMode, bool) {
	switch s {
	case "off":
		return qwormhole.AdaptiveOff, true
	case "guarded":
		return qwormhole.AdaptiveGuarded, true
	case "aggressive":
		return qwormhole.AdaptiveAggressive, true
	default:
		return "", false
	}
}
