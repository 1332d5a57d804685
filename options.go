package qwormhole

import (
	"context"
	"os"
	"strconv"
	"time"
)

// Defaults for the configuration surface in spec.md §6. DefaultMaxFrameLength
// itself is defined in frame.go alongside the decoder that enforces it.
const (
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultConnectTimeout   = 30 * time.Second
	DefaultKeepAliveDelay   = 30 * time.Second
	DefaultHeartbeatPayload = `{"type":"ping"}`

	DefaultReconnectInitialDelay = 100 * time.Millisecond
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMultiplier   = 2.0
	DefaultReconnectMaxAttempts  = 0 // 0 = unlimited

	DefaultRateLimitBytesPerSec = 0.0 // 0 = unlimited
	DefaultMaxBackpressureBytes = 5 * 1024 * 1024

	DefaultMaxClients = 0 // 0 = unlimited
)

// Framing names a wire framing mode (spec.md §6). Connections always use
// the 4-byte length-prefixed framing; Config.Framing is stored but not
// read by the Server or Client, so FramingNone has no effect.
type Framing string

const (
	FramingLengthPrefixed Framing = "length-prefixed"
	FramingNone           Framing = "none"
)

// TLSConfig mirrors spec.md §6's tls{} block. Callers needing a live
// *tls.Config construct it themselves (e.g. from Key/Cert/CA paths) and
// hand ListenConn a pre-wrapped net.Listener. Config.TLS is stored as
// given; no code in the transport reads it.
type TLSConfig struct {
	Enabled              bool
	Key                  string
	Cert                 string
	CA                   string
	ALPNProtocols        []string
	RequestCert          bool
	RejectUnauthorized   bool
	ExportKeyingMaterial *ExportKeyingMaterial
}

// ExportKeyingMaterial holds RFC 5705 keying-material export parameters.
// The transport does not export keying material or add it to a
// handshake payload.
type ExportKeyingMaterial struct {
	Label   string
	Length  int
	Context string
}

// ReconnectConfig is the client reconnect policy (spec.md §4.I / §6).
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// Option is a functional option for Listen/Dial, following the teacher's
// Config/Option/defaultConfig/applyConfig pattern.
type Option func(*Config)

// Config holds the exhaustive configuration surface from spec.md §6,
// grouped by the spec's own Transport/Client/Flow-control/Server-only
// sections. Zero value is never used directly; defaultConfig() supplies
// library defaults and applyConfig() layers options then environment
// overrides on top, in that order.
type Config struct {
	ctx     context.Context
	cancel  context.CancelFunc
	metrics Metrics

	// Transport
	Host              string
	Port              int
	Framing           Framing
	MaxFrameLength    uint32
	KeepAlive         bool
	KeepAliveDelay    time.Duration
	IdleTimeout       time.Duration
	ConnectTimeout    time.Duration
	ProtocolVersion   string
	TLS               TLSConfig

	// Client
	Reconnect          ReconnectConfig
	LocalAddress       string
	LocalPort          int
	InterfaceName      string
	HeartbeatInterval  time.Duration
	HeartbeatPayload   []byte
	Signer             func(*HandshakePayload) error

	// Flow control
	RateLimitBytesPerSec float64
	RateLimitBurstBytes  float64
	MaxBackpressureBytes int64
	AdaptiveMode         AdaptiveMode
	ForceSliceSize       int
	ForceRateBytesPerSec float64
	SchedulerTelemetry   SchedulerTelemetry

	// Server only
	MaxClients             int
	AllowConnection        func(remote string) bool
	OnAuthorizeConnection  func(conn interface{}) error
	EmitHandshakeMessages  bool

	// External collaborators (spec.md §6)
	Verifier          VerifierFunc
	TrustSnapshotSink func(TrustSnapshot)
	TelemetrySink     TelemetrySink

	RequireExplicitVerifier bool
	LocalNIndex             float64

	// Lifecycle callbacks. These are the application's only way to
	// observe connections/messages/errors; none of spec.md §6's
	// collaborators cover plain application data delivery, so this
	// follows the teacher's habit of a flat callback set on Config
	// rather than introducing an event-emitter type.
	OnConnection    func(*Connection)
	OnMessage       func(*Connection, []byte)
	OnClientClosed  func(*Connection, CloseReason, bool)
	OnServerError   func(*Connection, error)
	OnBackpressure  func(*Connection, int)
	OnDrain         func(*Connection)
	Ledger          Ledger

	// Client-only lifecycle callbacks.
	OnReady       func()
	OnReconnecting func(attempt int, delay time.Duration)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Reconnect.Enabled && c.Reconnect.Multiplier <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxFrameLength == 0 {
		return ErrInvalidConfig
	}
	return nil
}

// defaultConfig returns a Config populated with the spec's stated
// defaults (spec.md §6, §4.I).
func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:            ctx,
		cancel:         cancel,
		metrics:        NewDefaultMetrics(),
		Framing:        FramingLengthPrefixed,
		MaxFrameLength: DefaultMaxFrameLength,
		KeepAliveDelay: DefaultKeepAliveDelay,
		IdleTimeout:    DefaultIdleTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		Reconnect: ReconnectConfig{
			InitialDelay: DefaultReconnectInitialDelay,
			MaxDelay:     DefaultReconnectMaxDelay,
			Multiplier:   DefaultReconnectMultiplier,
			MaxAttempts:  DefaultReconnectMaxAttempts,
		},
		HeartbeatPayload:     []byte(DefaultHeartbeatPayload),
		MaxBackpressureBytes: DefaultMaxBackpressureBytes,
		AdaptiveMode:         AdaptiveGuarded,
		MaxClients:           DefaultMaxClients,
	}
}

// applyConfig builds a runtime config by applying options over defaults,
// then environment overrides last (spec.md §6: "When present, they
// override programmatic settings").
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides implements spec.md §6's ADAPTIVE_SLICES, FORCE_SLICE,
// FORCE_RATE_BYTES environment variables.
func applyEnvOverrides(cfg *Config) {
	switch os.Getenv("ADAPTIVE_SLICES") {
	case "off":
		cfg.AdaptiveMode = AdaptiveOff
	case "guarded":
		cfg.AdaptiveMode = AdaptiveGuarded
	case "aggressive":
		cfg.AdaptiveMode = AdaptiveAggressive
	case "auto", "":
		// leave programmatic / default setting alone
	}
	if v := os.Getenv("FORCE_SLICE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ForceSliceSize = n
		}
	}
	if v := os.Getenv("FORCE_RATE_BYTES"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ForceRateBytesPerSec = n
		}
	}
}

// --- Transport options ---

func WithHostPort(host string, port int) Option {
	return func(c *Config) { c.Host = host; c.Port = port }
}

func WithMaxFrameLength(n uint32) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxFrameLength = n
		}
	}
}

func WithKeepAlive(enabled bool, delay time.Duration) Option {
	return func(c *Config) {
		c.KeepAlive = enabled
		if delay > 0 {
			c.KeepAliveDelay = delay
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.IdleTimeout = d
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ConnectTimeout = d
		}
	}
}

func WithProtocolVersion(v string) Option {
	return func(c *Config) { c.ProtocolVersion = v }
}

func WithTLS(tls TLSConfig) Option {
	return func(c *Config) { c.TLS = tls }
}

// --- Client options ---

func WithReconnect(r ReconnectConfig) Option {
	return func(c *Config) { r.Enabled = true; c.Reconnect = r }
}

func WithLocalAddress(addr string, port int) Option {
	return func(c *Config) { c.LocalAddress = addr; c.LocalPort = port }
}

func WithInterfaceName(name string) Option {
	return func(c *Config) { c.InterfaceName = name }
}

func WithHeartbeat(interval time.Duration, payload []byte) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		if len(payload) > 0 {
			c.HeartbeatPayload = payload
		}
	}
}

func WithSigner(signer func(*HandshakePayload) error) Option {
	return func(c *Config) { c.Signer = signer }
}

// --- Flow control options ---

func WithRateLimit(bytesPerSec, burstBytes float64) Option {
	return func(c *Config) {
		c.RateLimitBytesPerSec = bytesPerSec
		c.RateLimitBurstBytes = burstBytes
	}
}

func WithMaxBackpressureBytes(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxBackpressureBytes = n
		}
	}
}

func WithAdaptiveMode(m AdaptiveMode) Option {
	return func(c *Config) { c.AdaptiveMode = m }
}

func WithForcedSliceSize(n int) Option {
	return func(c *Config) { c.ForceSliceSize = n }
}

func WithForcedRateBytesPerSec(r float64) Option {
	return func(c *Config) { c.ForceRateBytesPerSec = r }
}

// WithSchedulerTelemetry overrides the SchedulerTelemetry every
// connection's controller samples for idle-ratio/GC-pause readings,
// e.g. internal/sysload.Telemetry to blend in host CPU contention.
// Defaults to a fresh RuntimeTelemetry per connection when unset.
func WithSchedulerTelemetry(t SchedulerTelemetry) Option {
	return func(c *Config) { c.SchedulerTelemetry = t }
}

// --- Server-only options ---

func WithMaxClients(n int) Option {
	return func(c *Config) { c.MaxClients = n }
}

func WithAllowConnection(f func(remote string) bool) Option {
	return func(c *Config) { c.AllowConnection = f }
}

func WithEmitHandshakeMessages(b bool) Option {
	return func(c *Config) { c.EmitHandshakeMessages = b }
}

// WithLedger installs a failed-handshake ledger other than the default
// in-memory one, e.g. internal/azstore.TableLedger for a fleet-shared view.
func WithLedger(l Ledger) Option {
	return func(c *Config) { c.Ledger = l }
}

// --- Lifecycle callbacks ---

func WithOnConnection(fn func(*Connection)) Option {
	return func(c *Config) { c.OnConnection = fn }
}

func WithOnMessage(fn func(*Connection, []byte)) Option {
	return func(c *Config) { c.OnMessage = fn }
}

func WithOnClientClosed(fn func(*Connection, CloseReason, bool)) Option {
	return func(c *Config) { c.OnClientClosed = fn }
}

func WithOnServerError(fn func(*Connection, error)) Option {
	return func(c *Config) { c.OnServerError = fn }
}

func WithOnBackpressure(fn func(*Connection, int)) Option {
	return func(c *Config) { c.OnBackpressure = fn }
}

func WithOnDrain(fn func(*Connection)) Option {
	return func(c *Config) { c.OnDrain = fn }
}

func WithOnReady(fn func()) Option {
	return func(c *Config) { c.OnReady = fn }
}

func WithOnReconnecting(fn func(attempt int, delay time.Duration)) Option {
	return func(c *Config) { c.OnReconnecting = fn }
}

// --- External collaborators ---

func WithVerifier(v VerifierFunc) Option {
	return func(c *Config) { c.Verifier = v }
}

func WithTrustSnapshotSink(sink func(TrustSnapshot)) Option {
	return func(c *Config) { c.TrustSnapshotSink = sink }
}

func WithTelemetrySink(sink TelemetrySink) Option {
	return func(c *Config) { c.TelemetrySink = sink }
}

func WithRequireExplicitVerifier(b bool) Option {
	return func(c *Config) { c.RequireExplicitVerifier = b }
}

func WithLocalNIndex(n float64) Option {
	return func(c *Config) { c.LocalNIndex = n }
}

// WithContext sets the base context for the listener/connection.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithMetrics sets a custom Metrics implementation.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}
