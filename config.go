package tglink

import (
	"errors"
	"time"
)

/*
====================================
CONFIG SECTIONS
====================================
*/

// Config carries every tunable of the engine. Zero values are not usable;
// start from DefaultConfig or the builder's defaults and override fields.
type Config struct {
	Handshake HandshakeConfig
	Rate      RateConfig
	Session   SessionConfig
	QR        QRConfig
	Crypto    CryptoConfig
	Events    EventsConfig
	Metrics   MetricsConfig
	Retry     RetryConfig
}

// HandshakeConfig governs the phone-code handshake records.
type HandshakeConfig struct {
	RedisPrefix string
	CodeTTL     time.Duration
	MaxAttempts int
}

// RateConfig holds the per-operation abuse budgets. Max <= 0 disables the
// budget for that operation.
type RateConfig struct {
	RedisPrefix string

	CodeRequestMax    int
	CodeRequestWindow time.Duration

	CodeVerifyMax    int
	CodeVerifyWindow time.Duration

	QRGenerateMax    int
	QRGenerateWindow time.Duration

	QRStatusMax    int
	QRStatusWindow time.Duration

	TwoFactorMax    int
	TwoFactorWindow time.Duration
}

// SessionConfig governs the durable session registry.
type SessionConfig struct {
	RedisPrefix string
}

// QRConfig governs QR login tokens and their deep links.
type QRConfig struct {
	RedisPrefix string
	TokenTTL    time.Duration
	LinkBase    string
	SigningKey  []byte
}

// CryptoConfig governs payload sealing. Either Key (32 bytes) or
// Passphrase+Salt must be set unless the builder supplies a Sealer directly.
type CryptoConfig struct {
	Key        []byte
	Passphrase string
	Salt       []byte
}

// EventsConfig governs the status event pipeline: the async sink dispatcher
// and the fan-out broker. TypeFilter restricts which event types reach the
// sinks; empty means all. The broker is not filtered, subscribers filter
// per subscription.
type EventsConfig struct {
	Enabled          bool
	BufferSize       int
	DropIfFull       bool
	TypeFilter       []EventType
	SubscriberBuffer int
	RedisChannels    bool
	ChannelPrefix    string
	Heartbeat        time.Duration
}

// MetricsConfig governs the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// RetryConfig governs the single bounded retry on retryable upstream errors.
type RetryConfig struct {
	Enabled bool
	Backoff time.Duration
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Handshake: HandshakeConfig{
			RedisPrefix: "tghp",
			CodeTTL:     5 * time.Minute,
			MaxAttempts: 5,
		},
		Rate: RateConfig{
			RedisPrefix:       "tglr",
			CodeRequestMax:    3,
			CodeRequestWindow: 15 * time.Minute,
			CodeVerifyMax:     10,
			CodeVerifyWindow:  15 * time.Minute,
			QRGenerateMax:     5,
			QRGenerateWindow:  5 * time.Minute,
			QRStatusMax:       30,
			QRStatusWindow:    time.Minute,
			TwoFactorMax:      5,
			TwoFactorWindow:   15 * time.Minute,
		},
		Session: SessionConfig{
			RedisPrefix: "tgl",
		},
		QR: QRConfig{
			RedisPrefix: "tghq",
			TokenTTL:    time.Minute,
			LinkBase:    "tg://login",
		},
		Events: EventsConfig{
			Enabled:          true,
			BufferSize:       1024,
			DropIfFull:       true,
			SubscriberBuffer: 64,
			RedisChannels:    false,
			ChannelPrefix:    "tgle",
			Heartbeat:        0,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Retry: RetryConfig{
			Enabled: true,
			Backoff: 500 * time.Millisecond,
		},
	}
}

// DefaultConfig returns the engine defaults. Budgets follow the documented
// abuse windows; metrics are off until enabled.
func DefaultConfig() Config {
	return defaultConfig()
}

// StrictConfig returns a preset with tighter budgets and shorter handshake
// deadlines, for deployments exposed to untrusted traffic.
func StrictConfig() Config {
	cfg := defaultConfig()
	cfg.Handshake.CodeTTL = 2 * time.Minute
	cfg.Handshake.MaxAttempts = 3
	cfg.Rate.CodeRequestMax = 2
	cfg.Rate.CodeVerifyMax = 5
	cfg.Rate.QRGenerateMax = 3
	cfg.Rate.QRStatusMax = 15
	cfg.Rate.TwoFactorMax = 3
	cfg.QR.TokenTTL = 30 * time.Second
	cfg.Retry.Enabled = false
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Crypto.Key = cloneBytes(cfg.Crypto.Key)
	out.Crypto.Salt = cloneBytes(cfg.Crypto.Salt)
	out.QR.SigningKey = cloneBytes(cfg.QR.SigningKey)
	if len(cfg.Events.TypeFilter) > 0 {
		out.Events.TypeFilter = append([]EventType(nil), cfg.Events.TypeFilter...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	// Handshake
	if c.Handshake.CodeTTL <= 0 {
		return errors.New("Handshake CodeTTL must be > 0")
	}
	if c.Handshake.MaxAttempts <= 0 {
		return errors.New("Handshake MaxAttempts must be > 0")
	}

	// Rate windows must be positive wherever a budget is enabled.
	for _, w := range []struct {
		max    int
		window time.Duration
		name   string
	}{
		{c.Rate.CodeRequestMax, c.Rate.CodeRequestWindow, "CodeRequestWindow"},
		{c.Rate.CodeVerifyMax, c.Rate.CodeVerifyWindow, "CodeVerifyWindow"},
		{c.Rate.QRGenerateMax, c.Rate.QRGenerateWindow, "QRGenerateWindow"},
		{c.Rate.QRStatusMax, c.Rate.QRStatusWindow, "QRStatusWindow"},
		{c.Rate.TwoFactorMax, c.Rate.TwoFactorWindow, "TwoFactorWindow"},
	} {
		if w.max > 0 && w.window <= 0 {
			return errors.New("Rate " + w.name + " must be > 0 when the budget is enabled")
		}
	}

	// QR
	if c.QR.TokenTTL <= 0 {
		return errors.New("QR TokenTTL must be > 0")
	}
	if c.QR.LinkBase == "" {
		return errors.New("QR LinkBase must be set")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0 when enabled")
	}
	if c.Events.Heartbeat < 0 {
		return errors.New("Events Heartbeat must be >= 0")
	}

	// Retry
	if c.Retry.Enabled && c.Retry.Backoff < 0 {
		return errors.New("Retry Backoff must be >= 0")
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// Lint reports advisory warnings about configurations that validate but are
// probably not what an operator wants in production.
func (c *Config) Lint() []string {
	var ws []string

	if c.Handshake.CodeTTL > 15*time.Minute {
		ws = append(ws, "Handshake CodeTTL is longer than 15m; stale codes widen the abuse window")
	}
	if c.Rate.CodeRequestMax <= 0 {
		ws = append(ws, "code request budget is disabled; upstream flood control becomes the only guard")
	}
	if c.Rate.CodeVerifyMax <= 0 {
		ws = append(ws, "code verify budget is disabled; brute force on codes is unbounded locally")
	}
	if c.Rate.TwoFactorMax <= 0 {
		ws = append(ws, "two-factor budget is disabled; password guessing is unbounded locally")
	}
	if c.QR.TokenTTL > 5*time.Minute {
		ws = append(ws, "QR TokenTTL is longer than 5m; deep links should be short-lived")
	}
	if len(c.QR.SigningKey) > 0 && len(c.QR.SigningKey) < 32 {
		ws = append(ws, "QR SigningKey is shorter than 32 bytes")
	}
	if !c.Events.Enabled {
		ws = append(ws, "events are disabled; consumers cannot observe session status changes")
	}
	if c.Events.Enabled && !c.Events.DropIfFull {
		ws = append(ws, "events backpressure blocks callers when the buffer fills")
	}

	return ws
}
