package tglink

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/velora-team/tglink/internal/rate"
	"github.com/velora-team/tglink/internal/stores"
	"github.com/velora-team/tglink/sealer"
	"github.com/velora-team/tglink/session"
)

// Builder assembles an [Engine]. A builder is single-use; Build fails on the
// second call.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	client    ProtocolClient
	sealerRef *sealer.Sealer
	sinks     []Sink

	built bool
}

// New starts a builder with default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing all stores, limiters, and channels.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithProtocolClient sets the upstream transport.
func (b *Builder) WithProtocolClient(client ProtocolClient) *Builder {
	b.client = client
	return b
}

// WithSealer sets a pre-built payload sealer, overriding CryptoConfig.
func (b *Builder) WithSealer(s *sealer.Sealer) *Builder {
	b.sealerRef = s
	return b
}

// WithEventSink registers a sink fed by the async dispatcher. May be called
// more than once; every sink receives each event.
func (b *Builder) WithEventSink(sink Sink) *Builder {
	if sink != nil {
		b.sinks = append(b.sinks, sink)
	}
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the invoke latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.client == nil {
		return nil, errors.New("protocol client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// -------- SEALER --------
	sl := b.sealerRef
	if sl == nil {
		var err error
		switch {
		case len(cfg.Crypto.Key) > 0:
			sl, err = sealer.New(cfg.Crypto.Key)
		case cfg.Crypto.Passphrase != "":
			sl, err = sealer.FromPassphrase(cfg.Crypto.Passphrase, cfg.Crypto.Salt, sealer.DefaultKDFConfig())
		default:
			err = errors.New("sealing key, passphrase, or WithSealer required")
		}
		if err != nil {
			return nil, err
		}
	}

	// -------- QR SIGNING KEY --------
	qrKey := cfg.QR.SigningKey
	if len(qrKey) == 0 {
		qrKey = cfg.Crypto.Key
	}
	if len(qrKey) == 0 {
		return nil, errors.New("qr signing key required")
	}

	// -------- STORES --------
	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix)
	phoneStore := stores.NewPhoneHandshakeStore(b.redis, cfg.Handshake.RedisPrefix)
	qrStore := stores.NewQRHandshakeStore(b.redis, cfg.QR.RedisPrefix)

	// -------- RATE BUDGETS --------
	limiter := rate.New(b.redis, cfg.Rate.RedisPrefix, map[rate.Op]rate.Budget{
		rate.OpCodeRequest: {Max: cfg.Rate.CodeRequestMax, Window: cfg.Rate.CodeRequestWindow},
		rate.OpCodeVerify:  {Max: cfg.Rate.CodeVerifyMax, Window: cfg.Rate.CodeVerifyWindow},
		rate.OpQRGenerate:  {Max: cfg.Rate.QRGenerateMax, Window: cfg.Rate.QRGenerateWindow},
		rate.OpQRStatus:    {Max: cfg.Rate.QRStatusMax, Window: cfg.Rate.QRStatusWindow},
		rate.OpTwoFactor:   {Max: cfg.Rate.TwoFactorMax, Window: cfg.Rate.TwoFactorWindow},
	})

	engine := &Engine{
		config:     cfg,
		sessions:   sessions,
		phoneStore: phoneStore,
		qrStore:    qrStore,
		limiter:    limiter,
		sealer:     sl,
		client:     b.client,
		events:     newEventDispatcher(cfg.Events, b.sinks...),
		broker:     newBroker(cfg.Events, b.redis),
		metrics:    NewMetrics(cfg.Metrics),
		qrKey:      qrKey,
	}

	b.built = true

	return engine, nil
}
