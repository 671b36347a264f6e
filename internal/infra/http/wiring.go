package http

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"beacon/internal/config"
	"beacon/internal/domain"
	"beacon/internal/infra/auditmem"
	"beacon/internal/infra/codec"
	"beacon/internal/infra/db"
	"beacon/internal/infra/policyopa"
	"beacon/internal/infra/ratelimit"
	"beacon/internal/infra/replay"
	"beacon/internal/infra/signing"
	"beacon/internal/infra/sink/discord"
	"beacon/internal/infra/sink/secondary"
	"beacon/internal/observability"
	"beacon/internal/usecase"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewServer builds the production dependency graph. Background work (the
// in-memory ledger janitor) runs until ctx is cancelled; Close releases
// the remaining connections.
func NewServer(ctx context.Context, cfg config.Config, store *db.Store, logger zerolog.Logger) (*Server, error) {
	clock := usecase.Clock(time.Now)
	info := map[string]string{}
	health := map[string]HealthCheck{}
	var closers []func() error

	signer, err := signing.New(cfg.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}
	info["signature_algorithm"] = signer.Algorithm()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, redisClient.Close)
		health["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	ledger, err := newReplayLedger(ctx, cfg.ReplayLedgerBackend, redisClient, "", cfg.ReplayLedgerTTL(), clock, observability.RecordLedgerSweep)
	if err != nil {
		return nil, err
	}
	// Embed tokens have their own tolerance, so they get a ledger sized to it.
	embedLedger, err := newReplayLedger(ctx, cfg.ReplayLedgerBackend, redisClient, replay.EmbedKeyPrefix, cfg.EmbedLedgerTTL(), clock, nil)
	if err != nil {
		return nil, err
	}
	info["replay_ledger"] = cfg.ReplayLedgerBackend

	var auditRepo usecase.AuditEventRepository
	if store.Enabled() {
		auditRepo = db.NewAuditEventRepository(store.DB)
		info["audit"] = "postgres"
		health["postgres"] = func(ctx context.Context) error {
			sqlDB, err := store.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	} else {
		auditRepo = auditmem.New(auditmem.DefaultCapacity)
		info["audit"] = "memory"
	}
	audit := usecase.NewAuditEmitter(auditRepo, clock, logger)
	audit.StartAsync(ctx, cfg.AuditRejectQueueSize)

	var policy *policyopa.Engine
	if cfg.PolicyBundlePath != "" {
		policy, err = policyopa.NewEngineFromBundlePath(ctx, cfg.PolicyBundlePath)
	} else {
		policy, err = policyopa.NewDefaultEngine(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load alert policy: %w", err)
	}
	info["policy_source"] = policy.Source()
	info["policy_hash"] = policy.PolicyHash()

	var sinks []domain.Sink
	var forwarder usecase.EmbedForwarder
	if cfg.DiscordWebhookURL != "" {
		webhook := discord.New(discord.Options{
			WebhookURL: cfg.DiscordWebhookURL,
			Username:   cfg.DiscordUsername,
			AvatarURL:  cfg.DiscordAvatarURL,
			Timeout:    cfg.SinkTimeout(),
		})
		sinks = append(sinks, webhook)
		forwarder = webhook
	} else {
		logger.Warn().Msg("DISCORD_WEBHOOK_URL not set; finds are accepted but not posted")
	}
	mirror, err := secondary.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		sinks = append(sinks, mirror)
	}
	info["sinks"] = strconv.Itoa(len(sinks))

	var limiter domain.RateLimiter
	if cfg.RateLimitRequests > 0 {
		if redisClient != nil {
			limiter, err = ratelimit.NewRedisLimiter(redisClient, clock)
			if err != nil {
				return nil, err
			}
		} else {
			limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{Now: clock, MaxKeys: cfg.RateLimitMaxKeys})
		}
	}

	deps := ServerDeps{
		Authenticate: &usecase.AuthenticateReport{
			Gate: usecase.CredentialGate{
				ExpectedProtocolVersion: cfg.ExpectedProtocolVersion,
				ExpectedClientID:        cfg.ExpectedClientID,
			},
			Verifier: &usecase.SignatureVerifier{
				Secret:    cfg.SharedSecret,
				Signer:    signer,
				Ledger:    ledger,
				Tolerance: cfg.FreshnessTolerance(),
				Clock:     clock,
			},
			Decoder: codec.Decoder{Lenient: cfg.PayloadDecodeLenient},
			Audit:   audit,
			Clock:   clock,
		},
		Relay: &usecase.RelayFind{
			Policy: policy,
			Sinks:  sinks,
			Audit:  audit,
			Clock:  clock,
			Logger: logger,
		},
		AuditRepo:   auditRepo,
		RateLimiter: limiter,
		Logger:      logger,
		Health:      health,
		Info:        info,
	}
	if forwarder != nil {
		deps.Embeds = &usecase.RelayEmbed{
			AllowedUserAgents: cfg.AllowedUserAgents,
			APIToken:          cfg.APIToken,
			APISecret:         cfg.APISecret,
			Tolerance:         cfg.RelayTokenTolerance(),
			Ledger:            embedLedger,
			Forwarder:         forwarder,
			Audit:             audit,
			Clock:             clock,
		}
	}

	s := NewServerWithDeps(cfg, deps)
	s.closers = closers
	return s, nil
}

// newReplayLedger builds a ledger for backend. Memory ledgers get a janitor
// bound to ctx.
func newReplayLedger(ctx context.Context, backend string, client *redis.Client, prefix string, ttl time.Duration, clock usecase.Clock, onSweep func(removed, remaining int)) (domain.ReplayLedger, error) {
	switch backend {
	case "redis":
		if client == nil {
			return nil, errors.New("redis replay ledger requires REDIS_ADDR")
		}
		return replay.NewRedisLedgerWithPrefix(client, ttl, prefix), nil
	default:
		mem := replay.NewMemoryLedger(replay.MemoryLedgerConfig{TTL: ttl, Now: clock})
		go mem.Run(ctx, onSweep)
		return mem, nil
	}
}

// Close releases connections opened by NewServer.
func (s *Server) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}
