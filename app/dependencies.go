package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/handlers"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/sqlstore"
	"github.com/upb/llm-gateway/services/auth"
	"github.com/upb/llm-gateway/services/conversation"
	"github.com/upb/llm-gateway/services/password"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/gemini"
	"github.com/upb/llm-gateway/services/providers/openai"
	"github.com/upb/llm-gateway/services/ratelimit"
	"github.com/upb/llm-gateway/services/relay"
	"github.com/upb/llm-gateway/services/token"
	"go.uber.org/zap"
)

// Dependencies holds every long-lived component of the gateway.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *sqlstore.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *sqlstore.RepositoryFactory
	Repos       *repositories.Repositories

	// Core services
	Hasher        *password.Hasher
	Tokens        *token.Service
	UserLimiter   *ratelimit.FixedWindowLimiter
	OriginLimiter *ratelimit.TokenBucketLimiter
	Providers     *providers.Registry
	Relay         *relay.Relay
	Accounts      *auth.Service
	Conversations *conversation.Service

	// HTTP layer
	ProxyTrust          *middleware.ProxyTrust
	AuthMiddleware      *middleware.AuthMiddleware
	OriginRateLimit     *middleware.OriginRateLimit
	AuthHandler         *handlers.AuthHandler
	UserHandler         *handlers.UserHandler
	CompletionHandler   *handlers.CompletionHandler
	ConversationHandler *handlers.ConversationHandler
	HealthHandler       *handlers.HealthHandler

	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

// Option customizes NewDependencies
type Option func(*options)

type options struct {
	providers *providers.Registry
}

// WithProviders replaces the registry built from configuration, e.g. with
// a local or fake backend
func WithProviders(reg *providers.Registry) Option {
	return func(o *options) { o.providers = reg }
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initSecurity(cfg); err != nil {
		deps.RepoFactory.Close()
		return nil, fmt.Errorf("failed to initialize security: %w", err)
	}

	if err := deps.initProviders(cfg, o.providers); err != nil {
		deps.RepoFactory.Close()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initServices(cfg)
	deps.initHTTP(cfg)
	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens the credential store and creates the repositories
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := sqlstore.NewRepositoryFactory(ctx, cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()
	d.Repos = factory.NewRepositories()

	d.Logger.Info("repositories initialized",
		zap.String("driver", cfg.Database.Driver))
	return nil
}

// initSecurity builds the hasher, token service and limiters
func (d *Dependencies) initSecurity(cfg *config.Config) error {
	hasher, err := password.NewHasher(password.Params{
		Memory:      uint32(cfg.Hash.MemoryKiB),
		Iterations:  uint32(cfg.Hash.Iterations),
		Parallelism: uint8(cfg.Hash.Parallelism),
		SaltLength:  password.DefaultParams().SaltLength,
		KeyLength:   password.DefaultParams().KeyLength,
	})
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}
	d.Hasher = hasher

	key, err := cfg.Auth.SigningKeyBytes()
	if err != nil {
		return err
	}
	tokenOpts := []token.Option{
		token.WithTTL(cfg.Auth.TokenTTL),
		token.WithGrace(cfg.Auth.RotationGrace),
		token.WithIssuer(cfg.Auth.Issuer),
	}
	prev, err := cfg.Auth.PreviousSigningKeyBytes()
	if err != nil {
		return err
	}
	if prev != nil {
		tokenOpts = append(tokenOpts, token.WithPreviousKey(prev))
	}
	tokens, err := token.NewService(key, uint32(cfg.Auth.SigningKeyGeneration), tokenOpts...)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	d.Tokens = tokens

	d.UserLimiter, err = ratelimit.NewFixedWindowLimiter(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxRequests: cfg.RateLimit.MaxRequests,
	}, d.Logger)
	if err != nil {
		return fmt.Errorf("identity rate limiter: %w", err)
	}

	d.OriginLimiter, err = ratelimit.NewTokenBucketLimiter(ratelimit.BucketConfig{
		PerSecond: cfg.RateLimit.AnonPerSecond,
		Burst:     cfg.RateLimit.AnonBurst,
	}, d.Logger)
	if err != nil {
		return fmt.Errorf("origin rate limiter: %w", err)
	}

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	d.ProxyTrust = middleware.NewProxyTrust(proxies)

	d.Logger.Info("security initialized",
		zap.Uint32("key_generation", tokens.Generation()),
		zap.Duration("token_ttl", tokens.TTL()),
		zap.Int("rate_limit", cfg.RateLimit.MaxRequests),
		zap.Duration("rate_window", cfg.RateLimit.Window),
		zap.Bool("previous_key", prev != nil),
		zap.Strings("trusted_proxies", cfg.Server.TrustedProxies))
	return nil
}

// initProviders builds the registry of configured LLM backends
func (d *Dependencies) initProviders(cfg *config.Config, override *providers.Registry) error {
	if override != nil {
		d.Providers = override
	} else {
		registry, err := providers.NewRegistryBuilder().
			WithProviderBuilder(config.ProviderOpenAI, openai.Builder).
			WithProviderBuilder(config.ProviderGemini, gemini.Builder).
			Build(map[string]providers.ProviderConfig{
				config.ProviderOpenAI: {
					APIKey:  cfg.Providers.OpenAI.APIKey,
					BaseURL: cfg.Providers.OpenAI.BaseURL,
					Model:   cfg.Providers.OpenAI.Model,
					Timeout: cfg.Providers.OpenAI.Timeout,
				},
				config.ProviderGemini: {
					APIKey:  cfg.Providers.Gemini.APIKey,
					BaseURL: cfg.Providers.Gemini.BaseURL,
					Model:   cfg.Providers.Gemini.Model,
					Timeout: cfg.Providers.Gemini.Timeout,
				},
			}, cfg.Providers.Default)
		if err != nil {
			return err
		}
		d.Providers = registry
	}

	names := d.Providers.ListProviders()
	if len(names) == 0 {
		d.Logger.Warn("no LLM providers configured, completions will be unavailable")
	} else {
		d.Logger.Info("LLM providers registered", zap.Strings("providers", names))
	}
	return nil
}

// initServices builds the domain services on top of the infrastructure
func (d *Dependencies) initServices(cfg *config.Config) {
	relayCfg := relay.DefaultConfig()
	relayCfg.BufferSize = cfg.Relay.BufferSize
	relayCfg.MaxPromptBytes = cfg.Relay.MaxPromptBytes
	d.Relay = relay.New(d.Providers, relayCfg, d.Logger)

	d.Accounts = auth.NewService(d.Repos, d.Hasher, d.Tokens, cfg.Auth.RefreshTokenTTL, d.Logger)
	d.Conversations = conversation.NewService(d.Repos.Conversations, d.Logger,
		conversation.WithHistoryLimit(cfg.Relay.HistoryLimit))
}

// initHTTP builds middleware and handlers
func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, d.UserLimiter, d.Logger)
	d.OriginRateLimit = middleware.NewOriginRateLimit(d.OriginLimiter, d.Logger)

	d.AuthHandler = handlers.NewAuthHandler(d.Accounts, d.Tokens, d.Logger)
	d.UserHandler = handlers.NewUserHandler(d.Accounts, d.Logger)
	d.CompletionHandler = handlers.NewCompletionHandler(d.Relay, d.Logger)
	d.ConversationHandler = handlers.NewConversationHandler(d.Conversations, d.Relay, d.UserLimiter,
		handlers.WebSocketConfig{
			PingInterval:   cfg.Relay.PingInterval,
			WriteTimeout:   cfg.Relay.WriteTimeout,
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		}, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.DB.DB, d.Providers, d.Relay, d.Logger)
}

// startWorkers runs the limiter sweepers until Close
func (d *Dependencies) startWorkers(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopWorkers = cancel

	interval := cfg.RateLimit.CleanupInterval
	if interval <= 0 {
		return
	}
	d.workers.Add(2)
	go func() {
		defer d.workers.Done()
		d.UserLimiter.StartCleanupWorker(ctx, interval)
	}()
	go func() {
		defer d.workers.Done()
		d.OriginLimiter.StartCleanupWorker(ctx, interval)
	}()
}

// RotateSigningKey makes secret the signing key under generation, or under
// the next generation when it is 0. Tokens signed with the previous key keep
// verifying for the configured grace window.
func (d *Dependencies) RotateSigningKey(secret []byte, generation uint32) error {
	var (
		gen uint32
		err error
	)
	if generation == 0 {
		gen, err = d.Tokens.Rotate(secret)
	} else {
		gen, err = d.Tokens.RotateTo(secret, generation)
	}
	if err != nil {
		return fmt.Errorf("rotate signing key: %w", err)
	}
	d.Logger.Info("signing key rotated",
		zap.Uint32("key_generation", gen),
		zap.Duration("grace", d.Config.Auth.RotationGrace))
	return nil
}

// Close gracefully shuts down all dependencies. Only the first call does
// any work.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.Logger.Info("shutting down dependencies")

		var errs []error

		if d.stopWorkers != nil {
			d.stopWorkers()
			d.workers.Wait()
		}

		if active := d.Relay.Active(); active > 0 {
			d.Logger.Warn("closing with streams still active", zap.Int64("active_streams", active))
		}

		if d.RepoFactory != nil {
			if err := d.RepoFactory.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close database: %w", err))
			} else {
				d.Logger.Info("database connection closed")
			}
		}

		_ = d.Logger.Sync()
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
