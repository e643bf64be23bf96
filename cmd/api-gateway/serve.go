package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/routes"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway.",
		Long: `Run the HTTP gateway until SIGINT or SIGTERM.

SIGHUP re-reads SIGNING_KEY and SIGNING_KEY_GENERATION from the env file.
If the key changed it becomes current under that generation, which must be
higher than the running one. Tokens signed with the previous key stay valid
for SIGNING_KEY_GRACE. Put the replaced key in SIGNING_KEY_PREVIOUS so a
restart inside the grace window keeps honoring it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			deps, err := app.NewDependencies(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to initialize dependencies", zap.Error(err))
				return err
			}
			defer deps.Close(context.Background())

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return runServer(ctx, deps, ln, hup, reloadSigningKey)
		},
	}
}

// signingKey is a key together with the generation recorded for it
type signingKey struct {
	secret     []byte
	generation uint32
}

// keySource returns the signing key currently configured
type keySource func() (signingKey, error)

// reloadSigningKey re-reads the env file over the process environment
func reloadSigningKey() (signingKey, error) {
	_ = godotenv.Overload(envFile)
	cfg := config.Load()
	secret, err := cfg.Auth.SigningKeyBytes()
	if err != nil {
		return signingKey{}, err
	}
	if cfg.Auth.SigningKeyGeneration < 1 {
		return signingKey{}, errors.New("SIGNING_KEY_GENERATION must be positive")
	}
	return signingKey{secret: secret, generation: uint32(cfg.Auth.SigningKeyGeneration)}, nil
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}

// runServer serves on ln until ctx is done, then drains in-flight requests
// for at most the configured shutdown timeout. Each value on hup triggers a
// key reload.
func runServer(ctx context.Context, deps *app.Dependencies, ln net.Listener, hup <-chan os.Signal, keys keySource) error {
	cfg := deps.Config
	logger := deps.Logger
	srv := newHTTPServer(cfg, routes.SetupRoutes(deps))

	// Open streams end as soon as shutdown starts instead of holding it up
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.RegisterOnShutdown(cancelStreams)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ServeTLS(ln, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	logger.Info("api-gateway listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("environment", cfg.Environment),
		zap.Bool("tls", cfg.Server.TLS.Enabled))

	var current []byte
	if key, err := cfg.Auth.SigningKeyBytes(); err == nil {
		current = key
	}

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case <-hup:
			key, err := keys()
			if err != nil {
				logger.Error("signing key reload failed", zap.Error(err))
				continue
			}
			if string(key.secret) == string(current) {
				logger.Info("signing key unchanged")
				continue
			}
			// The generation comes from the env file so a restart signs and
			// verifies under the same kid
			if err := deps.RotateSigningKey(key.secret, key.generation); err != nil {
				logger.Error("signing key rotation failed, raise SIGNING_KEY_GENERATION with the new key",
					zap.Uint32("running_generation", deps.Tokens.Generation()),
					zap.Uint32("configured_generation", key.generation),
					zap.Error(err))
				continue
			}
			current = key.secret

		case <-ctx.Done():
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("forcing remaining connections closed", zap.Error(err))
				_ = srv.Close()
			}
			return nil
		}
	}
}
