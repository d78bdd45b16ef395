package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/chatstack/chatstack-auth/internal/auth"
	"github.com/chatstack/chatstack-auth/internal/config"
	"github.com/chatstack/chatstack-auth/internal/jwt"
	"github.com/chatstack/chatstack-auth/internal/logging"
	"github.com/chatstack/chatstack-auth/internal/proxy"
	"github.com/chatstack/chatstack-auth/internal/ratelimit"
	"github.com/chatstack/chatstack-auth/internal/server"
	"github.com/chatstack/chatstack-auth/internal/session"
	"github.com/chatstack/chatstack-auth/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.NewJSON(os.Stdout, cfg.LogLevel).With("service", "chatstack-auth")

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, store.WithTTL(cfg.StateTTL))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	secret, err := signingSecret(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tokens, err := jwt.NewManager(secret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("init jwt manager: %w", err)
	}

	authService, err := auth.NewService(ctx, cfg, st, tokens, logger)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	if cfg.InsecureSkipIDTokenVerify {
		logger.Warn(ctx, "INSECURE_SKIP_ID_TOKEN_VERIFY is set: ID token signatures are NOT checked")
	}

	cookies := session.NewCookieManager(cfg.CookieName, cfg.CookieDomain, cfg.IsProduction(), cfg.SessionTTL)
	guard := session.NewGuard(cookies, tokens)

	var chat http.Handler
	if cfg.ChatBackendURL != "" {
		target, err := url.Parse(cfg.ChatBackendURL)
		if err != nil {
			return fmt.Errorf("parse chat backend url: %w", err)
		}
		chat = proxy.New(target, guard, logger.With("component", "proxy"))
	}

	srv := server.New(server.Deps{
		Auth:        authService,
		Cookies:     cookies,
		Guard:       guard,
		Limiter:     ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		Log:         logger,
		FrontendURL: cfg.FrontendURL,
		Chat:        chat,
	})
	httpServer := srv.HTTPServer(cfg.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "auth gateway listening",
			"addr", cfg.Addr,
			"environment", cfg.Environment,
			"store", cfg.DatabaseDriver,
			"chat_backend", cfg.ChatBackendURL,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// signingSecret returns JWT_SECRET. Outside production a missing secret is
// replaced by a random one, which invalidates every session on restart.
func signingSecret(ctx context.Context, cfg config.Config, logger logging.Logger) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if cfg.IsProduction() {
		return "", errors.New("JWT_SECRET is required in production")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	logger.Warn(ctx, "JWT_SECRET is not set; using an ephemeral signing secret, sessions will not survive a restart")
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
