// Command esia-demo is a minimal web application that signs users in
// through ESIA and shows the identity the provider returned.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-esia/pkg/correlation"
	"github.com/jeremyhahn/go-esia/pkg/esia"
	"github.com/jeremyhahn/go-esia/pkg/metrics"
)

// Version is set by the build process
var Version = "dev"

func main() {
	// A missing .env file is not an error
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("esia", &cfg); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recorder := metrics.Init(cfg.MetricsEnabled)

	signer, err := newSigner(ctx, cfg, logger, recorder)
	if err != nil {
		log.Fatalf("Error creating signer: %v", err)
	}
	verifier, err := newVerifier(ctx, cfg, logger, recorder)
	if err != nil {
		log.Fatalf("Error creating verifier: %v", err)
	}

	client, err := esia.NewClient(&esia.Config{
		ClientID:    cfg.ClientID,
		Scopes:      cfg.Scopes,
		Endpoint:    endpoint(cfg.Environment),
		CallbackURL: strings.TrimRight(cfg.BaseURL, "/") + cfg.CallbackPath,
		AccessType:  esia.AccessType(cfg.AccessType),
		Signer:      signer,
		Verifier:    verifier,
		Timeout:     cfg.Timeout,
	}, esia.WithLogger(logger), esia.WithRecorder(recorder))
	if err != nil {
		log.Fatalf("Error creating ESIA client: %v", err)
	}

	key, err := stateKey(cfg.StateKey, logger)
	if err != nil {
		log.Fatalf("Error loading state key: %v", err)
	}

	var (
		store       correlation.Store
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Error parsing Redis URL: %v", err)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Error connecting to Redis: %v", err)
		}
		store = correlation.NewRedisStore(redisClient, "esia:correlation:")
	} else {
		mem := correlation.NewMemoryStore(time.Minute)
		defer mem.Close()
		store = mem
	}

	srv, err := newServer(cfg, logger, client, key, store, recorder)
	if err != nil {
		log.Fatalf("Error creating server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("server listening", "port", cfg.Port, "callback", client.Config().CallbackURL)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("Error starting server: %v", err)

	case <-shutdown:
		logger.Info("starting shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutting down server", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("closing server", "error", err)
			}
		}

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Error("closing Redis connection", "error", err)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func endpoint(env string) oauth2.Endpoint {
	if strings.EqualFold(env, "production") {
		return esia.Production()
	}
	return esia.Testing()
}

// stateKey decodes a base64 key or generates one. Generated keys do not
// survive a restart, so pending sign-ins and sessions are lost.
func stateKey(encoded string, logger *slog.Logger) ([]byte, error) {
	if encoded == "" {
		logger.Warn("STATE_KEY not set, generating an ephemeral key")
		return correlation.GenerateKey()
	}
	return base64.StdEncoding.DecodeString(encoded)
}
