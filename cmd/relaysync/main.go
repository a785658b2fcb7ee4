package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/provider"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/statusfeed"
)

func main() {
	// Variables already present in the environment take precedence.
	_ = godotenv.Load()
	initLogger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("relaysync exited")
	}
}

func run() error {
	store, queue, err := buildStorageBackendsFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize storage backends: %w", err)
	}
	remote, err := buildProviderFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize remote provider: %w", err)
	}
	window, err := peakWindowFromEnv()
	if err != nil {
		return fmt.Errorf("invalid peak window: %w", err)
	}
	itemSchema, err := itemSchemaFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	hub := statusfeed.NewHub(intEnv("RELAYSYNC_STREAM_BUFFER", 0), log.Logger.With().Str("component", "statusfeed").Logger())
	sinks := relaysync.MultiSink{hub}
	var rabbit *statusfeed.RabbitPublisher
	if rabbitURL := strings.TrimSpace(os.Getenv("RABBITMQ_URL")); rabbitURL != "" {
		rabbit, err = statusfeed.NewRabbitPublisher(rabbitURL, envOrDefault("RABBITMQ_QUEUE", statusfeed.DefaultRabbitQueue), log.Logger.With().Str("component", "rabbitmq").Logger())
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		defer rabbit.Close()
		sinks = append(sinks, rabbit)
	}

	governor := relaysync.NewPeakGovernor(window)
	engine, err := relaysync.NewEngine(relaysync.EngineOptions{
		Store:          store,
		Queue:          queue,
		Remote:         remote,
		Sink:           sinks,
		Governor:       governor,
		Logger:         log.Logger.With().Str("component", "engine").Logger(),
		Workers:        intEnv("RELAYSYNC_WORKERS", 0),
		JobQueueSize:   intEnv("RELAYSYNC_JOB_QUEUE_SIZE", 0),
		JobTimeout:     durationEnv("RELAYSYNC_JOB_TIMEOUT", 0),
		MetricsTTL:     metricsTTLFromEnv(),
		ItemSchema:     itemSchema,
		BackendProfile: strings.TrimSpace(os.Getenv("RELAYSYNC_BACKEND_PROFILE")),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sync engine: %w", err)
	}
	defer engine.Stop()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}

	if peakFile := strings.TrimSpace(os.Getenv("RELAYSYNC_PEAK_CONFIG_FILE")); peakFile != "" {
		go func() {
			watchLogger := log.Logger.With().Str("component", "peak-config").Logger()
			if err := relaysync.WatchPeakConfig(ctx, peakFile, governor, watchLogger); err != nil {
				watchLogger.Error().Err(err).Str("path", peakFile).Msg("peak config watcher stopped")
			}
		}()
	}

	handler := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:            os.Getenv("RELAYSYNC_JWT_SECRET"),
		RateLimitMax:         intEnv("RELAYSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:      durationEnv("RELAYSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:         int64Env("RELAYSYNC_MAX_BODY_BYTES", 0),
		Streamer:             hub,
		StreamOriginPatterns: splitList(os.Getenv("RELAYSYNC_STREAM_ORIGINS")),
		Logger:               log.Logger.With().Str("component", "httpapi").Logger(),
	})
	addr := envOrDefault("RELAYSYNC_ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("relaysync listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYSYNC_SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

func initLogger() {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "json") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer env, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration env, using fallback")
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean env, using fallback")
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// metricsTTLFromEnv maps an explicit zero to a disabled cache; unset keeps
// the engine default.
func metricsTTLFromEnv() time.Duration {
	if strings.TrimSpace(os.Getenv("RELAYSYNC_METRICS_TTL")) == "" {
		return 0
	}
	ttl := durationEnv("RELAYSYNC_METRICS_TTL", 0)
	if ttl <= 0 {
		return -1
	}
	return ttl
}

func itemSchemaFromEnv() (string, error) {
	path := strings.TrimSpace(os.Getenv("RELAYSYNC_ITEM_SCHEMA_FILE"))
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read item schema %s: %w", path, err)
	}
	return string(data), nil
}

func buildProviderFromEnv() (*provider.HTTPProvider, error) {
	baseURL := strings.TrimSpace(os.Getenv("RELAYSYNC_PROVIDER_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("RELAYSYNC_PROVIDER_URL is required")
	}
	return provider.New(provider.Options{
		BaseURL:       baseURL,
		TokenProvider: provider.StaticToken(strings.TrimSpace(os.Getenv("RELAYSYNC_PROVIDER_TOKEN"))),
		Timeout:       durationEnv("RELAYSYNC_PROVIDER_TIMEOUT", 20*time.Second),
		MaxRetries:    intEnv("RELAYSYNC_PROVIDER_MAX_RETRIES", 0),
		Logger:        log.Logger.With().Str("component", "provider").Logger(),
	})
}

func peakWindowFromEnv() (relaysync.PeakWindow, error) {
	window := relaysync.DefaultPeakWindow()
	window.StartHour = intEnv("RELAYSYNC_PEAK_START_HOUR", window.StartHour)
	window.EndHour = intEnv("RELAYSYNC_PEAK_END_HOUR", window.EndHour)
	window.Deferral = durationEnv("RELAYSYNC_PEAK_DEFERRAL", window.Deferral)
	window.Disabled = boolEnv("RELAYSYNC_PEAK_DISABLED", false)
	if tz := strings.TrimSpace(os.Getenv("RELAYSYNC_PEAK_TIMEZONE")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return relaysync.PeakWindow{}, fmt.Errorf("RELAYSYNC_PEAK_TIMEZONE=%q: %w", tz, err)
		}
		window.Location = loc
	}
	if err := window.Validate(); err != nil {
		return relaysync.PeakWindow{}, err
	}
	return window, nil
}

func buildStorageBackendsFromEnv() (relaysync.BackingStore, relaysync.JobQueue, error) {
	profileStoreDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	storeDSN := envOrDefault("RELAYSYNC_STORE_DSN", profileStoreDSN)
	queueDSN := envOrDefault("RELAYSYNC_JOB_QUEUE_DSN", profileQueueDSN)

	store, err := relaysync.BuildBackingStoreFromDSN(storeDSN)
	if err != nil {
		return nil, nil, err
	}
	queue, err := relaysync.BuildJobQueueFromDSN(queueDSN, intEnv("RELAYSYNC_JOB_QUEUE_SIZE", 0))
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("store", relaysync.BackendKind(store)).
		Str("queue", relaysync.BackendKind(queue)).
		Msg("storage backends ready")
	return store, queue, nil
}

func storageProfileDefaultsFromEnv() (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYSYNC_BACKEND_PROFILE")))
	dataDir := envOrDefault("RELAYSYNC_DATA_DIR", ".relaysync")
	if abs, absErr := filepath.Abs(dataDir); absErr == nil {
		dataDir = abs
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("RELAYSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("RELAYSYNC_PRODUCTION_DSN or RELAYSYNC_POSTGRES_DSN is required when RELAYSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "job-queue.json"),
			nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "relaysync.db"),
			"file://" + filepath.Join(dataDir, "job-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYSYNC_BACKEND_PROFILE: %s", profile)
	}
}
