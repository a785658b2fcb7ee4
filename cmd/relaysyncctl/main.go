package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/syncclient"
)

type options struct {
	baseURL         string
	token           string
	workspaceID     string
	accountID       string
	intervalMinutes int
	syncType        relaysync.SyncType
	limit           int
	interval        time.Duration
	intervalJitter  float64
	timeout         time.Duration
}

type controlClient interface {
	Enable(ctx context.Context, workspaceID, accountID string, intervalMinutes int, syncType relaysync.SyncType) (relaysync.SyncSchedule, error)
	Disable(ctx context.Context, workspaceID, accountID string) error
	Trigger(ctx context.Context, workspaceID, accountID string, syncType relaysync.SyncType) (relaysync.SyncOutcome, error)
	Status(ctx context.Context, workspaceID, accountID string, limit int) (relaysync.ScheduleStatus, error)
	History(ctx context.Context, workspaceID string, limit int) (syncclient.History, error)
	Backends(ctx context.Context) (relaysync.BackendStatus, error)
}

var errUsage = errors.New("usage: relaysyncctl [flags] enable|disable|trigger|status|history|backends|watch")

func main() {
	_ = godotenv.Load()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	opts, command, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid arguments")
	}
	client := syncclient.New(opts.baseURL, opts.token, &http.Client{Timeout: opts.timeout})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := execute(ctx, client, opts, command, os.Stdout); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("command failed")
	}
}

func parseArgs(args []string) (options, string, error) {
	fs := flag.NewFlagSet("relaysyncctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts options
	var syncType string
	fs.StringVar(&opts.baseURL, "base-url", envOrDefault("RELAYSYNC_BASE_URL", "http://127.0.0.1:8080"), "relaysync base URL")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYSYNC_TOKEN")), "bearer token")
	fs.StringVar(&opts.workspaceID, "workspace", strings.TrimSpace(os.Getenv("RELAYSYNC_WORKSPACE")), "workspace ID")
	fs.StringVar(&opts.accountID, "account", strings.TrimSpace(os.Getenv("RELAYSYNC_ACCOUNT")), "account ID")
	fs.IntVar(&opts.intervalMinutes, "interval-minutes", intEnv("RELAYSYNC_INTERVAL_MINUTES", 0), "schedule interval in minutes (0 uses the adaptive interval)")
	fs.StringVar(&syncType, "sync-type", envOrDefault("RELAYSYNC_SYNC_TYPE", string(relaysync.SyncBoth)), "contacts|messages|both")
	fs.IntVar(&opts.limit, "limit", relaysync.DefaultHistoryLimit, "history entries to return")
	fs.DurationVar(&opts.interval, "interval", durationEnv("RELAYSYNC_WATCH_INTERVAL", 10*time.Second), "watch poll interval")
	fs.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("RELAYSYNC_WATCH_INTERVAL_JITTER", 0.2), "watch interval jitter ratio (0.0-1.0)")
	fs.DurationVar(&opts.timeout, "timeout", durationEnv("RELAYSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, "", err
	}
	if fs.NArg() != 1 {
		return options{}, "", errUsage
	}
	command := strings.ToLower(strings.TrimSpace(fs.Arg(0)))

	parsedType, err := relaysync.ParseSyncType(syncType)
	if err != nil {
		return options{}, "", err
	}
	opts.syncType = parsedType
	if strings.TrimSpace(opts.token) == "" {
		return options{}, "", fmt.Errorf("token is required (--token or RELAYSYNC_TOKEN)")
	}
	if command != "backends" && strings.TrimSpace(opts.workspaceID) == "" {
		return options{}, "", fmt.Errorf("workspace is required (--workspace or RELAYSYNC_WORKSPACE)")
	}
	switch command {
	case "enable", "disable", "trigger", "status", "watch":
		if strings.TrimSpace(opts.accountID) == "" {
			return options{}, "", fmt.Errorf("account is required for %s (--account or RELAYSYNC_ACCOUNT)", command)
		}
	case "history", "backends":
	default:
		return options{}, "", errUsage
	}
	if opts.interval <= 0 {
		opts.interval = 10 * time.Second
	}
	if opts.timeout <= 0 {
		opts.timeout = 15 * time.Second
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)
	return opts, command, nil
}

func execute(ctx context.Context, client controlClient, opts options, command string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	call := func(fn func(context.Context) (any, error)) error {
		reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		value, err := fn(reqCtx)
		if err != nil {
			return err
		}
		return enc.Encode(value)
	}

	switch command {
	case "enable":
		return call(func(ctx context.Context) (any, error) {
			return client.Enable(ctx, opts.workspaceID, opts.accountID, opts.intervalMinutes, opts.syncType)
		})
	case "disable":
		return call(func(ctx context.Context) (any, error) {
			if err := client.Disable(ctx, opts.workspaceID, opts.accountID); err != nil {
				return nil, err
			}
			return map[string]any{"workspaceId": opts.workspaceID, "accountId": opts.accountID, "enabled": false}, nil
		})
	case "trigger":
		return call(func(ctx context.Context) (any, error) {
			return client.Trigger(ctx, opts.workspaceID, opts.accountID, opts.syncType)
		})
	case "status":
		return call(func(ctx context.Context) (any, error) {
			return client.Status(ctx, opts.workspaceID, opts.accountID, opts.limit)
		})
	case "history":
		return call(func(ctx context.Context) (any, error) {
			return client.History(ctx, opts.workspaceID, opts.limit)
		})
	case "backends":
		return call(func(ctx context.Context) (any, error) {
			return client.Backends(ctx)
		})
	case "watch":
		return watch(ctx, opts, func() {
			err := call(func(ctx context.Context) (any, error) {
				return client.Status(ctx, opts.workspaceID, opts.accountID, opts.limit)
			})
			if err != nil {
				log.Warn().Err(err).Str("workspace", opts.workspaceID).Str("account", opts.accountID).Msg("status poll failed")
			}
		})
	default:
		return errUsage
	}
}

func watch(ctx context.Context, opts options, poll func()) error {
	poll()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Err(ctx.Err()).Msg("watch stopping")
			return nil
		case <-timer.C:
			poll()
			timer.Reset(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
		}
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid float env, using fallback")
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
