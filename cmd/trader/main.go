// Command trader runs one structured strategy request through the core:
// startup reconciliation, fetch, normalize, evaluate, and (when requested)
// execution. The request arrives as JSON on stdin or via -request.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intent-trader/config"
	"intent-trader/internal/backend"
	"intent-trader/internal/events"
	"intent-trader/internal/execution"
	"intent-trader/internal/feed"
	"intent-trader/internal/indicator"
	"intent-trader/internal/ledger"
	"intent-trader/internal/logger"
	"intent-trader/internal/metrics"
	"intent-trader/internal/model"
	"intent-trader/internal/normalizer"
	"intent-trader/internal/ringbuf"
	"intent-trader/internal/service"
	redisstore "intent-trader/internal/store/redis"

	"github.com/shopspring/decimal"
)

func main() {
	requestPath := flag.String("request", "", "path to request JSON, - or empty for stdin")
	watchMode := flag.Bool("watch", false, "stay connected to the live feed and re-evaluate on every closed bar")
	flag.Parse()

	cfg := config.Load()
	logger.Init("trader", parseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, *requestPath, *watchMode); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, requestPath string, watch bool) error {
	m := metrics.New()
	health := metrics.NewHealthStatus()
	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
		defer stop()
		msrv.Stop(stopCtx)
	}()

	led, err := ledger.Open(ledger.Config{DBPath: cfg.LedgerPath})
	if err != nil {
		return err
	}
	defer led.Close()
	health.CheckLedger(ctx, led.DB())

	var store *redisstore.BufferedStore
	var redisClient interface{ Close() error }
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			// Redis is a cache; run degraded without it.
			slog.Warn("redis unavailable, running without bar cache", "err", err)
		} else {
			redisClient = rs
			cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				m.RedisBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					m.RedisBreakerTrips.Inc()
				}
			}
			store = redisstore.NewBufferedStore(ctx, rs, cb, 0)
			store.OnBuffer = m.RedisBufferedWrites.Inc
			health.StartLivenessChecker(ctx, rs.Client(), led.DB(), 15*time.Second)
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	if store == nil {
		health.StartLivenessChecker(ctx, nil, led.DB(), 15*time.Second)
	}

	client, hours, err := buildClient(cfg)
	if err != nil {
		return err
	}

	sinks := []events.Sink{events.NewLogSink()}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.WebhookURL))
	}

	equity, err := decimal.NewFromString(cfg.Equity)
	if err != nil {
		return fmt.Errorf("config EQUITY: %w", err)
	}
	risk := execution.DefaultRiskLimits(equity)
	if risk.MaxPositionFraction, err = decimal.NewFromString(cfg.MaxPositionFraction); err != nil {
		return fmt.Errorf("config MAX_POSITION_FRACTION: %w", err)
	}
	if risk.MinNotional, err = decimal.NewFromString(cfg.MinNotional); err != nil {
		return fmt.Errorf("config MIN_NOTIONAL: %w", err)
	}

	exec := execution.New([]model.ExecutionClient{client}, led, m, sinks, execution.Config{
		Account: cfg.Account,
		Retry: execution.RetryConfig{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Budget:     cfg.RetryBudget,
		},
		PollInterval: cfg.PollInterval,
		PollBudget:   cfg.PollBudget,
		Risk:         risk,
		Hours:        hours,
	})

	// Orders left non-terminal by a previous run must settle before the
	// core accepts new work.
	if err := exec.Reconcile(ctx); err != nil {
		return err
	}

	provider := feed.NewRESTProvider(feed.RESTConfig{
		Source:  cfg.FeedSource,
		BaseURL: cfg.FeedBaseURL,
	})
	svc := service.New(provider,
		map[string]normalizer.Schema{cfg.FeedSource: normalizer.DefaultSchema()},
		indicator.NewEngine(), exec, store, m)

	req, err := readRequest(requestPath, cfg)
	if err != nil {
		return err
	}

	if watch {
		ring := ringbuf.New(4096)
		stream := feed.NewStream(feed.StreamConfig{
			Source:      cfg.FeedSource,
			URL:         cfg.FeedWSURL,
			Instruments: req.Instruments,
			Timeframe:   req.Timeframe,
		})
		stream.OnReconnect = func() { m.FeedReconnects.Inc() }
		stream.OnDrop = func() { m.RingBufDrops.Inc() }
		go stream.Run(ctx, ring)
		health.SetFeedConnected(true)

		if err := svc.Watch(ctx, req, ring); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	health.SetFeedConnected(true) // no live feed in one-shot mode

	resp, err := svc.HandleRequest(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func buildClient(cfg *config.Config) (model.ExecutionClient, backend.TradingHours, error) {
	switch cfg.Backend {
	case "paper":
		return backend.NewPaperClient(5, 3), backend.Always, nil
	case "exchange":
		return backend.NewExchangeClient(backend.ExchangeConfig{
			Name:      cfg.ExchangeName,
			BaseURL:   cfg.ExchangeBaseURL,
			APIKey:    cfg.ExchangeAPIKey,
			APISecret: cfg.ExchangeSecret,
		}), backend.Always, nil
	case "broker":
		return backend.NewBrokerClient(backend.BrokerConfig{
			Name:       "broker",
			BaseURL:    cfg.BrokerBaseURL,
			APIKey:     cfg.BrokerAPIKey,
			ClientCode: cfg.BrokerClientCode,
			Password:   cfg.BrokerPassword,
			TOTPSecret: cfg.BrokerTOTPSecret,
		}), backend.NSE, nil
	default:
		return nil, backend.TradingHours{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func readRequest(path string, cfg *config.Config) (model.StrategyRequest, error) {
	var req model.StrategyRequest

	in := os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return req, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		in = f
	}

	dec := json.NewDecoder(in)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if req.Backend == "" {
		req.Backend = cfg.Backend
	}
	if req.Timeframe == "" {
		req.Timeframe = cfg.Timeframe
	}
	if len(req.Instruments) == 0 {
		req.Instruments = cfg.ParseInstruments()
	}
	return req, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
