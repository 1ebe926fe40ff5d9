// channelctl connects to a trading backend's message channel, subscribes to
// the configured topics, and streams inbound envelopes to the console.
//
// Usage: go run ./cmd/channelctl --config configs/channel.yaml --topics market,prices
//
// Without a config file the channel is configured from the environment:
//
//	WS_URL                    - path (/ws) or absolute ws:// / wss:// address
//	WS_ORIGIN                 - origin path URLs resolve against
//	WS_RECONNECT_INTERVAL     - base reconnect delay in milliseconds
//	WS_MAX_RECONNECT_ATTEMPTS - attempts before giving up
//	WS_SUBSCRIPTION_ID        - sent as X-Subscription-Id on the handshake
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/trade-channel/internal/channel"
	"github.com/rickgao/trade-channel/internal/config"
	"github.com/rickgao/trade-channel/internal/connection"
	"github.com/rickgao/trade-channel/internal/database"
	"github.com/rickgao/trade-channel/internal/envelope"
	"github.com/rickgao/trade-channel/internal/recorder"
	"github.com/rickgao/trade-channel/internal/router"
	"github.com/rickgao/trade-channel/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	envFile := flag.String("env", ".env", "path to .env file")
	topics := flag.String("topics", "", "comma-separated topics, overrides config")
	networks := flag.String("networks", "", "comma-separated network scope, overrides config")
	healthAddr := flag.String("health", "", "health server address, e.g. :8080 (empty disables)")
	statsEvery := flag.Duration("stats", 10*time.Second, "stats log interval")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	if err := run(options{
		configPath: *configPath,
		envFile:    *envFile,
		topics:     splitList(*topics),
		networks:   splitList(*networks),
		healthAddr: *healthAddr,
		statsEvery: *statsEvery,
		verbose:    *verbose,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "channelctl:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	topics     []string
	networks   []string
	healthAddr string
	statsEvery time.Duration
	verbose    bool
}

func run(opts options) error {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadAndValidate(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(opts.topics) > 0 {
		cfg.Subscription.Topics = opts.topics
	}
	if len(opts.networks) > 0 {
		cfg.Subscription.Networks = opts.networks
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting channelctl",
		"version", version.Version,
		"commit", version.Commit,
		"endpoint", cfg.Endpoint.URL,
		"origin", cfg.Endpoint.Origin,
		"subscription_id", cfg.Subscription.ID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Channel
	mgr, err := connection.NewManager(managerConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}
	ch, err := channel.New(mgr, logger)
	if err != nil {
		mgr.Dispose()
		return fmt.Errorf("create channel: %w", err)
	}

	// Router
	rtr := router.New(routerConfig(cfg), logger)
	rtr.HandleUnknown(printer("MSG", opts.verbose))
	rtr.HandleMalformed(printer("RAW", opts.verbose))

	// Optional recorder
	deps := healthDeps{channel: ch, router: rtr}
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		db := cfg.Recorder.Database
		logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err := database.Connect(ctx, db)
		if err != nil {
			ch.Dispose()
			return fmt.Errorf("connect recorder database: %w", err)
		}
		defer pool.Close()

		rec = recorder.New(recorderConfig(cfg), pool, logger)
		if err := rec.EnsureSchema(ctx); err != nil {
			ch.Dispose()
			return fmt.Errorf("ensure recorder schema: %w", err)
		}
		rtr.Tap(rec.Record)
		if err := rec.Start(ctx); err != nil {
			ch.Dispose()
			return fmt.Errorf("start recorder: %w", err)
		}
		deps.recorder = rec
		deps.db = pool
	}

	if err := rtr.Start(ctx); err != nil {
		ch.Dispose()
		return fmt.Errorf("start router: %w", err)
	}

	// Channel listeners
	ch.OnMessage(func(in envelope.Inbound) {
		if !rtr.Publish(in) {
			logger.Debug("router stopped, message dropped", "type", in.Type)
		}
	})
	ch.OnOpen(func() {
		logger.Info("channel open", "subscriptions", ch.Stats().Subscriptions)
	})
	ch.OnClose(func(ev connection.CloseEvent) {
		logger.Info("channel closed", "reason", ev.Reason, "code", ev.Code)
	})
	ch.OnReconnectScheduled(func(ev connection.ReconnectEvent) {
		logger.Info("reconnect scheduled", "attempt", ev.Attempt, "delay", ev.Delay)
	})
	ch.OnError(func(err error) {
		if errors.Is(err, connection.ErrReconnectExhausted) {
			logger.Error("reconnection gave up, send SIGHUP to retry", "error", err)
			return
		}
		logger.Warn("channel error", "error", err)
	})

	if len(cfg.Subscription.Topics) > 0 {
		if err := ch.Subscribe(cfg.Subscription.Topics, cfg.Subscription.Networks); err != nil {
			ch.Dispose()
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	ch.Connect()

	g, gctx := errgroup.WithContext(ctx)

	// SIGHUP resets the reconnect counter
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("manual reconnect requested")
				ch.Reconnect()
			}
		}
	})

	// Stats printer
	g.Go(func() error {
		if opts.statsEvery <= 0 {
			return nil
		}
		ticker := time.NewTicker(opts.statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStats(logger, ch, rtr, rec)
			}
		}
	})

	if opts.healthAddr != "" {
		srv := &http.Server{
			Addr:    opts.healthAddr,
			Handler: createHealthHandler(deps, logger),
		}
		g.Go(func() error {
			logger.Info("starting health server", "addr", opts.healthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-gctx.Done()
	cancel()
	runErr := g.Wait()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	ch.Dispose()
	select {
	case <-ch.Done():
	case <-shutdownCtx.Done():
		logger.Warn("channel did not stop in time")
	}
	if err := rtr.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop", "error", err)
	}
	if rec != nil {
		rec.Stop(shutdownCtx)
	}
	logStats(logger, ch, rtr, rec)

	logger.Info("shutdown complete")
	return runErr
}

func logStats(logger *slog.Logger, ch *channel.Channel, rtr *router.Router, rec *recorder.Recorder) {
	cs := ch.Stats()
	rs := rtr.Stats()
	attrs := []any{
		"state", cs.Connection.State,
		"attempts", cs.Connection.Attempts,
		"opens", cs.Connection.Opens,
		"received", cs.Connection.MessagesReceived,
		"sent", cs.Connection.MessagesSent,
		"subscriptions", cs.Subscriptions,
		"replays", cs.Replays,
		"malformed", cs.MessagesMalformed,
		"router_routed", rs.MessagesRouted,
		"router_queued", rs.Queue.Len,
	}
	if rec != nil {
		m := rec.Stats()
		attrs = append(attrs, "recorded", m.Inserts, "record_errors", m.Errors, "record_dropped", m.Dropped)
	}
	logger.Info("stats", attrs...)
}

// printer returns a router handler writing envelopes to stdout.
func printer(label string, verbose bool) router.Handler {
	return func(in envelope.Inbound) {
		ts := in.ReceivedAt.Format(time.RFC3339Nano)
		switch {
		case in.Malformed:
			fmt.Printf("[%s] %s %q\n", label, ts, in.Raw)
		case verbose:
			data, _ := json.MarshalIndent(in.Data, "", "  ")
			fmt.Printf("[%s] %s type=%s\n%s\n", label, ts, in.Type, data)
		default:
			fmt.Printf("[%s] %s type=%s size=%d\n", label, ts, in.Type, len(in.Raw))
		}
	}
}
