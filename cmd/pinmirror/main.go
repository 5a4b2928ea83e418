package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hako/durafmt"

	"github.com/pinmirror/pinmirror/internal/api"
	"github.com/pinmirror/pinmirror/internal/auth"
	"github.com/pinmirror/pinmirror/internal/bus"
	"github.com/pinmirror/pinmirror/internal/config"
	"github.com/pinmirror/pinmirror/internal/metrics"
	"github.com/pinmirror/pinmirror/internal/notify"
	"github.com/pinmirror/pinmirror/internal/refresh"
	"github.com/pinmirror/pinmirror/internal/session"
	"github.com/pinmirror/pinmirror/internal/snapshot"
	"github.com/pinmirror/pinmirror/internal/upstream"
	"github.com/pinmirror/pinmirror/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file; empty uses defaults plus environment")
	envFile := flag.String("env-file", ".env", "optional dotenv file exported before config is read")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("pinmirror starting", "config", *configPath)

	if loaded, err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "path", *envFile, "err", err)
		os.Exit(1)
	} else if loaded {
		slog.Info("env file loaded", "path", *envFile)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"refresh_interval", durafmt.Parse(cfg.Refresh.Interval).String(),
		"workers", cfg.Refresh.Workers,
		"country", cfg.Location.Country,
		"webhooks", len(cfg.Notify.Webhooks),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.New()

	username, password := cfg.Upstream.Credentials()
	sess := session.New(session.Config{
		LoginURL:    cfg.Upstream.LoginURL,
		TokenCookie: cfg.Upstream.TokenCookie,
		Username:    username,
		Password:    password,
		Timeout:     cfg.Upstream.RequestTimeout,
	}, reg)

	client, err := upstream.New(upstream.Options{
		CMSBase: cfg.Upstream.CMSBase,
		APIBase: cfg.Upstream.APIBase,
		Origin:  origin(cfg.Upstream.LoginURL),
		Location: upstream.Location{
			Country:   cfg.Location.Country,
			State:     cfg.Location.State,
			StateName: cfg.Location.StateName,
			Continent: cfg.Location.Continent,
		},
		Timeout: cfg.Upstream.RequestTimeout,
		Workers: cfg.Refresh.Workers,
	}, sess, reg)
	if err != nil {
		slog.Error("failed to build upstream client", "err", err)
		os.Exit(1)
	}

	st := snapshot.New()
	changes := bus.New(reg)

	// Subscribers register before the first cycle so none misses it.
	hub := ws.New(st, changes)
	go hub.Run(ctx)

	notifier := notify.New(cfg.Notify)
	changes.Subscribe(notifier.Handle)
	go notifier.Run(ctx)

	svc := refresh.New(client, st, changes, reg, refresh.Options{
		Interval: cfg.Refresh.Interval,
		Workers:  cfg.Refresh.Workers,
	})
	go svc.Run(ctx)

	if *configPath != "" {
		go func() {
			if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
				svc.SetInterval(updated.Refresh.Interval)
			}); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	secured := auth.APIKey(cfg.Server.Auth.Mode, cfg.Server.Auth.EffectiveHeader(), cfg.Server.Auth.Key())

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", secured(api.New(st, svc)))
	httpMux.Handle("/ws/stream", secured(hub))
	httpMux.Handle("/metrics", reg)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("pinmirror shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}

// loadConfig reads path, or builds the config from defaults and the
// environment alone when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

// origin returns the scheme and host of the login URL, which the upstream
// expects as Origin and Referer.
func origin(loginURL string) string {
	u, err := url.Parse(loginURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
