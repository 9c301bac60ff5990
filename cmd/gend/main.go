package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gend/internal/backend"
	"gend/internal/claim"
	"gend/internal/common/fsutil"
	"gend/internal/config"
	"gend/internal/daemon"
	"gend/internal/generate"
	"gend/internal/httpapi"
	"gend/internal/pool"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Flags with environment variable defaults
	addr := flag.String("addr", envOr("GEND_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	configPath := flag.String("config", envOr("GEND_CONFIG", ""), "Optional config file (.yaml/.json/.toml)")
	statePath := flag.String("state-path", envOr("GEND_STATE", "~/.gend/pool.json"), "Where to persist the backend pool")
	matchIntervalMS := flag.Int("match-interval-ms", 100, "Backend matching loop interval in milliseconds")
	maxWaitSeconds := flag.Int("max-wait-seconds", 60, "Default wait for an available backend in seconds")
	sessionIdleMinutes := flag.Int("session-idle-minutes", 30, "Evict claim-free sessions idle for this long")
	jobTimeoutSeconds := flag.Int("job-timeout-seconds", 600, "Per-job completion timeout in seconds")
	logLevel := flag.String("log-level", envOr("GEND_LOG_LEVEL", "info"), "Log level: trace, debug, info, warn, error")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(lvl)
	}

	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
	}
	// File values win over flag defaults for the knobs it sets.
	if cfg.Addr != "" {
		*addr = cfg.Addr
	}
	if cfg.StatePath != "" {
		*statePath = cfg.StatePath
	}
	if cfg.MatchIntervalMS > 0 {
		*matchIntervalMS = cfg.MatchIntervalMS
	}
	if cfg.MaxWaitSeconds > 0 {
		*maxWaitSeconds = cfg.MaxWaitSeconds
	}
	if cfg.SessionIdleMinutes > 0 {
		*sessionIdleMinutes = cfg.SessionIdleMinutes
	}
	if cfg.JobTimeoutSeconds > 0 {
		*jobTimeoutSeconds = cfg.JobTimeoutSeconds
	}
	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			log = log.Level(lvl)
		}
	}

	resolvedState, err := fsutil.ExpandHome(*statePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve state path")
	}
	if dir := filepath.Dir(resolvedState); !fsutil.PathExists(dir) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create state directory")
		}
	}

	orch := pool.New(pool.Config{
		MatchInterval:  time.Duration(*matchIntervalMS) * time.Millisecond,
		DefaultMaxWait: time.Duration(*maxWaitSeconds) * time.Second,
		StatePath:      resolvedState,
		Logger:         log,
	})
	orch.RegisterType("comfy", func(s pool.Settings) (pool.Conn, error) {
		c, err := backend.New(backend.Config{BaseURL: s.Address, Logger: log})
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err := orch.LoadState(); err != nil {
		log.Warn().Err(err).Str("path", resolvedState).Msg("could not restore pool state")
	}
	for _, b := range cfg.Backends {
		if _, err := orch.AddBackend(b.Type, b.Title, pool.Settings{Address: b.Address}, b.EnabledOrDefault()); err != nil {
			log.Warn().Err(err).Str("address", b.Address).Msg("skipping configured backend")
		}
	}

	sessions := claim.NewRegistry(time.Duration(*sessionIdleMinutes) * time.Minute)
	gen := generate.New(generate.Config{
		Pool:       orch,
		JobTimeout: time.Duration(*jobTimeoutSeconds) * time.Second,
		Logger:     log,
	})
	d := daemon.New(daemon.Config{Pool: orch, Sessions: sessions, Generator: gen, Logger: &log})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	if cfg.CORSEnabled {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins,
			[]string{"GET", "POST", "PATCH", "DELETE"},
			[]string{"Accept", "Content-Type", "X-Session-Token"})
	}

	srv := &http.Server{Addr: *addr, Handler: httpapi.NewMux(d)}

	go func() {
		log.Info().Str("addr", *addr).Str("state", resolvedState).Msg("gend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	baseCancel() // unwind in-flight generations
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	orch.Shutdown(ctx)
	sessions.Close()
}
