package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kokoro/internal/config"
	"github.com/MrWong99/kokoro/internal/health"
	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/partner"
	"github.com/MrWong99/kokoro/internal/resilience"
	"github.com/MrWong99/kokoro/internal/server"
)

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	addr := fs.String("addr", "", "listen address; overrides server.listen_addr")
	watch := fs.Duration("watch", config.DefaultWatchInterval, "config reload polling interval; 0 disables reloading")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "kokoro: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	level := newLogger(os.Stderr, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.SetupConfig{ServiceName: "kokoro"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Collaborators ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	scorer, fallback, err := buildScorer(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build scorer", "err", err)
		return 1
	}
	creds, err := buildCredentials(cfg, metrics)
	if err != nil {
		slog.Error("failed to build credential provider", "err", err)
		return 1
	}
	partners, closePartners, err := buildPartners(ctx, cfg)
	if err != nil {
		slog.Error("failed to open partner store", "backend", cfg.Partners.Backend, "err", err)
		return 1
	}
	defer closePartners()

	opts := []server.Option{
		server.WithScorer(scorer),
		server.WithPartners(partners),
		server.WithCatalogue(buildCatalogue(cfg)),
		server.WithMetrics(metrics),
		server.WithCORSOrigins(cfg.Server.CORSOrigins...),
		server.WithCheckers(readinessChecks(fallback, partners)...),
	}
	// A static credential is the long-lived API key; never hand it out.
	if cfg.Credential.Mode == config.CredentialStatic {
		slog.Warn("credential mode is static; /api/session is disabled")
	} else {
		opts = append(opts, server.WithCredentials(creds))
	}
	srv := server.New(opts...)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var cert, key string
		if cfg.Server.TLS != nil {
			cert, key = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
		}
		return srv.ListenAndServe(gctx, cfg.Server.ListenAddr, cert, key)
	})

	if *watch > 0 {
		w, err := config.NewWatcher(common.configPath, func(_, next *config.Config, d config.Diff) {
			if d.LogLevelChanged {
				level.Set(levelFor(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.Characters) > 0 {
				srv.SetCatalogue(buildCatalogue(next))
				slog.Info("character catalogue reloaded", "changes", len(d.Characters))
			}
		}, config.WithInterval(*watch))
		if err != nil {
			// A missing file means we are running on defaults; nothing to watch.
			slog.Debug("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("kokoro serving", "addr", cfg.Server.ListenAddr, "partners", cfg.Partners.Backend)
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// readinessChecks reports the scorer's circuit breakers and the partner store.
func readinessChecks(fb *resilience.LLMFallback, partners partner.Store) []health.Checker {
	checks := []health.Checker{{
		Name: "partners",
		Check: func(ctx context.Context) error {
			_, err := partners.List(ctx)
			return err
		},
	}}
	if fb != nil {
		checks = append(checks, health.Checker{
			Name: "llm",
			Check: func(context.Context) error {
				if fb.Healthy() {
					return nil
				}
				return fmt.Errorf("all scoring backends have open circuits: %v", fb.Health())
			},
		})
	}
	return checks
}
