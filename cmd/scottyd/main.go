package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/factorialio/scotty/internal/config"
	"github.com/factorialio/scotty/internal/core"
	"github.com/factorialio/scotty/internal/engine"
	"github.com/factorialio/scotty/internal/loadbalancer"
	"github.com/factorialio/scotty/internal/ratelimit"
	"github.com/factorialio/scotty/internal/scheduler"
	"github.com/factorialio/scotty/internal/task"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "scottyd",
		Short: "Multi-tenant container application control plane",
		Long:  `scottyd assembles and runs the Scotty control plane: app registry, lifecycle FSMs, WebSocket messenger, and policy enforcer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, log, configPath)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/scotty/scotty.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}

		log.SetLevel(level)

		return nil
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("scottyd exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, log logrus.FieldLogger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng, err := engine.New(log)
	if err != nil {
		return fmt.Errorf("failed to connect to container engine: %w", err)
	}
	defer eng.Close()

	container, err := core.New(log, buildCoreConfig(cfg), eng)
	if err != nil {
		return fmt.Errorf("failed to assemble control plane: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsUpgradeMiddleware(container, core.AuthMode(cfg.AuthMode))(http.HandlerFunc(container.Hub.Upgrade)))
	mux.HandleFunc("/landing/", landingPageHandler(container))
	mux.HandleFunc("/", hostRoutingHandler(container, cfg.BaseURL))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 3) //nolint:mnd // one slot per supervised goroutine

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening for websocket connections")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("websocket listener failed: %w", err)
		}
	}()

	go func() {
		log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")

		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics listener failed: %w", err)
		}
	}()

	go func() {
		if err := container.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler stopped: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		_ = server.Shutdown(context.Background())
		_ = metricsServer.Shutdown(context.Background())

		return nil
	case err := <-errCh:
		return err
	}
}

// wsUpgradeMiddleware throttles connection attempts on the /ws endpoint
// before a client has authenticated, keyed by client IP: AuthOAuth-mode
// deployments expect the heavier OAuth-flow budget, everything else gets
// the stricter public-auth budget handleAuthenticate's bearer branch then
// tightens further on a per-token basis.
func wsUpgradeMiddleware(container *core.Container, mode core.AuthMode) func(http.Handler) http.Handler {
	if mode == core.AuthOAuth {
		return container.RateLimit.OAuthMiddleware
	}

	return container.RateLimit.PublicAuthMiddleware
}

// hostRoutingHandler implements spec §6's landing/redirect rule: a request
// for a host matching a known app that is not currently running gets
// redirected to that app's landing page instead of hitting a dead proxy
// target; the redirect carries no-cache headers so a browser does not keep
// it once the app is back up. A host matching no app falls through to a 404.
func hostRoutingHandler(container *core.Container, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := container.ResolveLanding(r.Host)
		if !result.Found {
			http.NotFound(w, r)

			return
		}

		if result.Running {
			http.Error(w, "app is running; proxying is outside scottyd's scope", http.StatusNotImplemented)

			return
		}

		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		http.Redirect(w, r, core.LandingRedirectURL(baseURL, result.AppName, r.URL.String()), http.StatusFound)
	}
}

// landingPageHandler serves the page a redirected browser lands on while
// its app starts back up.
func landingPageHandler(container *core.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appName := strings.TrimPrefix(r.URL.Path, "/landing/")

		app, ok := container.Registry.Get(appName)
		if !ok {
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s is %s\n", app.Name, app.Status)
	}
}

func buildCoreConfig(cfg *config.Config) core.Config {
	return core.Config{
		AppsRoot:             cfg.AppsRoot,
		AuthMode:             core.AuthMode(cfg.AuthMode),
		BaseURL:              cfg.BaseURL,
		AuthzPolicyPath:      cfg.AuthzPolicyPath,
		BlueprintsPath:       cfg.BlueprintsPath,
		LegacyToken:          cfg.LegacyToken,
		LBFlavor:             loadbalancer.Flavor(cfg.LBFlavor),
		ConfiguredRegistries: cfg.ConfiguredRegistries,
		TaskOutput: task.OutputSettings{
			MaxLines:      cfg.TaskMaxLines,
			MaxLineLength: cfg.TaskMaxLineLength,
		},
		ShellTTL:               cfg.ShellSessionTTL,
		MaxShellSessions:       cfg.MaxGlobalShellCount,
		MaxShellSessionsPerApp: cfg.MaxAppShellCount,
		RateLimit: ratelimit.Config{
			Enabled: true,
			PublicAuth: ratelimit.TierConfig{
				RequestsPerMinute: 10,
				BurstSize:         5,
			},
			OAuth: ratelimit.TierConfig{
				RequestsPerMinute: 20,
				BurstSize:         10,
			},
			Authenticated: ratelimit.TierConfig{
				RequestsPerMinute: 600,
				BurstSize:         100,
			},
		},
		Scheduler: scheduler.Config{
			RescanInterval:           cfg.RescanInterval,
			TTLCheckInterval:         cfg.RescanInterval,
			TaskCleanupInterval:      cfg.TaskCleanupTTL,
			RateLimitCleanupInterval: cfg.RateLimitCleanupInterval,
			RateLimitMaxIdle:         cfg.RateLimitMaxIdle,
		},
		MetricsEnabled: true,
	}
}
