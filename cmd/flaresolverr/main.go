// Package main provides the entry point for the FlareSolverr bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/browser"
	"github.com/Rorqualx/flaresolverr-bridge/internal/challenge"
	"github.com/Rorqualx/flaresolverr-bridge/internal/config"
	"github.com/Rorqualx/flaresolverr-bridge/internal/diagnostics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/fallback"
	"github.com/Rorqualx/flaresolverr-bridge/internal/handlers"
	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/middleware"
	"github.com/Rorqualx/flaresolverr-bridge/internal/profile"
	"github.com/Rorqualx/flaresolverr-bridge/internal/proxybridge"
	"github.com/Rorqualx/flaresolverr-bridge/internal/security"
	"github.com/Rorqualx/flaresolverr-bridge/internal/selectors"
	"github.com/Rorqualx/flaresolverr-bridge/internal/solver"
	"github.com/Rorqualx/flaresolverr-bridge/pkg/version"
)

func main() {
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	printBanner(cfg)

	stopCh := make(chan struct{})
	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	go metrics.StartMemoryCollector(10*time.Second, stopCh)

	store := profile.NewStore(cfg.DataPath)
	prof := store.Load()
	log.Info().
		Str("path", cfg.DataPath).
		Int("cookies", len(prof.Cookies)).
		Bool("has_user_agent", prof.UserAgent != "").
		Msg("Profile loaded")

	bridge := proxybridge.New(cfg.BridgeAddr, proxybridge.Upstream{
		Host:     cfg.ProxyHost,
		Port:     cfg.ProxyPort,
		Username: cfg.ProxyUsername,
		Password: cfg.ProxyPassword,
	})
	if err := bridge.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.BridgeAddr).Msg("Failed to start proxy bridge")
	}

	fingerprints, err := selectors.NewManager(cfg.SelectorsPath, cfg.SelectorsHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load challenge fingerprints")
	}

	machine := challenge.NewMachine(
		challenge.NewDetector(fingerprints),
		cfg.ChallengePollInterval,
		cfg.ChallengeStallPasses,
	)

	driver := browser.NewDriver(browser.Options{
		BrowserPath:  cfg.BrowserPath,
		Headless:     cfg.Headless,
		WindowWidth:  cfg.WindowWidth,
		WindowHeight: cfg.WindowHeight,
		ProxyURL:     bridge.URL(),
		UserAgent:    version.UserAgent,
	}, browser.NewGate())

	scrappey := fallback.New(fallback.Config{
		APIKey:   cfg.ScrappeyAPIKey,
		Endpoint: cfg.ScrappeyEndpoint,
		ProxyURL: cfg.UpstreamProxyURL(),
	})
	go logFallbackBalance(scrappey)

	capturer := diagnostics.NewCapturer(cfg.CaptureFailureScreenshots, cfg.ScreenshotDir)
	go drainCaptureErrors(capturer, stopCh)

	resolver := solver.New(driver, machine, scrappey, store, capturer, version.UserAgent)
	resolver.SetFallbackShare(cfg.FallbackBudgetShare)

	handler := handlers.New(resolver, cfg, func() string {
		if ua := store.Snapshot().UserAgent; ua != "" {
			return ua
		}
		return version.UserAgent
	})

	var limiter *middleware.RateLimiter
	var rateLimit middleware.Middleware
	if cfg.RateLimitEnabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		rateLimit = limiter.Middleware
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
	}
	var apiKey middleware.Middleware
	if cfg.APIKeyEnabled {
		apiKey = middleware.APIKey(cfg.APIKey)
	}

	finalHandler := middleware.Chain(
		middleware.Recovery,
		middleware.RequestID,
		middleware.Logging,
		rateLimit,
		apiKey,
		middleware.CORS(cfg.CORSAllowedOrigins),
		middleware.SecurityHeaders,
	)(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.MaxTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Str("bridge", bridge.Addr()).
			Str("upstream", security.RedactProxyURL(cfg.UpstreamProxyURL())).
			Bool("headless", cfg.Headless).
			Bool("screenshots", capturer.Enabled()).
			Msg("FlareSolverr is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if limiter != nil {
		limiter.Close()
	}
	if err := bridge.Close(); err != nil {
		log.Error().Err(err).Msg("Proxy bridge close error")
	}
	if err := fingerprints.Close(); err != nil {
		log.Error().Err(err).Msg("Fingerprint watcher close error")
	}
	capturer.Wait()

	log.Info().Msg("Shutdown complete")
}

// logFallbackBalance reports the remaining fallback credits once at startup.
func logFallbackBalance(c *fallback.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	balance, err := c.Balance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not query fallback balance")
		return
	}
	log.Info().Int64("balance", balance).Msg("Fallback service reachable")
}

// drainCaptureErrors keeps the capturer's error channel from filling up.
// Each failure is already logged where it happens.
func drainCaptureErrors(c *diagnostics.Capturer, stopCh <-chan struct{}) {
	for {
		select {
		case err := <-c.Errors():
			log.Debug().Err(err).Msg("Screenshot failure drained")
		case <-stopCh:
			return
		}
	}
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("208")).
		Render("FlareSolverr Bridge")
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 2).
		Render(fmt.Sprintf("%s\nprotocol %s · %s\nlistening on %s:%d",
			title, version.Full(), version.GoVersion(), cfg.Host, cfg.Port))
	fmt.Println(box)

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting FlareSolverr bridge")
}
