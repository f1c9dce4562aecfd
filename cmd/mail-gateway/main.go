// Package main is the entry point for the mail gateway server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/mail-gateway/internal/config"
	"github.com/shineum/mail-gateway/internal/graph"
	"github.com/shineum/mail-gateway/internal/httpapi"
	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// A .env file is a development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if !cfg.GraphConfigured() {
		slog.Error("GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		os.Exit(1)
	}

	sendOpts, err := cfg.SendOptions()
	if err != nil {
		slog.Error("invalid send configuration", "error", err)
		os.Exit(1)
	}

	sender, err := graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
	if err != nil {
		slog.Error("failed to create mail sender", "error", err)
		os.Exit(1)
	}
	defer sender.Close()

	serverCfg := httpapi.ServerConfig{
		ListenAddr:  cfg.HTTP.Listen,
		APIToken:    cfg.HTTP.APIToken,
		RateRPS:     cfg.HTTP.RateRPS,
		RateBurst:   cfg.HTTP.RateBurst,
		SendOptions: sendOpts,
	}

	tlsMode := "disabled"
	if cfg.TLSEnabled() {
		tlsConfig, err := gwtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		serverCfg.TLSConfig = tlsConfig
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			tlsMode = "file"
		}
	}

	server := httpapi.New(serverCfg, sender)

	slog.Info("starting mail-gateway",
		"listen", cfg.HTTP.Listen,
		"sender", cfg.Graph.Sender,
		"auth_enabled", cfg.HTTP.APIToken != "",
		"tls_mode", tlsMode,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mail-gateway stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
