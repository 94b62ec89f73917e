package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/audit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/federation"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/httpapi"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/imaging"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/llm"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/logs"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/phi"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/session"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tokens"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tools"
)

var (
	listen    string
	logLevel  string
	logDir    string
	logToFile bool

	version = "v0.1.0" // injected by -ldflags during build
)

const shutdownTimeout = 15 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:     "medintel-gateway",
		Short:   "MedIntel Gateway - federated clinical query service over subprocess tool providers",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides HOST/PORT)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting medintel-gateway",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.Int("tools_configured", len(cfg.Tools)),
		zap.Bool("audit_enabled", cfg.Audit.Enabled))

	m := metrics.New()
	scrubber := phi.NewScrubber(phi.WithFieldAliases(cfg.PHIAliases))

	cipher, err := tokens.NewPayloadCipher(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create payload cipher: %w", err)
	}

	var sink *audit.Sink
	if cfg.Audit.Enabled {
		sink, err = audit.NewSink(cfg.Audit, scrubber, m, logger)
		if err != nil {
			return fmt.Errorf("failed to create audit sink: %w", err)
		}
		sink = sink.WithCipher(cipher)
	} else {
		logger.Warn("HIPAA audit sink is disabled")
	}

	issuer, err := tokens.NewIssuer(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}
	sessions := session.NewStore(issuer, sink, m, logger, cfg.SessionTTL, cfg.SessionSweepInterval)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, sink, m)

	preproc, err := imaging.NewPreprocessor(cfg.Image, logger)
	if err != nil {
		return fmt.Errorf("failed to create image preprocessor: %w", err)
	}
	preproc.SweepScratch()

	adapter, err := llm.NewAdapter(cfg.LLM, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create model adapter: %w", err)
	}

	pool := tools.NewPool(cfg.Tools, cfg.Logging, m, logger)
	orchestrator := federation.NewOrchestrator(pool, adapter, scrubber, sink, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Config:       cfg,
		Logger:       logger,
		Sessions:     sessions,
		Limiter:      limiter,
		Sink:         sink,
		Pool:         pool,
		Orchestrator: orchestrator,
		Preprocessor: preproc,
		Classifier:   intent.NewClassifier(cfg.ExtraIntents),
		Scrubber:     scrubber,
		Metrics:      m,
		Version:      version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background maintenance loops stop with the root context.
	go sessions.Run(ctx)
	go limiter.Run(ctx)

	if err := pool.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start tool pool: %w", err)
	}
	logger.Info("Tool pool started", zap.Strings("connected", pool.Connected()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	// Drain in-flight requests first, then the providers, then the audit
	// queue so shutdown itself is still recorded.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown did not drain cleanly", zap.Error(err))
	}
	cancel()
	pool.Close()
	preproc.Close()
	if sink != nil {
		if err := sink.Close(shutdownCtx); err != nil {
			logger.Error("Audit sink did not drain cleanly", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
