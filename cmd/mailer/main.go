// Package main is the entry point for the mailer: a one-shot bulk sender
// and an HTTP service around the same delivery pipeline.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sender-lite/internal/api"
	"github.com/shineum/smtp-sender-lite/internal/bulk"
	"github.com/shineum/smtp-sender-lite/internal/capture"
	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/provider"
	"github.com/shineum/smtp-sender-lite/internal/provider/ses"
	"github.com/shineum/smtp-sender-lite/internal/smtp"
	"github.com/shineum/smtp-sender-lite/internal/smtpclient"
	mailtls "github.com/shineum/smtp-sender-lite/internal/tls"
)

// httpShutdownTimeout bounds graceful shutdown of the HTTP server.
const httpShutdownTimeout = 10 * time.Second

type globalFlags struct {
	configPath string
	envFile    string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "mailer",
		Short:         "Send email over SMTP, AWS SES or a local capture store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "path to a dotenv file loaded before the environment is read")

	rootCmd.AddCommand(newSendCmd(&flags), newServeCmd(&flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var req bulk.Request

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message to every --to recipient and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}

			store := newStore(cfg, logger)
			prov, err := selectProvider(cmd.Context(), cfg, store, logger)
			if err != nil {
				return err
			}

			res, err := bulk.NewDispatcher(prov, logger).Send(cmd.Context(), &req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%d of %d recipients failed", res.Failed, res.Sent+res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&req.Recipients, "to", nil, "recipient address (repeatable or comma-separated)")
	cmd.Flags().StringVar(&req.FromName, "from-name", "", "sender display name")
	cmd.Flags().StringVar(&req.FromAddress, "from", "", "reply-to address of the caller")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&req.Text, "text", "", "plain text body")
	cmd.Flags().StringVar(&req.HTML, "html", "", "HTML body (preferred over --text)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, if configured, the local capture SMTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

// setup loads the dotenv file, configuration and logger shared by all
// subcommands.
func setup(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	if flags.envFile != "" {
		if err := config.LoadEnvFile(flags.envFile); err != nil {
			return nil, nil, err
		}
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store := newStore(cfg, logger)
	prov, err := selectProvider(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.New(bulk.NewDispatcher(prov, logger), store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting smtp-sender-lite",
		"http_listen", cfg.HTTP.Listen,
		"capture_listen", cfg.Capture.Listen,
		"provider", prov.Name(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Capture.Listen != "" {
		captureServer, err := newCaptureServer(cfg, store, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := captureServer.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("capture server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("smtp-sender-lite stopped")
	return err
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger returns a JSON logger on stdout at the given level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func newStore(cfg *config.Config, logger *slog.Logger) *capture.Store {
	opts := capture.Options{
		MaxMessages: cfg.Capture.MaxMessages,
		Logger:      logger,
	}
	if cfg.Capture.Echo {
		opts.Echo = os.Stderr
	}
	return capture.New(opts)
}

// selectProvider builds the delivery backend chosen by the configuration.
// The capture store doubles as the provider when nothing else is set up.
func selectProvider(ctx context.Context, cfg *config.Config, store *capture.Store, logger *slog.Logger) (provider.Provider, error) {
	switch p := cfg.SelectedProvider(); p {
	case config.ProviderSMTP:
		logger.Info("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"secure", cfg.SMTP.Secure,
		)
		return smtpclient.New(smtpClientConfig(cfg), logger), nil

	case config.ProviderSES:
		logger.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		prov, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return prov, nil

	case config.ProviderCapture:
		logger.Info("using capture provider, messages are stored locally")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}

func smtpClientConfig(cfg *config.Config) smtpclient.Config {
	c := smtpclient.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Secure:   cfg.SMTP.Secure,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  cfg.SMTP.Timeout,
	}
	if cfg.SMTP.InsecureSkipVerify {
		c.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test relays
	}
	return c
}

func newCaptureServer(cfg *config.Config, store *capture.Store, logger *slog.Logger) (*smtp.Server, error) {
	tlsConfig, err := mailtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" {
		tlsMode = "file"
	}
	logger.Info("capture server configured",
		"listen", cfg.Capture.Listen,
		"auth_enabled", cfg.CaptureAuthEnabled(),
		"tls_mode", tlsMode,
		"implicit_tls", cfg.Capture.ImplicitTLS,
	)

	return smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.Capture.Listen,
		Hostname:       cfg.Capture.Hostname,
		Sink:           store,
		TLSConfig:      tlsConfig,
		ImplicitTLS:    cfg.Capture.ImplicitTLS,
		AuthUsername:   cfg.Capture.Username,
		AuthPassword:   cfg.Capture.Password,
		MaxMessageSize: cfg.Capture.MaxMessageSize,
		Logger:         logger,
	}), nil
}
