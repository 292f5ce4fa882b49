package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TeamNewPipe/crash-report-importer/config"
	"github.com/TeamNewPipe/crash-report-importer/importer"
	"github.com/TeamNewPipe/crash-report-importer/lmtp"
	"github.com/TeamNewPipe/crash-report-importer/storage"
)

// package names the crash reporter ships under, each with its own
// ingestion destination
const (
	pkgStable          = "org.schabi.newpipe"
	pkgNightly         = "org.schabi.newpipe.nightly"
	pkgRefactorNightly = "org.schabi.newpipe.refactor.nightly"
	pkgLegacy          = "org.schabi.newpipelegacy"
)

const importSender = "a@b.cde"

var (
	forceColors bool
	host        string
	port        int

	logger *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "crash-report-importer",
		Short:         "Receives crash report mail over LMTP and forwards the payloads to GlitchTip",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger = setupLogger(forceColors)
		},
	}
	rootCmd.PersistentFlags().BoolVar(&forceColors, "force-colors", false, "force colored log output")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the LMTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&host, "host", "::1", "host to listen on")
	serveCmd.Flags().IntVar(&port, "port", 8025, "port to listen on")

	importCmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Replay stored RFC822 mail files into a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().StringVar(&host, "host", "::1", "server host")
	importCmd.Flags().IntVar(&port, "port", 8025, "server port")

	rootCmd.AddCommand(serveCmd, importCmd)

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func setupLogger(forceColors bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if forceColors {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	return log
}

func runServe(*cobra.Command, []string) error {
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(host, port)
	if err != nil {
		return err
	}

	// report the importer's own errors to a destination separate from the
	// imported crash reports
	if cfg.DSN.Own != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.DSN.Own,
			Debug:            os.Getenv("DEBUG_SENTRY_SDK") != "",
			AttachStacktrace: true,
		})
		if err != nil {
			return fmt.Errorf("init self-diagnostics: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		logger.Info("self-diagnostics enabled")
	} else {
		logger.Warn("OWN_DSN not set, internal errors are only logged")
	}

	directory, err := storage.NewDirectoryStorage(cfg.MailboxDir)
	if err != nil {
		return err
	}

	destinations := map[string]storage.Storage{}
	for pkg, dsn := range map[string]string{
		pkgStable:          cfg.DSN.Stable,
		pkgNightly:         cfg.DSN.Nightly,
		pkgRefactorNightly: cfg.DSN.RefactorNightly,
		pkgLegacy:          cfg.DSN.Legacy,
	} {
		if dsn == "" {
			logger.Warn("no destination configured, reports will be refused",
				zap.String("package", pkg),
			)
			continue
		}

		gs, err := storage.NewGlitchtipStorage(dsn, pkg, logger.Named("glitchtip"))
		if err != nil {
			return fmt.Errorf("destination for %s: %w", pkg, err)
		}
		destinations[pkg] = gs
	}

	imp := importer.New(directory, destinations, logger.Named("importer"))
	backend := lmtp.NewBackend(cfg.AllowedRecipients, imp.Handle, directory, logger.Named("lmtp"))
	server := lmtp.NewServer(cfg, backend)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Addr),
			zap.String("mailbox_dir", directory.Dir()),
		)
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// runImport replays stored .eml files into a running importer, e.g. after a
// bug fix made previously unparsable mail importable again.
func runImport(_ *cobra.Command, args []string) error {
	defer func() { _ = logger.Sync() }()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger.Info("connecting to LMTP server", zap.String("addr", addr))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}

	client := smtp.NewClientLMTP(conn)
	defer client.Close()

	for _, filename := range args {
		data, err := os.ReadFile(filename)
		if err != nil {
			logger.Error("failed to read mail file, skipping",
				zap.String("file", filename),
				zap.Error(err),
			)
			continue
		}

		logger.Info("importing RFC822 mail file", zap.String("file", filename))

		if err := send(client, data); err != nil {
			logger.Error("failed to import mail file",
				zap.String("file", filename),
				zap.Error(err),
			)
			if err := client.Reset(); err != nil {
				return fmt.Errorf("reset after failed delivery: %w", err)
			}
		}
	}

	return client.Quit()
}

func send(client *smtp.Client, data []byte) error {
	if err := client.Mail(importSender, nil); err != nil {
		return err
	}

	if err := client.Rcpt("crashreport@newpipe.net", nil); err != nil {
		return err
	}

	wc, err := client.Data()
	if err != nil {
		return err
	}

	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}

	return wc.Close()
}
