package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/bus"
	"github.com/petal-labs/trialflow/registry"
	"github.com/petal-labs/trialflow/server"
)

const (
	defaultListen    = ":8080"
	defaultEventsDB  = "events.db"
	dashboardCodeEnv = "TRIALFLOW_DASHBOARD_CODE"
	eventsDBPathEnv  = "TRIALFLOW_SQLITE_PATH"
	shutdownTimeout  = 30 * time.Second
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <bundle>",
		Short: "Load a bundle, start a run and serve participants and the dashboard",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}

	addBundleFlags(cmd)
	addRunFlags(cmd)
	cmd.Flags().String("listen", "", "Listen address (default: the bundle's listen, else :8080)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to the SQLite event store (default: <bundle>/events.db)")
	cmd.Flags().Duration("event-retention", 0, "Delete stored events older than this (0: keep)")
	cmd.Flags().String("dashboard-code", "", "Code required by dashboard calls (default: $TRIALFLOW_DASHBOARD_CODE, else the bundle's dashboard_code)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP endpoint URL for trace export")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0: none, needed for event streams)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("export-poll", 30*time.Second, "Export schedule poll interval")
	cmd.Flags().Duration("update-coalesce", 250*time.Millisecond, "Minimum interval between dashboard updates of one session")
	cmd.Flags().Duration("heartbeat", 15*time.Second, "Keep-alive interval of dashboard event streams")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := filepath.Clean(args[0])
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	retention, _ := cmd.Flags().GetDuration("event-retention")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	exportPoll, _ := cmd.Flags().GetDuration("export-poll")
	coalesce, _ := cmd.Flags().GetDuration("update-coalesce")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	runOpts, err := runOptions(cmd)
	if err != nil {
		return err
	}
	loadOpts := loadOptions(cmd, dir)
	loadOpts.Run = runOpts

	logger := slog.Default()

	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:          resolveEventsDSN(cmd, dir),
		RetentionAge: retention,
	})
	if err != nil {
		return exitError(exitRuntime, "opening sqlite event store: %v", err)
	}
	defer func() {
		_ = es.Close()
	}()
	eb := bus.NewMemBus(bus.MemBusConfig{})

	tel, err := setupTelemetry(cmd.Context(), otlpEndpoint, coalesce, es, eb)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	host, err := trialflow.NewHost(trialflow.HostConfig{
		Resolve: registry.Global().Resolve,
		Emitter: tel.emit,
		LastSeq: es.LatestSeq,
		Logger:  logger,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	if err := host.Load(cmd.Context(), loadOpts); err != nil {
		return bundleError(dir, err)
	}
	defer func() {
		_ = host.Unload(context.Background())
	}()
	_, cfg, _ := host.Bundle()

	exports, err := server.NewExportScheduler(server.ExportSchedulerConfig{
		Host:         host,
		PollInterval: exportPoll,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating export scheduler: %v", err)
	}
	if err := exports.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting export scheduler: %v", err)
	}
	defer func() {
		_ = exports.Stop(context.Background())
	}()

	srv := server.NewServer(server.ServerConfig{
		Host:          host,
		Bus:           eb,
		EventStore:    es,
		Heartbeat:     heartbeat,
		Exports:       exports,
		DashboardCode: resolveDashboardCode(cmd, cfg.DashboardCode),
		CORSOrigin:    corsOrigin,
		MaxBody:       maxBody,
		Logger:        logger,
	})

	addr := resolveListen(cmd, cfg.Listen)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "TrialFlow serving %s on %s\n", dir, addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = eb.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// resolveEventsDSN picks the event store path: the flag, then the
// environment, then events.db in the bundle.
func resolveEventsDSN(cmd *cobra.Command, dir string) string {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(eventsDBPathEnv))
	}
	if dsn == "" {
		return filepath.Join(dir, defaultEventsDB)
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn
}

func resolveDashboardCode(cmd *cobra.Command, configured string) string {
	if code, _ := cmd.Flags().GetString("dashboard-code"); code != "" {
		return code
	}
	if code := strings.TrimSpace(os.Getenv(dashboardCodeEnv)); code != "" {
		return code
	}
	return configured
}

func resolveListen(cmd *cobra.Command, configured string) string {
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		return addr
	}
	if configured != "" {
		return configured
	}
	return defaultListen
}
