// Command inquest runs the execution-layer gateway: it resolves tenant
// configuration, serves agent runs and interactive investigations over HTTP,
// and records runs to the audit store.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/inquestlabs/inquest"
	"github.com/inquestlabs/inquest/audit"
	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/observe"
	"github.com/inquestlabs/inquest/registry"
	"github.com/inquestlabs/inquest/server"
	"github.com/inquestlabs/inquest/session"
	"github.com/inquestlabs/inquest/tool"
)

type serveFlags struct {
	addr      string
	configDir string
	auditDB   string
	logLevel  string
	logFormat string
	trace     bool
}

func main() {
	root := &cobra.Command{
		Use:           "inquest",
		Short:         "Agent execution gateway for incident investigations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "inquest", inquest.Version)
		},
	}
}

func newServeCommand() *cobra.Command {
	flags := serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&flags.configDir, "config-dir", "./config", "tenant configuration directory")
	cmd.Flags().StringVar(&flags.auditDB, "audit-db", "", "path to the SQLite audit database (empty disables auditing)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "json", "log format (json, text)")
	cmd.Flags().BoolVar(&flags.trace, "trace", false, "emit OpenTelemetry spans to stdout")
	return cmd
}

func serve(ctx context.Context, flags serveFlags) error {
	logger := logging.New(logging.Config{Level: flags.logLevel, Format: flags.logFormat})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observe.NewMetrics(promRegistry)

	tracer := observe.NopTracer()
	var shutdownTracer func(context.Context) error
	if flags.trace {
		var err error
		tracer, shutdownTracer, err = observe.InitTracer("inquest-gateway", func(o *observe.TracerOptions) {
			o.ServiceVersion = inquest.Version
		})
		if err != nil {
			return err
		}
	}

	var recorder core.RunRecorder = core.NopRecorder{}
	if flags.auditDB != "" {
		store, err := audit.Open(flags.auditDB, func(o *audit.Options) { o.Logger = logger })
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
	}

	reg, err := buildRegistry(flags.configDir, logger, metrics, tracer, recorder)
	if err != nil {
		return err
	}

	sessions := session.NewManager(func(o *session.ManagerOptions) {
		o.Logger = logger
		o.SessionOptions = []func(o *session.Options){func(o *session.Options) {
			o.Logger = logger
			o.Metrics = metrics
		}}
	})
	defer sessions.Close()
	gateway := server.NewGateway(reg, sessions, func(o *server.GatewayOptions) {
		o.Logger = logger
		o.Gatherer = promRegistry
	})

	srv := &http.Server{
		Addr:              flags.addr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", flags.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(shutdownCtx)
	}
	return nil
}

func buildRegistry(
	configDir string,
	logger logging.Logger,
	metrics *observe.Metrics,
	tracer trace.Tracer,
	recorder core.RunRecorder,
) (*registry.Registry, error) {
	resolver := config.NewFileResolver(configDir)
	tools := tool.NewRegistry()
	return registry.New(resolver, tools, inquest.DefaultModelFactory(), func(o *registry.Options) {
		o.Logger = logger
		o.Metrics = metrics
		o.Tracer = tracer
		o.Recorder = recorder
	})
}
