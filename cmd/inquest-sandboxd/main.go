// Command inquest-sandboxd is the daemon running inside every investigation
// sandbox. It hosts the sandbox's interactive sessions and executes payloads
// routed to it by the gateway; session history lives exactly as long as this
// process. Without a configuration directory it degrades to a plain command
// executor.
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

	"github.com/spf13/cobra"

	"github.com/inquestlabs/inquest"
	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/registry"
	"github.com/inquestlabs/inquest/runner"
	"github.com/inquestlabs/inquest/server"
	"github.com/inquestlabs/inquest/session"
	"github.com/inquestlabs/inquest/tool"
)

func main() {
	var (
		addr           string
		configDir      string
		tenant         string
		executeTimeout time.Duration
		logLevel       string
	)

	root := &cobra.Command{
		Use:           "inquest-sandboxd",
		Short:         "In-sandbox execution daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.New(logging.Config{Level: logLevel})

			daemonOpts := []func(o *server.SandboxdOptions){func(o *server.SandboxdOptions) {
				o.ExecuteTimeout = executeTimeout
				o.Logger = logger
			}}
			if configDir != "" {
				host, err := buildSessionHost(configDir, tenant, logger)
				if err != nil {
					return err
				}
				daemonOpts = append(daemonOpts, func(o *server.SandboxdOptions) {
					o.Executor = host.Execute
					o.Interrupter = host.Interrupt
				})
			}
			daemon := server.NewSandboxd(daemonOpts...)

			srv := &http.Server{
				Addr:              addr,
				Handler:           daemon.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sandboxd listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	root.Flags().StringVar(&addr, "addr", ":8088", "listen address")
	root.Flags().StringVar(&configDir, "config-dir", "", "tenant configuration directory (enables session hosting)")
	root.Flags().StringVar(&tenant, "tenant", "default", "tenant this sandbox serves")
	root.Flags().DurationVar(&executeTimeout, "execute-timeout", 10*time.Minute, "per-execution time limit")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "inquest-sandboxd", inquest.Version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildSessionHost wires the session-backed executor: runners come from the
// tenant's effective configuration, sessions from a process-local manager
// that dies with the sandbox.
func buildSessionHost(configDir, tenant string, logger logging.Logger) (*server.SessionHost, error) {
	resolver := config.NewFileResolver(configDir)
	reg, err := registry.New(resolver, tool.NewRegistry(), inquest.DefaultModelFactory(), func(o *registry.Options) {
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	// History lifetime is bounded by the sandbox itself; no idle eviction.
	sessions := session.NewManager(func(o *session.ManagerOptions) {
		o.IdleTTL = 0
		o.Logger = logger
	})

	return server.NewSessionHost(sessions, func(ctx context.Context, agentName string) (*runner.Runner, error) {
		return reg.GetRunner(ctx, agentName, tenant)
	}), nil
}
