package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/jobrelay/internal/logging"
	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobrelay",
	Short: "Relay control actions along a chain of job hops",
	Long: `jobrelay runs one hop of a remote execution chain or one node of a
service tree.

A hop reads actions from its parent over a socket or stdio, answers what it
can itself and forwards the rest to the next hop it installed and started
locally, over ssh or through a batch system.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML or YAML config file")
}

func configPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return "", fmt.Errorf("%s: --config is required", cmd.Name())
	}
	return path, nil
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func configureLogging(file string) {
	if file != "" {
		logging.ConfigureFile(file)
		return
	}
	logging.ConfigureRuntime()
}

// serveStatus runs the read-only status surface when addr is set.
func serveStatus(ctx context.Context, addr string, srv *observability.StatusServer) {
	if addr == "" {
		return
	}
	go func() {
		if err := srv.Serve(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("addr", addr).Msg("jobrelay status server stopped")
		}
	}()
}
