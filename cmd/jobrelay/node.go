package main

import (
	"fmt"
	"net"

	"github.com/danmuck/jobrelay/internal/auth"
	"github.com/danmuck/jobrelay/internal/config"
	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/danmuck/jobrelay/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run one node of a service tree",
	Long: `Run a service node. A node with listen_addr accepts parent links and
publishes its HOST and PORT lines on stdout; each configured child address is
connected at startup.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().Bool("uuid-requests", true, "Use random request ids instead of a counter")
}

func runNode(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadNode(path)
	if err != nil {
		return err
	}
	configureLogging(cfg.LogFile)

	var opts []service.Option
	if useUUID, _ := cmd.Flags().GetBool("uuid-requests"); !useUUID {
		opts = append(opts, service.WithRequestIDs(service.NewCounterSequence(cfg.ID+"-")))
	}
	n, err := service.New(cfg.ServiceConfig(), opts...)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if cfg.ListenAddr != "" {
		addr, err := n.Listen()
		if err != nil {
			return err
		}
		tcp, ok := addr.(*net.TCPAddr)
		if !ok {
			return fmt.Errorf("unexpected listen address %s", addr)
		}
		host, _, _ := net.SplitHostPort(cfg.ListenAddr)
		if err := protocol.WriteHandshake(cmd.OutOrStdout(), protocol.Endpoint{Host: host, Port: tcp.Port}); err != nil {
			return err
		}
	}
	for _, addr := range cfg.Children {
		id, err := n.StartChild(ctx, addr)
		if err != nil {
			return fmt.Errorf("child %s: %w", addr, err)
		}
		log.Info().Str("node", cfg.ID).Str("child", id).Str("addr", addr).Msg("jobrelay.node child started")
	}
	serveStatus(ctx, cfg.StatusAddr, observability.NewStatusServer(cfg.ID, nil, n,
		observability.WithValidator(auth.FromConfig(cfg.StatusToken))))

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
