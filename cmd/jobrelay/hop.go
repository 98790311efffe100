package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/danmuck/jobrelay/internal/auth"
	"github.com/danmuck/jobrelay/internal/communicator"
	"github.com/danmuck/jobrelay/internal/config"
	"github.com/danmuck/jobrelay/internal/observability"
	"github.com/danmuck/jobrelay/internal/state"
	"github.com/danmuck/jobrelay/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var hopCmd = &cobra.Command{
	Use:   "hop",
	Short: "Run one hop of a job chain",
	Long: `Run one hop: accept the parent link, answer local actions and relay the
rest to the next hop. With mode "none" the hop is the last of the chain; a
[jobs] section then makes it start one output per add_job.

A socket input publishes HOST and PORT lines on stdout before the parent
connects; a std input reads packed messages from stdin.`,
	RunE: runHop,
}

func init() {
	rootCmd.AddCommand(hopCmd)
}

func runHop(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadHop(path)
	if err != nil {
		return err
	}
	configureLogging(cfg.LogFile)
	if cfg.Input.Kind == config.InputNone {
		return fmt.Errorf("%w: hop needs an input, use send to drive a chain", config.ErrInvalidConfig)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	input := hopInput(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	comm, err := newCommunicator(cfg, input)
	if err != nil {
		return err
	}
	defer comm.Close()

	jobs := state.NewJobsStore(resultDir(cfg))
	if err := jobs.Load(); err != nil {
		log.Warn().Err(err).Str("path", jobs.Path()).Msg("jobrelay.hop jobs state not loaded")
	}
	comm.TrackJobs(jobs)
	if cfg.Jobs.Enabled() {
		communicator.NewJobs(comm, jobOutputs(cfg), cfg.Jobs.Args)
	}
	serveStatus(ctx, cfg.StatusAddr, observability.NewStatusServer(comm.Name(), jobs, communicator.Set{comm},
		observability.WithValidator(auth.FromConfig(cfg.StatusToken))))

	if err := input.Connect(ctx); err != nil {
		return fmt.Errorf("input connect: %w", err)
	}
	log.Info().Str("hop", comm.Name()).Str("mode", cfg.Mode).Str("input", cfg.Input.Kind).Msg("jobrelay.hop started")
	if err := comm.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func hopInput(cfg config.HopConfig, in io.Reader, out io.Writer) transport.InputComm {
	if cfg.Input.Kind == config.InputStd {
		return transport.NewStdInput(cfg.Name, in, out)
	}
	return transport.NewSocketInput(cfg.SocketInputConfig(out))
}

// newCommunicator builds the output of cfg and the communicator around it.
// The last hop keeps its status next to its results.
func newCommunicator(cfg config.HopConfig, input transport.InputComm) (*communicator.Communicator, error) {
	ccfg := cfg.CommunicatorConfig()
	var output transport.OutputComm
	if cfg.HasOutput() {
		tc, err := cfg.Transport()
		if err != nil {
			return nil, err
		}
		if output, err = transport.NewOutput(tc); err != nil {
			return nil, err
		}
	} else if ccfg.StatusDir == "" {
		ccfg.StatusDir = filepath.Join(resultDir(cfg), "status")
	}
	return communicator.New(ccfg, input, output, communicator.Hooks{})
}

// jobOutputs builds the output of each job of a multijob hop.
func jobOutputs(cfg config.HopConfig) communicator.JobOutputFunc {
	return func(id string) (transport.OutputComm, error) {
		tc, err := cfg.JobTransport(id)
		if err != nil {
			return nil, err
		}
		return transport.NewOutput(tc)
	}
}

func resultDir(cfg config.HopConfig) string {
	if cfg.ResultDir != "" {
		return cfg.ResultDir
	}
	if cfg.Install.TargetRoot != "" {
		return filepath.Join(cfg.Install.TargetRoot, "results")
	}
	return "."
}
