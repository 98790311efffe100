package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/jobrelay/internal/config"
	"github.com/danmuck/jobrelay/internal/protocol"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <action> [action...]",
	Short: "Install the chain of a config and send it actions",
	Long: `Act as the root application: install and start the next hop described
by the config, then send each action in order and print its terminal answer
as one JSON line. In-process answers are polled until they settle. stop and
delete end the chain, so a later send starts it again.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("data", "", "JSON object sent as data of every action")
}

type sendResult struct {
	Action string         `json:"action"`
	Answer string         `json:"answer,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func runSend(cmd *cobra.Command, args []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadHop(path)
	if err != nil {
		return err
	}
	configureLogging(cfg.LogFile)
	if !cfg.HasOutput() {
		return fmt.Errorf("%w: send needs an output mode", config.ErrInvalidConfig)
	}
	actions, err := parseActions(args, cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	comm, err := newCommunicator(cfg, nil)
	if err != nil {
		return err
	}
	defer comm.Close()
	if err := comm.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	var failed bool
	for _, act := range actions {
		answer, err := comm.Send(ctx, act)
		res := sendResult{Action: act.Type.String()}
		if err != nil {
			res.Error = err.Error()
			failed = true
		} else {
			res.Answer = answer.Type.String()
			res.Data = answer.Data
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed {
		return fmt.Errorf("some actions failed")
	}
	return nil
}

func parseActions(names []string, cmd *cobra.Command) ([]protocol.Action, error) {
	raw, _ := cmd.Flags().GetString("data")
	var data map[string]any
	if strings.TrimSpace(raw) != "" {
		var err error
		if data, err = protocol.ParseData([]byte(raw)); err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
	}
	out := make([]protocol.Action, 0, len(names))
	for _, name := range names {
		t, err := protocol.ParseActionType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.Action{Type: t, Data: data})
	}
	return out, nil
}
