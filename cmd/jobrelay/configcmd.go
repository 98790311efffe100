package main

import (
	"fmt"

	"github.com/danmuck/jobrelay/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init <hop|node> <path>",
	Short: "Write a config template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("force")
		if err := config.WriteTemplate(args[1], args[0], overwrite); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}
