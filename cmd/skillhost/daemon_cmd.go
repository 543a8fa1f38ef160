package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skillhost-dev/skillhost/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the skill runtime with health monitoring until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return daemon.Run(ctx, c)
	},
}
