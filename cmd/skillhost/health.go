package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillhost-dev/skillhost/audit"
)

var healthHistory bool

var healthCmd = &cobra.Command{
	Use:   "health [skill-id]",
	Short: "Show skill health and recent audit history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		skillID := ""
		if len(args) == 1 {
			skillID = args[0]
		}

		if !healthHistory {
			// Without a running daemon there are no live probes; the
			// audit trail still answers "what happened last".
			fmt.Println("No live probe data (the daemon owns live health); showing history.")
		}

		ledger := c.Ledger()
		transitions, err := ledger.Transitions(cmd.Context(), skillID, audit.DefaultHistoryLimit)
		if err != nil {
			return err
		}
		invocations, err := ledger.Invocations(cmd.Context(), skillID, audit.DefaultHistoryLimit)
		if err != nil {
			return err
		}

		if len(transitions) == 0 && len(invocations) == 0 {
			fmt.Println("No recorded history.")
			return nil
		}

		if len(transitions) > 0 {
			fmt.Println("Health transitions (newest first):")
			for _, tr := range transitions {
				from := tr.From
				if from == "" {
					from = "-"
				}
				fmt.Printf("  %s  %-20s %s → %s  %s\n",
					tr.At.Format(time.RFC3339), tr.SkillID, from, tr.To, tr.Reason)
			}
		}
		if len(invocations) > 0 {
			fmt.Println("Invocations (newest first):")
			for _, inv := range invocations {
				line := fmt.Sprintf("  %s  %-20s %-8s %s",
					inv.StartedAt.Format(time.RFC3339), inv.SkillID, inv.Outcome,
					inv.Duration.Round(time.Millisecond))
				if inv.Error != "" {
					line += "  " + inv.Error
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthHistory, "history", false, "show the audit trail instead of live status")
}
