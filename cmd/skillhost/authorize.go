package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize <skill-id> <capability>...",
	Short: "Resolve grants for capabilities, prompting for anything undecided",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		authorized, err := c.Host().Authorize(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("Authorized for %s:\n", args[0])
		for _, cap := range authorized {
			fmt.Println("  ", cap)
		}
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <skill-id> <capability>",
	Short: "Withdraw one capability grant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		if err := c.Host().Revoke(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Revoked %s from %s\n", args[1], args[0])
		return nil
	},
}

var grantsCmd = &cobra.Command{
	Use:   "grants <skill-id>",
	Short: "Show stored approval records for a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		records, err := c.Host().Decisions(args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No recorded decisions.")
			return nil
		}
		fmt.Printf("%-40s %-8s %-10s %s\n", "Capability", "Decision", "Escalated", "Expires")
		for _, r := range records {
			expires := "never"
			if !r.ExpiresAt.IsZero() {
				expires = r.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%-40s %-8s %-10v %s\n", r.Capability, r.Decision, r.Escalated, expires)
		}
		return nil
	},
}
