package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillhost-dev/skillhost/capability"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed skills",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		entries := c.Host().ListSkills()
		if len(entries) == 0 {
			fmt.Println("No skills installed.")
			return nil
		}
		fmt.Printf("%-20s %-10s %-12s %-8s %s\n", "ID", "Version", "State", "Mode", "Capabilities")
		for _, e := range entries {
			d := e.Descriptor
			state := string(e.State)
			if e.StateReason != "" {
				state += " (" + e.StateReason + ")"
			}
			fmt.Printf("%-20s %-10s %-12s %-8s %s\n",
				d.ID, d.Version, state, d.Mode, strings.Join(d.Capabilities.Strings(), ", "))
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install <source>",
	Short: "Install a skill from a local path, cached name, or oci:// reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		res, err := c.Host().InstallSkill(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		d := res.Entry.Descriptor
		fmt.Printf("Installed %s %s (%s)\n", d.ID, d.Version, res.Digest)
		printRisk(res.Risk)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <skill-id>",
	Short: "Uninstall a skill, its grants, and its stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		if err := c.Host().RemoveSkill(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var disableReason string

var disableCmd = &cobra.Command{
	Use:   "disable <skill-id>",
	Short: "Park a skill without uninstalling it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		if err := c.Host().DisableSkill(cmd.Context(), args[0], disableReason); err != nil {
			return err
		}
		fmt.Printf("Disabled %s\n", args[0])
		return nil
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <skill-id>",
	Short: "Return a disabled or quarantined skill to rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		if err := c.Host().EnableSkill(args[0]); err != nil {
			return err
		}
		fmt.Printf("Enabled %s\n", args[0])
		return nil
	},
}

func init() {
	disableCmd.Flags().StringVar(&disableReason, "reason", "", "why the skill is being parked")
}

func printRisk(report capability.RiskReport) {
	if len(report.RiskFactors) == 0 {
		return
	}
	fmt.Printf("Risk: %s\n", report.Level)
	for _, f := range report.RiskFactors {
		fmt.Printf("  - [%s] %s (%s)\n", f.Level, f.Description, f.Rule)
	}
}

// closeContainer tears the runtime down with a fresh budget; the command's
// own context may already be done.
func closeContainer(ctx context.Context, c interface {
	Close(ctx context.Context) error
}) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		fmt.Println("warning: shutdown incomplete:", err)
	}
}
