package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skillhost-dev/skillhost/manifest"
)

var doctorRecheck bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check runtime availability for installed skills",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		boot := c.Bootstrapper()
		if doctorRecheck {
			boot.InvalidateAll()
		}

		// Probe each distinct runtime requirement once; skills sharing
		// a requirement share the verdict.
		seen := map[manifest.RuntimeSpec]bool{}
		var needed []manifest.RuntimeSpec
		for _, e := range c.Registry().List() {
			spec := e.Descriptor.Runtime
			if spec.Kind == manifest.RuntimeBinary || seen[spec] {
				continue
			}
			seen[spec] = true
			needed = append(needed, spec)
		}
		if len(needed) == 0 {
			fmt.Println("No installed skill needs an interpreter runtime.")
			return nil
		}

		failures := 0
		for _, spec := range needed {
			info, err := boot.Resolve(cmd.Context(), spec)
			if err != nil {
				failures++
				fmt.Printf("✗ %-8s %v\n", spec.Kind, err)
				continue
			}
			fmt.Printf("✓ %-8s %s (%s)\n", spec.Kind, info.Path, info.Version)
		}
		if failures > 0 {
			return fmt.Errorf("%d runtime(s) unavailable", failures)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorRecheck, "recheck", false, "drop the resolution cache and probe again")
}
