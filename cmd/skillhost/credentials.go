package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the secrets a skill declares",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list <skill-id>",
	Short: "Show declared credentials and whether each is stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		entry, err := c.Registry().Get(args[0])
		if err != nil {
			return err
		}
		specs := entry.Descriptor.Credentials
		if len(specs) == 0 {
			fmt.Println("This skill declares no credentials.")
			return nil
		}
		fmt.Printf("%-20s %-20s %-9s %s\n", "Name", "Env var", "Required", "Stored")
		for _, st := range c.Credentials().Check(args[0], specs) {
			stored := "-"
			if st.Stored {
				stored = "yes"
			}
			fmt.Printf("%-20s %-20s %-9v %s\n", st.Name, st.EnvVar, st.Required, stored)
		}
		return nil
	},
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <skill-id> <name>",
	Short: "Store one credential value, read from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		entry, err := c.Registry().Get(args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Value for %s.%s: ", args[0], args[1])
		reader := bufio.NewReader(os.Stdin)
		value, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		value = strings.TrimRight(value, "\r\n")

		err = c.Credentials().Collect(args[0], entry.Descriptor.Credentials,
			map[string]string{args[1]: value})
		if err != nil {
			return err
		}
		fmt.Printf("Stored %s.%s\n", args[0], args[1])
		return nil
	},
}

var credentialsClearCmd = &cobra.Command{
	Use:   "clear <skill-id>",
	Short: "Delete every stored credential for a skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		entry, err := c.Registry().Get(args[0])
		if err != nil {
			return err
		}
		if err := c.Credentials().Clear(args[0], entry.Descriptor.Credentials); err != nil {
			return err
		}
		fmt.Printf("Cleared credentials for %s\n", args[0])
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsClearCmd)
}
