package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillhost-dev/skillhost/protocol"
)

var (
	invokeTimeout time.Duration
	invokeInput   string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <skill-id> <task>",
	Short: "Run one task against a skill, streaming its events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildContainer()
		if err != nil {
			return err
		}
		defer closeContainer(cmd.Context(), c)

		ctx := cmd.Context()
		if invokeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, invokeTimeout)
			defer cancel()
		}

		var input json.RawMessage
		if invokeInput != "" {
			if !json.Valid([]byte(invokeInput)) {
				return fmt.Errorf("--input is not valid JSON")
			}
			input = json.RawMessage(invokeInput)
		}

		res, err := c.Host().Invoke(ctx, args[0], args[1], input, printEvent)
		if err != nil {
			return err
		}
		if res.Summary != "" {
			fmt.Println(res.Summary)
		}
		if len(res.Output) > 0 {
			fmt.Println(string(res.Output))
		}
		fmt.Printf("done in %s (%d events)\n", res.Elapsed.Round(time.Millisecond), res.Events)
		return nil
	},
}

func init() {
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 0, "task deadline (default 5m)")
	invokeCmd.Flags().StringVar(&invokeInput, "input", "", "JSON input payload for the task")
}

// printEvent renders one streamed event. Payload shapes are skill-defined;
// progress text is pulled out, everything else prints raw.
func printEvent(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventProgress:
		var p protocol.ProgressPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil && p.Text != "" {
			fmt.Println("…", p.Text)
			return
		}
	case protocol.EventToolCall:
		fmt.Println("→ tool call:", string(ev.Payload))
		return
	case protocol.EventToolResult:
		fmt.Println("← tool result:", string(ev.Payload))
		return
	case protocol.EventDone, protocol.EventAborted:
		return
	}
	fmt.Printf("[%s] %s\n", ev.Kind, string(ev.Payload))
}
