package gatekeeper

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/skillhost-dev/skillhost/capability"
)

// TerminalPrompter provides interactive terminal prompting for capability
// authorization.
type TerminalPrompter struct{}

// NewTerminalPrompter creates a new TerminalPrompter.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// PromptForCapability asks the user to authorize one capability.
func (p *TerminalPrompter) PromptForCapability(ctx context.Context, req capability.Request) (granted bool, always bool, err error) {
	if req.IsBroad {
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "\033[1;33mSecurity Warning: Broad Permission Requested\033[0m\n\n")
		fmt.Fprintf(os.Stderr, "  %s\n", req.Description)
		fmt.Fprintf(os.Stderr, "  Recommendation: Review if this broad access is necessary.\n")
		fmt.Fprintf(os.Stderr, "\n")
	}
	if req.Escalated {
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "\033[1;31mEscalation: this capability was not declared when the skill was installed.\033[0m\n\n")
	}

	const (
		optionYes    = "Yes, allow for this session"
		optionAlways = "Always allow (save decision)"
		optionNo     = "No, deny"
	)

	title := "Skill Requesting Permission"
	if req.Escalated {
		title = "Skill Requesting Undeclared Permission"
	}

	var selection string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(title).
			Description(req.Description).
			Options(
				huh.NewOption(optionYes, optionYes),
				huh.NewOption(optionAlways, optionAlways),
				huh.NewOption(optionNo, optionNo),
			).
			Value(&selection),
	))

	if err := form.RunWithContext(ctx); err != nil {
		return false, false, err
	}

	switch selection {
	case optionYes:
		return true, false, nil
	case optionAlways:
		return true, true, nil
	default:
		return false, false, nil
	}
}

// FormatNonInteractiveError creates a helpful error message for
// non-interactive mode.
func (p *TerminalPrompter) FormatNonInteractiveError(skillID string, missing capability.Set) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "skill %s requires additional permissions (running in non-interactive mode)\n\n", skillID)
	msg.WriteString("Required permissions:\n")

	for _, c := range missing.Sorted() {
		fmt.Fprintf(&msg, "  - %s\n", c)
	}

	msg.WriteString("\nTo grant these permissions:\n")
	msg.WriteString("  1. Run interactively and approve when prompted\n")
	fmt.Fprintf(&msg, "  2. Run: skillhost authorize %s --allow %s\n", skillID, strings.Join(missing.Strings(), ","))
	msg.WriteString("  3. Manually edit: ~/.skillhost/grants.yaml\n")

	return fmt.Errorf("%s", msg.String())
}
