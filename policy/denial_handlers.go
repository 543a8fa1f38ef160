package policy

import (
	"fmt"
	"log/slog"
	"os"
)

// Ensure implementations satisfy the interface.
var (
	_ DenialHandler = (*StderrDenialHandler)(nil)
	_ DenialHandler = (*NopDenialHandler)(nil)
	_ DenialHandler = (*SlogDenialHandler)(nil)
)

// StderrDenialHandler logs denials to stderr.
type StderrDenialHandler struct{}

func (h *StderrDenialHandler) OnDenial(kind string, request interface{}, reason string) {
	fmt.Fprintf(os.Stderr, "Permission Denied [%s]: %v (Reason: %s)\n", kind, request, reason)
}

// NopDenialHandler does nothing.
type NopDenialHandler struct{}

func (h *NopDenialHandler) OnDenial(kind string, request interface{}, reason string) {}

// SlogDenialHandler logs denials through a structured logger.
type SlogDenialHandler struct {
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

func (h *SlogDenialHandler) OnDenial(kind string, request interface{}, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("permission denied",
		"kind", kind,
		"request", fmt.Sprint(request),
		"reason", reason,
	)
}
