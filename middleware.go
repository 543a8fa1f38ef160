package skillhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillhost-dev/skillhost/audit"
	"github.com/skillhost-dev/skillhost/session"
)

// InvokeRequest is one delegated task on its way through the middleware
// chain to a skill process.
type InvokeRequest struct {
	SkillID string
	Task    string
	Input   json.RawMessage
	Handler session.EventHandler
}

// InvokeHandler executes one invocation request to its terminal result.
type InvokeHandler func(ctx context.Context, req *InvokeRequest) (*session.Result, error)

// Middleware wraps an InvokeHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion
// model).
type Middleware func(next InvokeHandler) InvokeHandler

// chainMiddleware composes mws around handler, FIFO.
func chainMiddleware(handler InvokeHandler, mws ...Middleware) InvokeHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// PanicRecoveryMiddleware converts a panicking invocation into an error
// result instead of crashing the host. The skill process, if any was
// claimed, is torn down by the deferred release on the unwind path.
func PanicRecoveryMiddleware() Middleware {
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req *InvokeRequest) (res *session.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					res = nil
					err = fmt.Errorf("skill %s: invocation panicked: %v", req.SkillID, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware logs each invocation's start and settled outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req *InvokeRequest) (*session.Result, error) {
			logger.Info("invoking skill", "skill", req.SkillID)
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				logger.Warn("invocation failed",
					"skill", req.SkillID,
					"elapsed", time.Since(start),
					"error", err)
				return res, err
			}
			logger.Info("invocation completed",
				"skill", req.SkillID,
				"session", res.SessionID,
				"elapsed", res.Elapsed,
				"events", res.Events)
			return res, err
		}
	}
}

// AuditMiddleware records every settled invocation in the ledger. Recording
// failures are logged, never propagated; the audit trail must not turn a
// completed task into a failed one.
func AuditMiddleware(ledger audit.Ledger, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req *InvokeRequest) (*session.Result, error) {
			start := time.Now()
			res, err := next(ctx, req)

			inv := audit.Invocation{
				SkillID:   req.SkillID,
				Outcome:   classifyOutcome(err),
				StartedAt: start,
				Duration:  time.Since(start),
			}
			if res != nil {
				inv.SessionID = res.SessionID
				inv.Duration = res.Elapsed
			}
			if err != nil {
				inv.Error = err.Error()
			}
			// Detached context: the task's deadline has often already
			// elapsed by the time we get here.
			if recErr := ledger.RecordInvocation(context.WithoutCancel(ctx), inv); recErr != nil {
				logger.Warn("audit record failed", "skill", req.SkillID, "error", recErr)
			}
			return res, err
		}
	}
}

func classifyOutcome(err error) string {
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return audit.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return audit.OutcomeAborted
	case errors.Is(err, ErrCapabilityDenied):
		return audit.OutcomeDenied
	case errors.Is(err, ErrProcessCrashed):
		return audit.OutcomeCrashed
	default:
		return audit.OutcomeError
	}
}
