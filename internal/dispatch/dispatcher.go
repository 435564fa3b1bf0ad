package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// ErrUnsupportedAction is returned for an action kind with no registered handler
var ErrUnsupportedAction = errors.New("unsupported action")

// Handler executes the payload of one action kind. A nil return means the
// action succeeded; any error becomes the failure detail on the task.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) error
}

// Result reports the outcome of a single dispatch
type Result struct {
	Success bool
	Detail  string
}

// Dispatcher maps action kinds to handlers and runs them with a bounded
// execution time
type Dispatcher struct {
	logger   *zap.Logger
	timeout  time.Duration
	handlers map[model.ActionKind]Handler
}

// NewDispatcher creates a dispatcher. Every dispatch is cut off after timeout.
func NewDispatcher(timeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatch"),
		timeout:  timeout,
		handlers: make(map[model.ActionKind]Handler),
	}
}

// Register registers a handler for an action kind
func (d *Dispatcher) Register(kind model.ActionKind, handler Handler) {
	d.handlers[kind] = handler
}

// Recognizes reports whether a handler is registered for kind
func (d *Dispatcher) Recognizes(kind model.ActionKind) bool {
	_, ok := d.handlers[kind]
	return ok
}

// Dispatch runs the handler for kind against payload. Handler errors,
// panics and timeouts all come back as an unsuccessful Result; nothing
// escapes this boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, kind model.ActionKind, payload json.RawMessage) Result {
	handler, ok := d.handlers[kind]
	if !ok {
		d.logger.Warn("Unsupported action kind", zap.String("action", string(kind)))
		return Result{Success: false, Detail: fmt.Sprintf("%s: %s", ErrUnsupportedAction, kind)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler.Execute(ctx, payload)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Success: false, Detail: "timeout"}
		}
		if err != nil {
			return Result{Success: false, Detail: err.Error()}
		}
		return Result{Success: true}
	case <-ctx.Done():
		d.logger.Warn("Dispatch timed out",
			zap.String("action", string(kind)),
			zap.Duration("timeout", d.timeout))
		return Result{Success: false, Detail: "timeout"}
	}
}
