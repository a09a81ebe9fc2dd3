package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mangofish163/procurator/internal/logger"
)

// Handler is a task implementation. It receives the payload's taskData and
// returns an arbitrary JSON-encodable result.
type Handler func(ctx context.Context, data map[string]interface{}) (interface{}, error)

// SyncMode controls whether a task may be executed synchronously at submit
// time.
type SyncMode string

const (
	SyncFree       SyncMode = "Free"       // caller chooses
	SyncMust       SyncMode = "Must"       // always executed inline
	SyncProhibited SyncMode = "Prohibited" // queue only
)

// Error definitions
var (
	ErrTaskNotRegistered = errors.New("task handler not registered")
	ErrTaskTimeout       = errors.New("task execution timed out")
	ErrTaskCanceled      = errors.New("task execution canceled")
)

type registration struct {
	handler Handler
	mode    SyncMode
}

// Dispatcher is the string-keyed task registry. It is populated at startup
// and read-only afterwards.
type Dispatcher struct {
	handlers map[string]registration
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]registration)}
}

// Register adds a handler with the default Free sync mode.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.RegisterWithMode(name, handler, SyncFree)
}

// RegisterWithMode adds a handler with an explicit sync mode.
func (d *Dispatcher) RegisterWithMode(name string, handler Handler, mode SyncMode) {
	d.handlers[name] = registration{handler: handler, mode: mode}
}

// Has checks whether a task name is registered.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.handlers[name]
	return ok
}

// Names returns all registered task names.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// SyncModeFor returns the sync mode for a task, Free when unregistered.
func (d *Dispatcher) SyncModeFor(name string) SyncMode {
	if reg, ok := d.handlers[name]; ok {
		return reg.mode
	}
	return SyncFree
}

// Dispatch runs the handler registered under name. Panics are recovered and
// surfaced as errors so a bad task implementation cannot take a worker down.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, data map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.Error().
				Str("task", name).
				Interface("panic", r).
				Str("stack", string(stack)).
				Msg("task handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	reg, ok := d.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}

	start := time.Now()
	result, err = reg.handler(ctx, data)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn().Str("task", name).Dur("duration", duration).Msg("task timed out")
			return nil, ErrTaskTimeout
		}
		if errors.Is(err, context.Canceled) {
			logger.Warn().Str("task", name).Dur("duration", duration).Msg("task canceled")
			return nil, ErrTaskCanceled
		}
		logger.Error().Err(err).Str("task", name).Dur("duration", duration).Msg("task failed")
		return nil, err
	}

	logger.Debug().Str("task", name).Dur("duration", duration).Msg("task executed")
	return result, nil
}

// ErrorType maps a dispatch error to the metric label value.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrTaskNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrTaskTimeout):
		return "timeout"
	case errors.Is(err, ErrTaskCanceled):
		return "canceled"
	default:
		return "error"
	}
}
