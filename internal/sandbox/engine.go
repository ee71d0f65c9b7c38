// Package sandbox runs tool scripts in isolated JavaScript interpreter
// instances. Each invocation gets a fresh runtime, a wall-clock budget that
// excludes time spent in host capabilities, and a quota on outbound requests.
// Scripts reach the host only through the capabilities wired into the Engine.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds script execution when the invocation does not set one.
const DefaultTimeout = 2000 * time.Millisecond

// Invocation is one request to run a tool script.
type Invocation struct {
	Script     string
	Parameters map[string]any
	ToolID     string
	ActorID    string
	// Timeout is the script-execution budget. Time spent inside capability
	// calls is not counted.
	Timeout time.Duration
}

// Result is the outcome of Engine.Run. A timeout is reported through Error
// rather than as a Go error.
type Result struct {
	Value     any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	CustomRaw *string       `json:"custom_raw,omitempty"`
	HTTPCalls int           `json:"http_calls"`
	Duration  time.Duration `json:"-"`
}

// Runner executes tool scripts.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
	Details(ctx context.Context, inv Invocation) (string, error)
}

// Engine runs tool scripts in fresh, isolated interpreter instances.
type Engine struct {
	caps     Capabilities
	logger   *slog.Logger
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver reports every capability call to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an engine that exposes caps to scripts.
func NewEngine(caps Capabilities, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{caps: caps, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// session is the state of one invocation. Nothing in it outlives Run.
type session struct {
	ctx      context.Context
	inv      Invocation
	timeout  time.Duration
	ectx     *ExecutionContext
	guard    *runningGuard
	quota    *quota
	caps     Capabilities
	observer Observer

	customRaw *string
	// fatal is set by a capability that must end the invocation even if the
	// script catches the exception.
	fatal error
}

// Run evaluates the script and calls invoke(parameters).
func (e *Engine) Run(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	s, err := e.newSession(ctx, inv)
	if err != nil {
		return nil, err
	}

	params := inv.Parameters
	if params == nil {
		params = map[string]any{}
	}
	value, err := s.evaluate(func() (goja.Value, error) {
		return s.ectx.Call("invoke", params)
	})

	result := &Result{HTTPCalls: s.quota.HTTPCalls(), Duration: time.Since(start)}
	logger := e.logger.With(slog.String("tool_id", inv.ToolID), slog.Int("http_calls", result.HTTPCalls))

	if errors.Is(err, ErrTimeout) {
		logger.WarnContext(ctx, "Script terminated due to timeout", slog.Duration("timeout", s.timeout))
		result.Error = TimeoutMessage
		result.TimedOut = true
		return result, nil
	}
	if err != nil {
		logger.DebugContext(ctx, "Script failed", slog.Any("error", err))
		return result, err
	}

	out, err := export(value)
	if err != nil {
		return result, err
	}
	result.Value = out
	result.CustomRaw = s.customRaw

	logger.DebugContext(ctx, "Script completed", slog.Duration("duration", result.Duration))
	return result, nil
}

// Details evaluates the script and calls details(). Scripts that do not
// define details() get the empty string from the prelude.
func (e *Engine) Details(ctx context.Context, inv Invocation) (string, error) {
	s, err := e.newSession(ctx, inv)
	if err != nil {
		return "", err
	}

	value, err := s.evaluate(func() (goja.Value, error) {
		return s.ectx.Call("details")
	})
	if err != nil {
		return "", err
	}

	out, err := export(value)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", &ScriptError{Message: "details() returned an unmarshalable value", Err: err}
		}
		return string(data), nil
	}
}

func (e *Engine) newSession(ctx context.Context, inv Invocation) (*session, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &session{
		ctx:      ctx,
		inv:      inv,
		timeout:  timeout,
		ectx:     newExecutionContext(),
		guard:    &runningGuard{},
		quota:    newQuota(),
		caps:     e.caps,
		observer: e.observer,
	}

	for name, c := range s.capabilities() {
		if err := s.ectx.Define(name, s.bind(c)); err != nil {
			return nil, err
		}
	}
	if _, err := s.ectx.Eval("prelude.js", prelude()); err != nil {
		return nil, fmt.Errorf("evaluating prelude: %w", err)
	}
	return s, nil
}

// evaluate runs the script body and then entry, both under one watchdog.
func (s *session) evaluate(entry func() (goja.Value, error)) (goja.Value, error) {
	wd := newWatchdog(s.ctx, s.timeout, s.guard, s.ectx)
	wd.start()

	value, err := s.evalProtected(entry)

	s.ectx.finish()
	stopReason := wd.join()

	if s.fatal != nil {
		return nil, s.fatal
	}
	if err == nil {
		return value, nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(error); ok {
			return nil, reason
		}
		if stopReason != nil {
			return nil, stopReason
		}
		return nil, ErrTimeout
	}
	return nil, scriptError(err)
}

func (s *session) evalProtected(entry func() (goja.Value, error)) (value goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ScriptError{Message: fmt.Sprintf("host panic: %v", r)}
		}
	}()

	if _, err := s.ectx.Eval("tool.js", s.inv.Script); err != nil {
		return nil, err
	}
	return entry()
}

func scriptError(err error) error {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &ScriptError{Message: ex.Error(), Err: err}
	}
	return &ScriptError{Message: err.Error(), Err: err}
}
