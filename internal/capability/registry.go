package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Handler executes one capability call with already-validated parameters.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Definition describes a registered capability.
type Definition struct {
	Name    string
	Schema  map[string]any // JSON Schema for the params object
	Handler Handler
	Timeout time.Duration // per-attempt timeout
}

// InvokeOptions tune a single invocation.
type InvokeOptions struct {
	Timeout    time.Duration // overrides the registered default when > 0
	Retry      bool
	MaxRetries int // extra attempts after the first; defaults to 3 when Retry is set
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxLoggedParams   = 256
)

type entry struct {
	def    Definition
	schema *gojsonschema.Schema
}

// Registry holds named capabilities and invokes them with validation,
// per-attempt timeouts, and optional exponential-backoff retry. Registration
// happens at startup; invocation is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	caps       map[string]*entry
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	logger     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetryDelays overrides the backoff base and cap used between retry attempts.
func WithRetryDelays(base, cap time.Duration) Option {
	return func(r *Registry) {
		r.retryBase = base
		r.retryCap = cap
	}
}

// WithDefaultTimeout overrides the per-attempt timeout applied to
// definitions that do not set their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxRetries overrides the extra attempts used when Retry is requested
// without an explicit MaxRetries.
func WithMaxRetries(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		caps:       make(map[string]*entry),
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		retryBase:  time.Second,
		retryCap:   30 * time.Second,
		logger:     logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a capability. The name must be unique within the registry.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Schema == nil || def.Handler == nil {
		return fmt.Errorf("%w: name, schema, and handler are required", ErrInvalidDefinition)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema))
	if err != nil {
		return fmt.Errorf("%w: compile schema for %s: %v", ErrInvalidDefinition, def.Name, err)
	}
	if def.Timeout <= 0 {
		def.Timeout = r.timeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}
	r.caps[def.Name] = &entry{def: def, schema: schema}
	r.logger.Info("registered capability",
		zap.String("capability", def.Name),
		zap.Duration("timeout", def.Timeout))
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a registered capability's definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.caps[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Names returns the registered capability names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	return names
}

// Clear removes all registrations. Intended for tests and explicit
// re-registration, not for concurrent use with Invoke.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = make(map[string]*entry)
}

// Invoke validates params against the capability's schema, then runs the
// handler racing a per-attempt timeout. Validation and not-found failures are
// never retried. With opts.Retry, failed attempts are repeated with
// exponential backoff and the final failure is an *ExecutionError wrapping
// the last attempt's error.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, opts *InvokeOptions) (any, error) {
	r.mu.RLock()
	e, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if params == nil {
		params = map[string]any{}
	}
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return nil, &ValidationError{Capability: name, Fields: []FieldError{{Field: "(params)", Message: err.Error()}}}
	}
	if !res.Valid() {
		verr := &ValidationError{Capability: name}
		for _, fe := range res.Errors() {
			verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Message: fe.Description()})
		}
		return nil, verr
	}

	timeout := e.def.Timeout
	attempts := 1
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Retry {
			extra := opts.MaxRetries
			if extra <= 0 {
				extra = r.maxRetries
			}
			attempts = 1 + extra
		}
	}

	corrID := uuid.NewString()
	logged := truncateParams(params)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryBase
	bo.MaxInterval = r.retryCap
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		out, err := r.runAttempt(ctx, e, params, timeout)
		latency := time.Since(start)

		if err == nil {
			r.logger.Info("capability invoked",
				zap.String("correlation_id", corrID),
				zap.String("capability", name),
				zap.Int("attempt", attempt),
				zap.String("params", logged),
				zap.String("outcome", "ok"),
				zap.Duration("latency", latency))
			return out, nil
		}

		outcome := "error"
		var te *TimeoutError
		if errors.As(err, &te) {
			outcome = "timeout"
		}
		r.logger.Warn("capability attempt failed",
			zap.String("correlation_id", corrID),
			zap.String("capability", name),
			zap.Int("attempt", attempt),
			zap.String("params", logged),
			zap.String("outcome", outcome),
			zap.Duration("latency", latency),
			zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < attempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if attempts == 1 {
		var te *TimeoutError
		if errors.As(lastErr, &te) {
			return nil, te
		}
	}
	return nil, &ExecutionError{Capability: name, Attempts: attempts, Err: lastErr}
}

type attemptResult struct {
	out any
	err error
}

// runAttempt races the handler against the timeout. On timeout the handler
// keeps running but its result lands in a buffered channel nobody reads.
func (r *Registry) runAttempt(ctx context.Context, e *entry, params map[string]any, timeout time.Duration) (any, error) {
	resCh := make(chan attemptResult, 1)
	go func() {
		out, err := e.def.Handler(ctx, params)
		resCh <- attemptResult{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.out, res.err
	case <-timer.C:
		return nil, &TimeoutError{Capability: e.def.Name, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func truncateParams(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		return "<unmarshalable>"
	}
	if len(data) > maxLoggedParams {
		return string(data[:maxLoggedParams]) + "..."
	}
	return string(data)
}
