package fluent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSettings configures the breaker guarding one middleware.
type CircuitBreakerSettings struct {
	MaxRequests      uint32        `yaml:"max_requests" toml:"max_requests" json:"max_requests"`
	Interval         time.Duration `yaml:"interval" toml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests" toml:"min_requests" json:"min_requests"`
}

// DefaultCircuitBreakerSettings trips at 80% failures over at least 5 requests.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

var errServerError = errors.New("downstream responded with a server error")

// PipelineBuilder collects ordered middleware descriptors and builds a Pipeline.
type PipelineBuilder struct {
	logger  Logger
	metrics *Metrics
	events  EventEmitter
	descs   []*MiddlewareDescriptor
}

func NewPipelineBuilder(logger Logger) *PipelineBuilder {
	return &PipelineBuilder{logger: loggerOrNop(logger)}
}

func (b *PipelineBuilder) WithMetrics(m *Metrics) *PipelineBuilder {
	b.metrics = m
	return b
}

func (b *PipelineBuilder) WithEvents(e EventEmitter) *PipelineBuilder {
	b.events = e
	return b
}

// AddMiddleware appends d. Descriptors must arrive in execution order.
func (b *PipelineBuilder) AddMiddleware(d *MiddlewareDescriptor) error {
	if d == nil {
		return ErrNilDescriptor
	}
	b.descs = append(b.descs, d)
	return nil
}

// Build instantiates every middleware and installs it on a new chi router.
func (b *PipelineBuilder) Build(resolver Resolver) (*Pipeline, error) {
	p := &Pipeline{router: chi.NewRouter()}
	for _, d := range b.descs {
		mw, err := instantiateMiddleware(d, resolver)
		if err != nil {
			return nil, fmt.Errorf("building middleware %s: %w", d.Name(), err)
		}
		seg := newSegment(d, mw, b.logger, b.metrics, b.events)
		p.middlewares = append(p.middlewares, seg.handler)
		p.names = append(p.names, d.Name())
	}
	p.router.Use(p.middlewares...)
	b.logger.Info("Middleware pipeline built", "order", p.names)
	return p, nil
}

// instantiateMiddleware uses, in order: the registered instance, the factory,
// a container binding for the middleware type, or a zero value.
func instantiateMiddleware(d *MiddlewareDescriptor, resolver Resolver) (Middleware, error) {
	if d.instance != nil {
		return d.instance, nil
	}
	if d.factory != nil {
		if resolver == nil {
			return nil, fmt.Errorf("%w: factory needs a resolver", ErrServiceNotFound)
		}
		return d.factory(resolver)
	}
	if resolver != nil {
		v, err := resolver.Resolve(d.typ, "")
		switch {
		case err == nil:
			mw, ok := v.(Middleware)
			if !ok {
				return nil, fmt.Errorf("%w: %T", ErrNotMiddleware, v)
			}
			return mw, nil
		case !errors.Is(err, ErrServiceNotFound):
			return nil, err
		}
	}

	var v reflect.Value
	switch d.typ.Kind() {
	case reflect.Interface:
		return nil, fmt.Errorf("%w: no instance, factory or binding for interface %s", ErrNoImplementationSource, d.typ)
	case reflect.Pointer:
		v = reflect.New(d.typ.Elem())
	default:
		v = reflect.New(d.typ).Elem()
	}
	return v.Interface().(Middleware), nil
}

// Pipeline is a built, immutable middleware chain.
type Pipeline struct {
	router      chi.Router
	middlewares []func(http.Handler) http.Handler
	names       []string
}

// Router returns the chi router with every middleware installed via Use.
// Routes may be added to it; middleware may not.
func (p *Pipeline) Router() chi.Router { return p.router }

// Wrap applies the chain to h without a router.
func (p *Pipeline) Wrap(h http.Handler) http.Handler {
	return chi.Chain(p.middlewares...).Handler(h)
}

// Order returns the middleware names in execution order.
func (p *Pipeline) Order() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// segment applies the per-middleware policies around one Middleware.
type segment struct {
	desc    *MiddlewareDescriptor
	mw      Middleware
	breaker *gobreaker.CircuitBreaker
	logger  Logger
	metrics *Metrics
	events  EventEmitter
}

func newSegment(d *MiddlewareDescriptor, mw Middleware, logger Logger, metrics *Metrics, events EventEmitter) *segment {
	s := &segment{
		desc:    d,
		mw:      mw,
		logger:  WithFields(logger, "middleware", d.Name()),
		metrics: metrics,
		events:  events,
	}
	if cfg := d.breaker; cfg != nil {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        d.Name(),
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		})
	}
	return s
}

func (s *segment) handler(next http.Handler) http.Handler {
	wrapped := s.mw.Wrap(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.conditionHolds(r) {
			s.metrics.observeSkip(s.desc.Name())
			next.ServeHTTP(w, r)
			return
		}

		var (
			err       error
			committed bool
		)
		if s.breaker == nil {
			committed, err = s.run(wrapped, w, r)
		} else {
			_, err = s.breaker.Execute(func() (any, error) {
				var runErr error
				committed, runErr = s.run(wrapped, w, r)
				return nil, runErr
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = fmt.Errorf("%w: %s", ErrCircuitOpen, s.desc.Name())
			}
		}
		if err != nil && !errors.Is(err, errServerError) {
			s.fail(w, r, err, committed)
		}
	})
}

// conditionHolds evaluates the condition; a panicking condition counts as false.
func (s *segment) conditionHolds(r *http.Request) (ok bool) {
	cond := s.desc.condition
	if cond == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Middleware condition panicked, skipping middleware", "panic", rec)
			s.metrics.observeConditionPanic(s.desc.Name())
			ok = false
		}
	}()
	return cond(r)
}

// run serves r through h, enforcing the timeout and recovering panics.
// committed reports whether anything reached the client.
func (s *segment) run(h http.Handler, w http.ResponseWriter, r *http.Request) (committed bool, err error) {
	if s.desc.timeout <= 0 {
		rec := newStatusRecorder(w)
		err = serveRecovered(h, rec, r)
		if err == nil && rec.status >= http.StatusInternalServerError {
			err = errServerError
		}
		return rec.written, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.desc.timeout)
	defer cancel()

	bw := newBufferedWriter(w.Header())
	done := make(chan error, 1)
	go func() {
		done <- serveRecovered(h, bw, r.WithContext(ctx))
	}()

	select {
	case err = <-done:
		if err != nil {
			return false, err
		}
		if status := bw.flushTo(w); status >= http.StatusInternalServerError {
			return true, errServerError
		}
		return true, nil
	case <-ctx.Done():
		bw.expire()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("%w after %s: %s", ErrMiddlewareTimeout, s.desc.timeout, s.desc.Name())
		}
		return false, ctx.Err()
	}
}

func serveRecovered(h http.Handler, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = fmt.Errorf("%w: %v", ErrMiddlewarePanic, rec)
		}
	}()
	h.ServeHTTP(w, r)
	return nil
}

// fail notifies the error handler, then serves the fallback or an error status.
func (s *segment) fail(w http.ResponseWriter, r *http.Request, err error, committed bool) {
	reason := failureReason(err)
	s.logger.Error("Middleware failed", "reason", reason, "error", err)
	s.metrics.observeFailure(s.desc.Name(), reason)
	emit(r.Context(), s.events, EventTypeMiddlewareFailed, map[string]any{
		"middleware": s.desc.Name(),
		"reason":     reason,
		"error":      err.Error(),
	})

	if h := s.desc.errorHandler; h != nil {
		h(r, err)
	}
	if committed {
		return
	}
	if fb := s.desc.fallback; fb != nil {
		fb.ServeHTTP(w, r)
		return
	}
	http.Error(w, http.StatusText(failureStatus(err)), failureStatus(err))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMiddlewareTimeout):
		return "timeout"
	case errors.Is(err, ErrMiddlewarePanic):
		return "panic"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func failureStatus(err error) int {
	switch {
	case errors.Is(err, ErrMiddlewareTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
