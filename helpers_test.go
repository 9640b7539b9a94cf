package fluent

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// recordingLogger captures log entries for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	Level   string
	Message string
	Args    []any
}

func newRecordingLogger() *recordingLogger { return &recordingLogger{} }

func (l *recordingLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Message: msg, Args: args})
}

func (l *recordingLogger) Info(msg string, args ...any)  { l.add("INFO", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.add("ERROR", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.add("WARN", msg, args) }
func (l *recordingLogger) Debug(msg string, args ...any) { l.add("DEBUG", msg, args) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (l *recordingLogger) find(level, msg string) *logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].Level == level && l.entries[i].Message == msg {
			e := l.entries[i]
			return &e
		}
	}
	return nil
}

// recordingEmitter is a synchronous EventEmitter.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	Type string
	Data map[string]any
}

func (e *recordingEmitter) Emit(_ context.Context, eventType string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{Type: eventType, Data: data})
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

func (e *recordingEmitter) last(eventType string) (emitted, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Type == eventType {
			return e.events[i], true
		}
	}
	return emitted{}, false
}

// eventCollector is an Observer that stores every event it receives.
type eventCollector struct {
	id     string
	mu     sync.Mutex
	events []cloudevents.Event
}

func (c *eventCollector) OnEvent(_ context.Context, event cloudevents.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) ObserverID() string { return c.id }

func (c *eventCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type())
	}
	return out
}

// Middleware fixtures. Each one appends its tag to the X-Trace response header
// before calling next, so the header records execution order.

type traceMiddleware struct{ tag string }

func (m traceMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("X-Trace", m.tag)
		next.ServeHTTP(w, r)
	})
}

type loggingMW struct{}

func (loggingMW) Wrap(next http.Handler) http.Handler { return traceMiddleware{"logging"}.Wrap(next) }

type authMW struct{}

func (authMW) Wrap(next http.Handler) http.Handler { return traceMiddleware{"auth"}.Wrap(next) }

type corsMW struct{}

func (corsMW) Wrap(next http.Handler) http.Handler { return traceMiddleware{"cors"}.Wrap(next) }

type rateLimitMW struct{}

func (rateLimitMW) Wrap(next http.Handler) http.Handler { return traceMiddleware{"ratelimit"}.Wrap(next) }

type compressionMW struct{}

func (compressionMW) Wrap(next http.Handler) http.Handler {
	return traceMiddleware{"compression"}.Wrap(next)
}

// panicMW panics on every request.
type panicMW struct{}

func (panicMW) Wrap(http.Handler) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
}

// slowMW blocks until the request context is done.
type slowMW struct{}

func (slowMW) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
}

// failingMW answers 500 itself.
type failingMW struct{}

func (failingMW) Wrap(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "downstream failure", http.StatusInternalServerError)
	})
}

// counterMW counts the requests it served.
type counterMW struct {
	mu     sync.Mutex
	served int
}

func (m *counterMW) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.served++
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (m *counterMW) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.served
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

// Service fixtures.

type Greeter interface {
	Greet(name string) string
}

type englishGreeter struct {
	Greeting string
}

func (g *englishGreeter) Greet(name string) string {
	greeting := g.Greeting
	if greeting == "" {
		greeting = "Hello"
	}
	return fmt.Sprintf("%s, %s", greeting, name)
}

type frenchGreeter struct{}

func (frenchGreeter) Greet(name string) string { return "Bonjour, " + name }

// Module fixtures.

type serviceModuleFunc struct {
	name      string
	configure func(c *ServiceConfigurator) error
}

func (m *serviceModuleFunc) Name() string { return m.name }
func (m *serviceModuleFunc) ConfigureServices(c *ServiceConfigurator) error {
	if m.configure == nil {
		return nil
	}
	return m.configure(c)
}

type middlewareModuleFunc struct {
	name      string
	configure func(c *MiddlewareConfigurator) error
}

func (m *middlewareModuleFunc) Name() string { return m.name }
func (m *middlewareModuleFunc) ConfigureMiddleware(c *MiddlewareConfigurator) error {
	if m.configure == nil {
		return nil
	}
	return m.configure(c)
}

// lifecycleModule records its lifecycle calls into a shared journal.
type lifecycleModule struct {
	serviceModuleFunc
	journal     *journal
	initErr     error
	shutdownErr error
}

func (m *lifecycleModule) Initialize(context.Context) error {
	m.journal.add("init:" + m.name)
	return m.initErr
}

func (m *lifecycleModule) Shutdown(context.Context) error {
	m.journal.add("shutdown:" + m.name)
	return m.shutdownErr
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type conditionalModule struct {
	serviceModuleFunc
	register bool
	seen     ModuleContext
}

func (m *conditionalModule) ShouldRegister(mc ModuleContext) bool {
	m.seen = mc
	return m.register
}

type contextAwareModule struct {
	middlewareModuleFunc
	mc ModuleContext
}

func (m *contextAwareModule) SetModuleContext(mc ModuleContext) { m.mc = mc }

type prioritizedModule struct {
	serviceModuleFunc
	priority int
}

func (m *prioritizedModule) Priority() int { return m.priority }

// invalidModule implements neither configurator.
type invalidModule struct{}

func (invalidModule) Name() string { return "invalid" }

// bothModule implements both configurators.
type bothModule struct{}

func (bothModule) Name() string                                      { return "both" }
func (bothModule) ConfigureServices(*ServiceConfigurator) error      { return nil }
func (bothModule) ConfigureMiddleware(*MiddlewareConfigurator) error { return nil }

// Configurator helpers for tests that bypass modules.

func newTestServiceConfigurator(mode ConflictMode) (*ServiceConfigurator, *ServiceRegistry) {
	reg := NewServiceRegistry(NewConflictResolver(mode, nil), nil)
	return NewServiceConfigurator(reg, "test", nil), reg
}

func newTestMiddlewareConfigurator(mode ConflictMode) (*MiddlewareConfigurator, *MiddlewareRegistry) {
	reg := NewMiddlewareRegistry(NewConflictResolver(mode, nil), nil)
	return NewMiddlewareConfigurator(reg, "test", nil), reg
}

func ptr[T any](v T) *T { return &v }
