// Command fluent-demo serves a small HTTP API composed from fluent modules.
//
//	fluent-demo -config config.yaml -addr :8080
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/fluent"
)

func main() {
	configFile := flag.String("config", "", "YAML, TOML, JSON or .env configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	watch := flag.Bool("watch", false, "reload middleware settings when the config file changes")
	flag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	logger := fluent.NewZapLogger(zl)

	if err := run(logger, *configFile, *addr, *watch); err != nil {
		logger.Error("Application error", "error", err)
		os.Exit(1)
	}
}

func run(logger fluent.Logger, configFile, addr string, watch bool) error {
	opts := []fluent.Option{
		fluent.WithLogger(logger),
		fluent.WithModules(&greetingModule{}, &httpModule{}),
	}
	if configFile != "" {
		opts = append(opts, fluent.WithConfigFiles(configFile))
		if watch {
			opts = append(opts, fluent.WithConfigWatch(configFile))
		}
	}
	opts = append(opts, fluent.WithEnvConfig("FLUENT"))

	var app *fluent.Application
	opts = append(opts, fluent.WithRoutes(func(r chi.Router) {
		r.Get("/api/greet", greetHandler(app))
		r.Handle("/metrics", promhttp.HandlerFor(app.Metrics().Registry(), promhttp.HandlerOpts{}))
	}))

	app, err := fluent.NewApplication(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Init(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return app.Shutdown(shutdownCtx)
}

func greetHandler(app *fluent.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := fluent.Resolve[Greeter](app.Container())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "world"
		}
		_, _ = fmt.Fprintln(w, g.Greet(name))
	}
}

// Greeter builds a greeting for a name.
type Greeter interface {
	Greet(name string) string
}

type templateGreeter struct {
	Template string
}

func (g *templateGreeter) Greet(name string) string {
	return strings.ReplaceAll(g.Template, "{name}", name)
}

// greetingSettings is the "greeting" section of the config file.
type greetingSettings struct {
	Template string `yaml:"template" toml:"template" json:"template" default:"Hello, {name}!" validate:"contains={name}"`
}

// greetingModule binds the Greeter from its own config section.
type greetingModule struct {
	mc fluent.ModuleContext
}

func (m *greetingModule) Name() string { return "greeting" }

func (m *greetingModule) SetModuleContext(mc fluent.ModuleContext) { m.mc = mc }

func (m *greetingModule) ConfigureServices(c *fluent.ServiceConfigurator) error {
	var settings greetingSettings
	if err := m.mc.ConfigSection("greeting", &settings); err != nil {
		return err
	}
	_, err := fluent.Bind[Greeter](c).
		To(fluent.ServiceType[*templateGreeter]()).
		WithParameter("Template", settings.Template).
		AsSingleton().
		Register()
	return err
}

// httpModule registers the request middleware.
type httpModule struct{}

func (httpModule) Name() string { return "http" }

func (httpModule) ConfigureMiddleware(c *fluent.MiddlewareConfigurator) error {
	logger := c.Logger()
	if _, err := fluent.UseMiddleware[requestID](c).
		WithPriority(10).
		InGroup("observability").
		Register(); err != nil {
		return err
	}
	if _, err := fluent.UseMiddleware[*accessLog](c).
		WithPriority(20).
		InGroup("observability").
		DependsOn(fluent.MiddlewareType[requestID]()).
		WithInstance(&accessLog{logger: logger}).
		Register(); err != nil {
		return err
	}
	_, err := fluent.UseMiddleware[apiKey](c).
		WithPriority(30).
		InGroup("security").
		Follows(fluent.MiddlewareType[*accessLog]()).
		When(func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/api/") }).
		WithTimeout(2 * time.Second).
		OnError(func(r *http.Request, err error) {
			logger.Warn("API key check failed", "path", r.URL.Path, "error", err)
		}).
		Register()
	return err
}

type requestID struct{}

func (requestID) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type accessLog struct {
	logger fluent.Logger
}

func (a *accessLog) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Info("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"requestID", r.Header.Get("X-Request-ID"),
			"duration", time.Since(started))
	})
}

// apiKey rejects API requests without the key from FLUENT_DEMO_API_KEY when it is set.
type apiKey struct{}

func (apiKey) Wrap(next http.Handler) http.Handler {
	key := os.Getenv("FLUENT_DEMO_API_KEY")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key != "" && r.Header.Get("X-API-Key") != key {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
