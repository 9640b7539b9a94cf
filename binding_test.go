package fluent

import (
	"context"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBind_RegistersSealedDescriptor(t *testing.T) {
	c, reg := newTestServiceConfigurator(ConflictReplace)

	d, err := Bind[Greeter](c).
		To(ServiceType[*englishGreeter]()).
		AsSingleton().
		WithParameter("Greeting", "Hi").
		WithMetadata("owner", "core").
		Register()
	require.NoError(t, err)

	assert.True(t, d.Sealed())
	assert.Equal(t, ServiceType[Greeter](), d.Contract())
	assert.Equal(t, LifetimeSingleton, d.Lifetime())
	assert.Equal(t, "test", d.RegisteredBy())
	assert.Equal(t, "type", d.Source().Kind())
	assert.Equal(t, map[string]any{"Greeting": "Hi"}, d.Parameters())
	v, ok := d.MetadataValue("owner")
	assert.True(t, ok)
	assert.Equal(t, "core", v)

	committed, ok := reg.Lookup(ServiceKey{Contract: ServiceType[Greeter]()})
	require.True(t, ok)
	assert.Same(t, d, committed)
}

func TestBind_DefaultLifetimeIsTransient(t *testing.T) {
	c, _ := newTestServiceConfigurator(ConflictReplace)
	d, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).Register()
	require.NoError(t, err)
	assert.Equal(t, DefaultLifetime, d.Lifetime())
}

func TestBind_Errors(t *testing.T) {
	t.Run("no source", func(t *testing.T) {
		c, _ := newTestServiceConfigurator(ConflictReplace)
		_, err := Bind[Greeter](c).AsSingleton().Register()
		assert.ErrorIs(t, err, ErrNoImplementationSource)
	})

	t.Run("second source", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictReplace)
		_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).To(ServiceType[*englishGreeter]()).Register()
		assert.ErrorIs(t, err, ErrSourceAlreadySet)
		assert.Zero(t, reg.Len())
	})

	t.Run("incompatible implementation", func(t *testing.T) {
		c, _ := newTestServiceConfigurator(ConflictReplace)
		_, err := Bind[Greeter](c).To(ServiceType[englishGreeter]()).Register()
		assert.ErrorIs(t, err, ErrImplementationIncompatible)
	})

	t.Run("invalid lifetime", func(t *testing.T) {
		c, _ := newTestServiceConfigurator(ConflictReplace)
		_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).WithLifetime("forever").Register()
		assert.ErrorIs(t, err, ErrInvalidLifetime)
	})

	t.Run("unknown conflict mode", func(t *testing.T) {
		c, _ := newTestServiceConfigurator(ConflictReplace)
		_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).OnConflict("sometimes").Register()
		assert.ErrorIs(t, err, ErrUnknownConflictMode)
	})

	t.Run("register twice", func(t *testing.T) {
		c, _ := newTestServiceConfigurator(ConflictReplace)
		b := Bind[Greeter](c).WithInstance(frenchGreeter{})
		_, err := b.Register()
		require.NoError(t, err)
		_, err = b.Register()
		assert.ErrorIs(t, err, ErrDescriptorSealed)
	})
}

func TestServiceRegistry_ConflictModes(t *testing.T) {
	key := ServiceKey{Contract: ServiceType[Greeter]()}

	t.Run("prevent keeps the first binding", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictPrevent)
		first, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).Register()
		require.NoError(t, err)

		_, err = Bind[Greeter](c).To(ServiceType[*englishGreeter]()).Register()
		assert.ErrorIs(t, err, ErrDuplicateRegistration)

		committed, _ := reg.Lookup(key)
		assert.Same(t, first, committed)
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("replace keeps the last binding", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictReplace)
		_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).Register()
		require.NoError(t, err)
		second, err := Bind[Greeter](c).To(ServiceType[*englishGreeter]()).Register()
		require.NoError(t, err)

		committed, _ := reg.Lookup(key)
		assert.Same(t, second, committed)
	})

	t.Run("per-binding override", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictReplace)
		first, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).Register()
		require.NoError(t, err)

		_, err = Bind[Greeter](c).To(ServiceType[*englishGreeter]()).OnConflict(ConflictPrevent).Register()
		assert.ErrorIs(t, err, ErrDuplicateRegistration)
		committed, _ := reg.Lookup(key)
		assert.Same(t, first, committed)
	})

	t.Run("merge without source borrows the existing one", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictMerge)
		_, err := Bind[Greeter](c).To(ServiceType[*englishGreeter]()).AsSingleton().Register()
		require.NoError(t, err)

		merged, err := Bind[Greeter](c).WithParameter("Greeting", "Howdy").Register()
		require.NoError(t, err)
		assert.Equal(t, "type", merged.Source().Kind())
		assert.Equal(t, LifetimeSingleton, merged.Lifetime())
		assert.Equal(t, map[string]any{"Greeting": "Howdy"}, merged.Parameters())

		committed, _ := reg.Lookup(key)
		assert.Same(t, merged, committed)
	})

	t.Run("prevent rejects every later binding", func(t *testing.T) {
		_, reg := newTestServiceConfigurator(ConflictPrevent)
		var first *ServiceDescriptor
		for i, module := range []string{"a", "b", "c", "d", "e"} {
			c := NewServiceConfigurator(reg, module, nil)
			d, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).Register()
			if i == 0 {
				require.NoError(t, err)
				first = d
				continue
			}
			assert.ErrorIs(t, err, ErrDuplicateRegistration, "registration %d", i+1)
			assert.Nil(t, d)
		}

		assert.Equal(t, 1, reg.Len())
		committed, _ := reg.Lookup(key)
		assert.Same(t, first, committed)
		assert.Equal(t, "a", committed.RegisteredBy())
	})

	t.Run("merge folds every binding in order", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictMerge)
		_, err := Bind[Greeter](c).To(ServiceType[*englishGreeter]()).
			WithMetadata("owner", "core").WithMetadata("tier", "bronze").Register()
		require.NoError(t, err)
		_, err = Bind[Greeter](c).WithMetadata("tier", "silver").WithMetadata("region", "eu").Register()
		require.NoError(t, err)
		_, err = Bind[Greeter](c).WithMetadata("tier", "gold").WithParameter("Greeting", "Hey").Register()
		require.NoError(t, err)

		assert.Equal(t, 1, reg.Len())
		committed, _ := reg.Lookup(key)
		assert.Equal(t, map[string]any{"owner": "core", "tier": "gold", "region": "eu"}, committed.Metadata())
		assert.Equal(t, map[string]any{"Greeting": "Hey"}, committed.Parameters())
		assert.Equal(t, "type", committed.Source().Kind())
	})

	t.Run("named bindings do not collide", func(t *testing.T) {
		c, reg := newTestServiceConfigurator(ConflictPrevent)
		_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).WithName("fr").Register()
		require.NoError(t, err)
		_, err = Bind[Greeter](c).To(ServiceType[*englishGreeter]()).WithName("en").Register()
		require.NoError(t, err)
		_, err = Bind[Greeter](c).To(ServiceType[*englishGreeter]()).Register()
		require.NoError(t, err)

		assert.Equal(t, 3, reg.Len())
		names := make([]string, 0, 3)
		for _, d := range reg.Descriptors() {
			names = append(names, d.Name())
		}
		assert.Equal(t, []string{"fr", "en", ""}, names)
	})
}

func TestServiceRegistry_ApplyInRegistrationOrder(t *testing.T) {
	c, reg := newTestServiceConfigurator(ConflictReplace)
	_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).WithName("b").Register()
	require.NoError(t, err)
	_, err = Bind[Greeter](c).WithInstance(frenchGreeter{}).WithName("a").Register()
	require.NoError(t, err)
	// Replacing keeps the original position.
	_, err = Bind[Greeter](c).To(ServiceType[*englishGreeter]()).WithName("b").Register()
	require.NoError(t, err)

	sink := &recordingServiceSink{}
	require.NoError(t, reg.Apply(context.Background(), sink))
	assert.Equal(t, []string{"b", "a"}, sink.names)
	assert.Equal(t, "type", sink.descs[0].Source().Kind())
}

func TestServiceRegistry_ApplyHonoursCancellation(t *testing.T) {
	c, reg := newTestServiceConfigurator(ConflictReplace)
	_, err := Bind[Greeter](c).WithInstance(frenchGreeter{}).Register()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, reg.Apply(ctx, &recordingServiceSink{}), context.Canceled)
}

type recordingServiceSink struct {
	names []string
	descs []*ServiceDescriptor
}

func (s *recordingServiceSink) AddService(d *ServiceDescriptor) error {
	s.names = append(s.names, d.Name())
	s.descs = append(s.descs, d)
	return nil
}

type recordingMiddlewareSink struct {
	descs []*MiddlewareDescriptor
}

func (s *recordingMiddlewareSink) AddMiddleware(d *MiddlewareDescriptor) error {
	s.descs = append(s.descs, d)
	return nil
}

func TestUseMiddleware_Chain(t *testing.T) {
	c, reg := newTestMiddlewareConfigurator(ConflictReplace)
	cond := func(r *http.Request) bool { return r.Method == http.MethodGet }
	fallback := http.NotFoundHandler()

	d, err := UseMiddleware[authMW](c).
		Named("auth").
		WithPriority(10).
		DependsOn(MiddlewareType[loggingMW]()).
		Precedes(MiddlewareType[compressionMW]()).
		Follows(MiddlewareType[corsMW]()).
		InGroup("security").
		When(cond).
		WithTimeout(time.Second).
		WithFallback(fallback).
		WithCircuitBreaker(DefaultCircuitBreakerSettings()).
		Register()
	require.NoError(t, err)

	assert.Equal(t, "auth", d.Name())
	assert.Equal(t, 10, d.Priority())
	assert.Equal(t, "security", d.Group())
	assert.Equal(t, []reflect.Type{MiddlewareType[loggingMW]()}, d.Dependencies())
	assert.Equal(t, []reflect.Type{MiddlewareType[compressionMW]()}, d.Precedes())
	assert.Equal(t, []reflect.Type{MiddlewareType[corsMW]()}, d.Follows())
	assert.NotNil(t, d.Condition())
	assert.Equal(t, time.Second, d.Timeout())
	assert.NotNil(t, d.Fallback())
	require.NotNil(t, d.CircuitBreaker())
	assert.Equal(t, 0.8, d.CircuitBreaker().FailureThreshold)
	assert.True(t, d.IsEnabled())
	assert.Equal(t, "test", d.RegisteredBy())
	assert.Equal(t, 0, d.RegistrationIndex())
	assert.Equal(t, 1, reg.Len())
}

func TestUseMiddleware_Defaults(t *testing.T) {
	c, _ := newTestMiddlewareConfigurator(ConflictReplace)
	d, err := UseMiddleware[corsMW](c).Register()
	require.NoError(t, err)

	assert.Equal(t, "fluent.corsMW", d.Name())
	assert.Equal(t, DefaultPriority, d.Priority())
	assert.Equal(t, DefaultGroup, d.Group())
	assert.True(t, d.IsEnabled())
	assert.Nil(t, d.Condition())
	assert.Zero(t, d.Timeout())
}

func TestUseMiddleware_Errors(t *testing.T) {
	t.Run("constraint type is not middleware", func(t *testing.T) {
		c, reg := newTestMiddlewareConfigurator(ConflictReplace)
		_, err := UseMiddleware[authMW](c).DependsOn(reflect.TypeFor[string]()).Register()
		assert.ErrorIs(t, err, ErrNotMiddleware)
		assert.Zero(t, reg.Len())
	})

	t.Run("negative timeout", func(t *testing.T) {
		c, _ := newTestMiddlewareConfigurator(ConflictReplace)
		_, err := UseMiddleware[authMW](c).WithTimeout(-time.Second).Register()
		assert.Error(t, err)
	})

	t.Run("instance and factory", func(t *testing.T) {
		c, _ := newTestMiddlewareConfigurator(ConflictReplace)
		_, err := UseMiddleware[authMW](c).
			WithInstance(authMW{}).
			WithFactory(func(Resolver) (authMW, error) { return authMW{}, nil }).
			Register()
		assert.ErrorIs(t, err, ErrSourceAlreadySet)
	})

	t.Run("register twice", func(t *testing.T) {
		c, _ := newTestMiddlewareConfigurator(ConflictReplace)
		b := UseMiddleware[authMW](c)
		_, err := b.Register()
		require.NoError(t, err)
		_, err = b.Register()
		assert.ErrorIs(t, err, ErrDescriptorSealed)
	})
}

func TestMiddlewareRegistry_KeepsFirstRegistrationIndex(t *testing.T) {
	c, reg := newTestMiddlewareConfigurator(ConflictReplace)
	_, err := UseMiddleware[authMW](c).Register()
	require.NoError(t, err)
	_, err = UseMiddleware[corsMW](c).Register()
	require.NoError(t, err)
	replaced, err := UseMiddleware[authMW](c).Named("auth-v2").Register()
	require.NoError(t, err)

	assert.Equal(t, 0, replaced.RegistrationIndex())
	ordered, err := reg.Ordered()
	require.NoError(t, err)
	assert.Equal(t, []string{"auth-v2", "fluent.corsMW"}, namesOf(ordered))
}

func TestMiddlewareRegistry_DoesNotWriteSealedInput(t *testing.T) {
	d := newMiddlewareDescriptor(MiddlewareType[authMW]())
	require.NoError(t, d.seal())

	first := NewMiddlewareRegistry(NewConflictResolver(ConflictReplace, nil), nil)
	second := NewMiddlewareRegistry(NewConflictResolver(ConflictReplace, nil), nil)
	_, err := second.Register(newMiddlewareDescriptor(MiddlewareType[corsMW]()))
	require.NoError(t, err)

	inFirst, err := first.Register(d)
	require.NoError(t, err)
	inSecond, err := second.Register(d)
	require.NoError(t, err)

	assert.NotSame(t, d, inFirst)
	assert.True(t, inFirst.Sealed())
	assert.Equal(t, 0, inFirst.RegistrationIndex())
	assert.Equal(t, 1, inSecond.RegistrationIndex())
	assert.Equal(t, -1, d.RegistrationIndex(), "the caller's descriptor keeps its index")

	looked, ok := first.Lookup(MiddlewareType[authMW]())
	require.True(t, ok)
	assert.Same(t, inFirst, looked)
}

func TestMiddlewareRegistry_PreventAndMerge(t *testing.T) {
	t.Run("prevent", func(t *testing.T) {
		c, reg := newTestMiddlewareConfigurator(ConflictPrevent)
		first, err := UseMiddleware[authMW](c).WithPriority(1).Register()
		require.NoError(t, err)
		_, err = UseMiddleware[authMW](c).WithPriority(2).Register()
		assert.ErrorIs(t, err, ErrDuplicateRegistration)

		committed, _ := reg.Lookup(MiddlewareType[authMW]())
		assert.Same(t, first, committed)
	})

	t.Run("prevent keeps the first of many", func(t *testing.T) {
		c, reg := newTestMiddlewareConfigurator(ConflictPrevent)
		first, err := UseMiddleware[authMW](c).WithPriority(1).Register()
		require.NoError(t, err)
		for p := 2; p <= 4; p++ {
			_, err = UseMiddleware[authMW](c).WithPriority(p).Register()
			assert.ErrorIs(t, err, ErrDuplicateRegistration)
		}

		assert.Equal(t, 1, reg.Len())
		committed, _ := reg.Lookup(MiddlewareType[authMW]())
		assert.Same(t, first, committed)
		assert.Equal(t, 1, committed.Priority())
	})

	t.Run("merge unions three registrations", func(t *testing.T) {
		c, reg := newTestMiddlewareConfigurator(ConflictMerge)
		_, err := UseMiddleware[authMW](c).DependsOn(MiddlewareType[loggingMW]()).WithPriority(3).Register()
		require.NoError(t, err)
		_, err = UseMiddleware[authMW](c).DependsOn(MiddlewareType[corsMW]()).WithPriority(5).Register()
		require.NoError(t, err)
		_, err = UseMiddleware[authMW](c).DependsOn(MiddlewareType[loggingMW](), MiddlewareType[rateLimitMW]()).Register()
		require.NoError(t, err)

		committed, _ := reg.Lookup(MiddlewareType[authMW]())
		assert.ElementsMatch(t,
			[]reflect.Type{MiddlewareType[loggingMW](), MiddlewareType[corsMW](), MiddlewareType[rateLimitMW]()},
			committed.Dependencies())
		assert.Equal(t, 5, committed.Priority(), "the latest explicit priority wins")
		assert.Equal(t, 0, committed.RegistrationIndex())
	})

	t.Run("merge unions dependencies", func(t *testing.T) {
		c, reg := newTestMiddlewareConfigurator(ConflictMerge)
		_, err := UseMiddleware[authMW](c).DependsOn(MiddlewareType[loggingMW]()).WithPriority(3).Register()
		require.NoError(t, err)
		_, err = UseMiddleware[authMW](c).DependsOn(MiddlewareType[corsMW]()).Register()
		require.NoError(t, err)

		committed, _ := reg.Lookup(MiddlewareType[authMW]())
		assert.ElementsMatch(t,
			[]reflect.Type{MiddlewareType[loggingMW](), MiddlewareType[corsMW]()},
			committed.Dependencies())
		assert.Equal(t, 3, committed.Priority())
	})
}

func TestMiddlewareRegistry_Overrides(t *testing.T) {
	c, reg := newTestMiddlewareConfigurator(ConflictReplace)
	_, err := UseMiddleware[authMW](c).Named("auth").WithPriority(1).Register()
	require.NoError(t, err)
	_, err = UseMiddleware[corsMW](c).Named("cors").WithPriority(2).Register()
	require.NoError(t, err)
	_, err = UseMiddleware[loggingMW](c).Named("logging").WithPriority(3).Register()
	require.NoError(t, err)

	reg.SetOverrides(map[string]MiddlewareOverride{
		"auth":    {Priority: ptr(9)},
		"logging": {Enabled: ptr(false)},
		"cors":    {Timeout: 2 * time.Second},
	})

	ordered, err := reg.Ordered()
	require.NoError(t, err)
	assert.Equal(t, []string{"cors", "auth"}, namesOf(ordered))
	assert.Equal(t, 2*time.Second, ordered[0].Timeout())

	// Committed descriptors are untouched.
	auth, _ := reg.Lookup(MiddlewareType[authMW]())
	assert.Equal(t, 1, auth.Priority())
}

func TestMiddlewareRegistry_Apply(t *testing.T) {
	c, reg := newTestMiddlewareConfigurator(ConflictReplace)
	events := &recordingEmitter{}
	reg.WithEvents(events)

	_, err := UseMiddleware[authMW](c).DependsOn(MiddlewareType[loggingMW]()).Register()
	require.NoError(t, err)
	_, err = UseMiddleware[loggingMW](c).Register()
	require.NoError(t, err)

	sink := &recordingMiddlewareSink{}
	require.NoError(t, reg.Apply(context.Background(), sink))
	assert.Equal(t, []string{"fluent.loggingMW", "fluent.authMW"}, namesOf(sink.descs))

	ev, ok := events.last(EventTypeMiddlewareOrdered)
	require.True(t, ok)
	assert.Equal(t, []string{"fluent.loggingMW", "fluent.authMW"}, ev.Data["order"])
}

func TestMiddlewareRegistry_ApplyLeavesSinkUntouchedOnCycle(t *testing.T) {
	c, reg := newTestMiddlewareConfigurator(ConflictReplace)
	_, err := UseMiddleware[authMW](c).DependsOn(MiddlewareType[loggingMW]()).Register()
	require.NoError(t, err)
	_, err = UseMiddleware[loggingMW](c).DependsOn(MiddlewareType[authMW]()).Register()
	require.NoError(t, err)

	sink := &recordingMiddlewareSink{}
	err = reg.Apply(context.Background(), sink)
	assert.ErrorIs(t, err, ErrOrderingConflict)
	assert.Empty(t, sink.descs)
}

func TestMiddlewareRegistry_StrictDependencies(t *testing.T) {
	c, reg := newTestMiddlewareConfigurator(ConflictReplace)
	_, err := UseMiddleware[authMW](c).DependsOn(MiddlewareType[loggingMW]()).Register()
	require.NoError(t, err)

	_, err = reg.Ordered()
	require.NoError(t, err)

	reg.SetStrictDependencies(true)
	_, err = reg.Ordered()
	assert.ErrorIs(t, err, ErrMiddlewareDependencyMissing)
}

func namesOf(descs []*MiddlewareDescriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Name())
	}
	return out
}
