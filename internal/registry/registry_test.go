package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/argschema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"go.uber.org/zap"
)

func descriptor(name, description string) capability.Descriptor {
	return capability.Descriptor{
		Name:           name,
		Description:    description,
		ArgumentSchema: argschema.Object(),
		Factory: func(context.Context, *capability.CallerContext) (capability.Tool, error) {
			return nil, nil
		},
	}
}

// countingProvider counts how many times its registration func runs.
func countingProvider(count *int, p Provider) ProviderFunc {
	return func(context.Context) (Provider, error) {
		*count++
		return p, nil
	}
}

func TestRegistry_EnsureLoadedRunsDiscoveryOnce(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	calls := 0
	reg := New(logger, countingProvider(&calls, NewStaticProvider("core", descriptor("echo", ""))))

	for i := 0; i < 5; i++ {
		if err := reg.EnsureLoaded(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected provider activated once, got %d", calls)
	}
	if reg.Loads() != 1 {
		t.Fatalf("expected 1 discovery run, got %d", reg.Loads())
	}
	if _, ok := reg.Get("echo"); !ok {
		t.Fatal("expected echo to be registered")
	}
}

func TestRegistry_ConcurrentEnsureLoaded(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	reg := New(zap.NewNop(), func(context.Context) (Provider, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return NewStaticProvider("core", descriptor("echo", "")), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.EnsureLoaded(context.Background())
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 activation across 50 goroutines, got %d", calls)
	}
}

func TestRegistry_UnavailableProviderSkipped(t *testing.T) {
	reg := New(zap.NewNop(),
		func(context.Context) (Provider, error) {
			return nil, fmt.Errorf("%w: no database configured", ErrProviderUnavailable)
		},
		Static(NewStaticProvider("core", descriptor("echo", ""))),
	)
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("expected unavailable provider to be swallowed, got %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 capability, got %d", reg.Len())
	}
}

func TestRegistry_BrokenProviderSkipped(t *testing.T) {
	reg := New(zap.NewNop(),
		func(context.Context) (Provider, error) { panic("half-installed provider") },
		func(context.Context) (Provider, error) { return nil, errors.New("boom") },
		Static(NewStaticProvider("core", descriptor("echo", ""))),
	)
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("expected broken providers to be skipped, got %v", err)
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "echo" {
		t.Fatalf("expected [echo], got %v", got)
	}
}

func TestRegistry_LastProviderWins(t *testing.T) {
	reg := New(zap.NewNop(),
		Static(NewStaticProvider("first", descriptor("search", "first"), descriptor("echo", ""))),
		Static(NewStaticProvider("second", descriptor("search", "second"))),
	)
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}

	d, ok := reg.Get("search")
	if !ok {
		t.Fatal("expected search")
	}
	if d.Description != "second" {
		t.Fatalf("expected last provider to win, got %q", d.Description)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "search" || names[1] != "echo" {
		t.Fatalf("expected first-seen order [search echo], got %v", names)
	}
}

func TestRegistry_MalformedDescriptorRejected(t *testing.T) {
	bad := descriptor("", "nameless")
	reg := New(zap.NewNop(),
		Static(NewStaticProvider("core", descriptor("echo", "original"))),
		Static(NewStaticProvider("broken", bad)),
	)

	err := reg.EnsureLoaded(context.Background())
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Provider != "broken" || verr.Index != 0 {
		t.Fatalf("unexpected validation error fields: %+v", verr)
	}
	if !errors.Is(err, capability.ErrInvalidDescriptor) {
		t.Fatal("expected error to wrap ErrInvalidDescriptor")
	}

	if _, ok := reg.Get(""); ok {
		t.Fatal("empty name must never be registered")
	}
	if d, _ := reg.Get("echo"); d.Description != "original" {
		t.Fatal("malformed descriptor must not overwrite a valid one")
	}
	// Subsequent calls keep reporting the first load's result without rediscovery.
	if err := reg.EnsureLoaded(context.Background()); err == nil {
		t.Fatal("expected cached validation error")
	}
	if reg.Loads() != 1 {
		t.Fatalf("expected 1 discovery run, got %d", reg.Loads())
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := New(nil)
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("expected not found")
	}
}

func TestRegistry_ResetForcesRediscovery(t *testing.T) {
	calls := 0
	reg := New(zap.NewNop(), countingProvider(&calls, NewStaticProvider("core", descriptor("echo", ""))))

	_ = reg.EnsureLoaded(context.Background())
	reg.Reset()
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after reset, got %d", reg.Len())
	}
	_ = reg.EnsureLoaded(context.Background())

	if calls != 2 {
		t.Fatalf("expected 2 activations, got %d", calls)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 capability after reload, got %d", reg.Len())
	}
}

func TestRegistry_ProviderMayReadRegistryDuringDiscovery(t *testing.T) {
	var reg *Registry
	seen := -1
	reg = New(zap.NewNop(),
		Static(NewStaticProvider("core", descriptor("echo", ""))),
		func(context.Context) (Provider, error) {
			// Reads during discovery see the state before this run.
			seen = len(reg.All())
			if _, ok := reg.Get("echo"); ok {
				return nil, errors.New("echo visible before discovery finished")
			}
			return NewStaticProvider("extra", descriptor("lookup", "")), nil
		},
	)

	done := make(chan error, 1)
	go func() { done <- reg.EnsureLoaded(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureLoaded deadlocked on a provider reading the registry")
	}
	if seen != 0 {
		t.Fatalf("expected an empty registry during discovery, saw %d", seen)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 capabilities, got %v", reg.Names())
	}
}
