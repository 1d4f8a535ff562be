package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"go.uber.org/zap"
)

// Registry indexes capability descriptors by name. Discovery runs lazily on
// the first EnsureLoaded call and is cached until Reset.
type Registry struct {
	providers []ProviderFunc
	logger    *zap.Logger

	// loadMu serializes discovery. Provider funcs run holding only loadMu,
	// so they may read the registry but must not call EnsureLoaded.
	loadMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	byName      map[string]capability.Descriptor
	order       []string
	loadErr     error
	loads       int
}

// New creates a registry over a static table of provider registration functions.
func New(logger *zap.Logger, providers ...ProviderFunc) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: providers,
		logger:    logger,
		byName:    make(map[string]capability.Descriptor),
	}
}

// EnsureLoaded runs provider discovery once. Later calls are no-ops and
// return the validation errors of the first run, if any. Unavailable or
// failing providers are skipped; the registry stays usable either way.
func (r *Registry) EnsureLoaded(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.Lock()
	if r.initialized {
		err := r.loadErr
		r.mu.Unlock()
		return err
	}
	r.loads++
	r.mu.Unlock()

	idx := &index{byName: make(map[string]capability.Descriptor), logger: r.logger}
	var errs []error
	for i, fn := range r.providers {
		p, descs, err := activate(ctx, fn)
		if err != nil {
			if errors.Is(err, ErrProviderUnavailable) {
				r.logger.Debug("provider unavailable, skipping",
					zap.Int("provider_index", i),
					zap.Error(err),
				)
			} else {
				r.logger.Warn("provider failed to load, skipping",
					zap.Int("provider_index", i),
					zap.Error(err),
				)
			}
			continue
		}
		errs = append(errs, idx.add(p.Name(), descs)...)
	}

	r.mu.Lock()
	r.byName = idx.byName
	r.order = idx.order
	r.initialized = true
	r.loadErr = errors.Join(errs...)
	loadErr := r.loadErr
	r.mu.Unlock()

	r.logger.Info("capability registry loaded",
		zap.Int("providers", len(r.providers)),
		zap.Int("capabilities", len(idx.order)),
		zap.Int("rejected", len(errs)),
	)
	return loadErr
}

// activate runs a ProviderFunc and lists its capabilities, turning a panic
// into an error.
func activate(ctx context.Context, fn ProviderFunc) (p Provider, descs []capability.Descriptor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider panicked: %v", rec)
		}
	}()
	if fn == nil {
		return nil, nil, fmt.Errorf("%w: nil provider func", ErrProviderUnavailable)
	}
	p, err = fn(ctx)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, fmt.Errorf("%w: provider func returned nil", ErrProviderUnavailable)
	}
	descs, err = p.Capabilities(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return p, descs, nil
}

// index is the descriptor table built by one discovery run.
type index struct {
	byName map[string]capability.Descriptor
	order  []string
	logger *zap.Logger
}

// add inserts descs. A later provider overwrites an earlier descriptor of
// the same name; the name keeps its first-seen position.
func (x *index) add(provider string, descs []capability.Descriptor) []error {
	var errs []error
	for i, d := range descs {
		if err := d.Validate(); err != nil {
			verr := &ValidationError{Provider: provider, Index: i, Err: err}
			x.logger.Error("rejecting capability", zap.Error(verr))
			errs = append(errs, verr)
			continue
		}
		if _, exists := x.byName[d.Name]; exists {
			x.logger.Debug("capability overridden by later provider",
				zap.String("capability", d.Name),
				zap.String("provider", provider),
			)
		} else {
			x.order = append(x.order, d.Name)
		}
		x.byName[d.Name] = d
	}
	return errs
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (capability.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	return d, ok
}

// All returns every descriptor in first-registered order.
func (r *Registry) All() []capability.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capability.Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the registered names in first-registered order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Loads returns how many times discovery has run.
func (r *Registry) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

// Reset clears all state so the next EnsureLoaded rediscovers providers.
// Intended for tests.
func (r *Registry) Reset() {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = false
	r.byName = make(map[string]capability.Descriptor)
	r.order = nil
	r.loadErr = nil
}
