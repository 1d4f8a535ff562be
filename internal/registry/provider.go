package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
)

// ErrProviderUnavailable is returned by a ProviderFunc whose optional
// dependency is not present. Such providers are skipped without a warning.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Provider contributes capabilities to the registry.
type Provider interface {
	// Name identifies the provider in logs and validation errors.
	Name() string

	// Capabilities lists the descriptors the provider exposes.
	Capabilities(ctx context.Context) ([]capability.Descriptor, error)
}

// ProviderFunc activates a provider. It runs once per discovery, outside the
// registry's read lock: it may call Get or All (which see the previous
// state) but must not call EnsureLoaded.
type ProviderFunc func(ctx context.Context) (Provider, error)

// StaticProvider exposes a fixed list of descriptors.
type StaticProvider struct {
	name        string
	descriptors []capability.Descriptor
}

// NewStaticProvider creates a provider over descriptors.
func NewStaticProvider(name string, descriptors ...capability.Descriptor) *StaticProvider {
	return &StaticProvider{name: name, descriptors: descriptors}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) Capabilities(context.Context) ([]capability.Descriptor, error) {
	out := make([]capability.Descriptor, len(p.descriptors))
	copy(out, p.descriptors)
	return out, nil
}

// Static wraps an already constructed provider as a ProviderFunc.
func Static(p Provider) ProviderFunc {
	return func(context.Context) (Provider, error) { return p, nil }
}

// ValidationError reports a descriptor rejected at registration time.
type ValidationError struct {
	Provider string
	Index    int
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("provider %q capability #%d: %v", e.Provider, e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
