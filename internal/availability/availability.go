// Package availability decides whether a registry capability is visible to a caller.
package availability

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
)

// Checker reports whether the named capability is available to the caller.
type Checker interface {
	Available(ctx context.Context, caller *capability.CallerContext, name string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, caller *capability.CallerContext, name string) (bool, error)

func (f CheckerFunc) Available(ctx context.Context, caller *capability.CallerContext, name string) (bool, error) {
	return f(ctx, caller, name)
}

// AllowAll makes every capability available.
type AllowAll struct{}

func (AllowAll) Available(context.Context, *capability.CallerContext, string) (bool, error) {
	return true, nil
}

// Grant is a per-project override of a capability's availability.
type Grant struct {
	ProjectID      string
	CapabilityName string
	Enabled        bool
}
