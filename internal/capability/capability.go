// Package capability defines the values exchanged between tool providers, the
// registry, the resolver and the execution engine.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runner/internal/argschema"
)

// ErrInvalidDescriptor is returned when a descriptor is missing a required field.
var ErrInvalidDescriptor = errors.New("invalid capability descriptor")

// CallerContext identifies who a request runs for and carries the
// request-scoped state tools are constructed with.
type CallerContext struct {
	ProjectID string
	TeamID    string
	UserID    string
	// Surface names the UI surface the request originates from (e.g. "dashboard").
	Surface string
	// ContextualTools lists the tools that must be constructed specially for
	// this request and take precedence over registry tools of the same name.
	ContextualTools []string
	State           map[string]any
	Config          map[string]string
}

// Tool is an executable tool instance constructed for one caller.
type Tool interface {
	Name() string

	// ArgumentSchema returns the schema the arguments are validated against
	// before Execute is called. Nil disables validation.
	ArgumentSchema() *argschema.Schema

	// Execute runs the tool. Returning (nil, nil) means the tool had nothing to
	// report. A returned error is local to this invocation.
	// Implementations must return early when ctx is cancelled.
	Execute(ctx context.Context, invocationID string, args map[string]any, progress ProgressFunc) (*Result, error)
}

// ProgressFunc reports incremental progress of a running tool.
type ProgressFunc func(text string, substeps []string)

// Factory constructs a tool instance for a caller. It may block, e.g. to look
// up caller permissions.
type Factory func(ctx context.Context, caller *CallerContext) (Tool, error)

// Descriptor describes one invocable tool. Descriptors are created by
// providers at discovery time and never modified afterwards.
type Descriptor struct {
	Name           string
	DisplayName    string
	Description    string
	ArgumentSchema *argschema.Schema
	Factory        Factory
}

// Validate reports the first missing required field.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.ArgumentSchema == nil {
		return fmt.Errorf("%w: %q has no argument schema", ErrInvalidDescriptor, d.Name)
	}
	if d.Factory == nil {
		return fmt.Errorf("%w: %q has no factory", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// Title returns the display name, falling back to the name.
func (d Descriptor) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}
