// Package builtin provides the tools every deployment ships with: echo
// tools for smoke tests and surface-scoped contextual tools.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/argschema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/resolver"
)

const (
	EchoName         = "echo"
	SlowEchoName     = "slow_echo"
	SurfaceStateName = "surface_state"

	defaultDelay = 250 * time.Millisecond
	maxDelay     = 10 * time.Second
)

var (
	echoSchema = argschema.MustCompile(map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	})
	slowEchoSchema = argschema.MustCompile(map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text":     map[string]any{"type": "string"},
			"delay_ms": map[string]any{"type": "integer", "minimum": 0, "maximum": maxDelay.Milliseconds()},
		},
	})
	surfaceStateSchema = argschema.MustCompile(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{"type": "string"},
		},
	})
)

// Provider returns the builtin provider for the registry's provider table.
func Provider() registry.ProviderFunc {
	return registry.Static(registry.NewStaticProvider("builtin",
		capability.Descriptor{
			Name:           EchoName,
			DisplayName:    "Echo",
			Description:    "Returns the given text.",
			ArgumentSchema: echoSchema,
			Factory: func(context.Context, *capability.CallerContext) (capability.Tool, error) {
				return &echoTool{}, nil
			},
		},
		capability.Descriptor{
			Name:           SlowEchoName,
			DisplayName:    "Slow echo",
			Description:    "Returns the given text after a delay, reporting progress while it waits.",
			ArgumentSchema: slowEchoSchema,
			Factory: func(context.Context, *capability.CallerContext) (capability.Tool, error) {
				return &slowEchoTool{}, nil
			},
		},
	))
}

// Contextual returns the surface-scoped factories. A caller lists these names
// in CallerContext.ContextualTools to get the surface-aware instance.
func Contextual() resolver.ContextualFactories {
	return resolver.ContextualFactories{
		SurfaceStateName: func(_ context.Context, caller *capability.CallerContext) (capability.Tool, error) {
			if caller == nil || caller.Surface == "" {
				return nil, nil
			}
			return &surfaceStateTool{surface: caller.Surface, state: caller.State}, nil
		},
		EchoName: func(_ context.Context, caller *capability.CallerContext) (capability.Tool, error) {
			if caller == nil || caller.Surface == "" {
				return nil, nil
			}
			return &echoTool{surface: caller.Surface}, nil
		},
	}
}

// echoTool returns its text argument, prefixed with the surface when scoped.
type echoTool struct {
	surface string
}

func (t *echoTool) Name() string                      { return EchoName }
func (t *echoTool) ArgumentSchema() *argschema.Schema { return echoSchema }

func (t *echoTool) Execute(_ context.Context, id string, args map[string]any, _ capability.ProgressFunc) (*capability.Result, error) {
	text, _ := args["text"].(string)
	if t.surface != "" {
		text = fmt.Sprintf("[%s] %s", t.surface, text)
	}
	return &capability.Result{ID: id, Content: text, Status: capability.StatusCompleted}, nil
}

type slowEchoTool struct{}

func (t *slowEchoTool) Name() string                      { return SlowEchoName }
func (t *slowEchoTool) ArgumentSchema() *argschema.Schema { return slowEchoSchema }

func (t *slowEchoTool) Execute(ctx context.Context, id string, args map[string]any, progress capability.ProgressFunc) (*capability.Result, error) {
	text, _ := args["text"].(string)
	delay := defaultDelay
	if ms, ok := asInt64(args["delay_ms"]); ok {
		delay = time.Duration(ms) * time.Millisecond
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	progress(fmt.Sprintf("Waiting %s", delay), nil)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &capability.Result{ID: id, Content: text, Status: capability.StatusCompleted}, nil
}

// surfaceStateTool exposes the caller's surface state to the model.
type surfaceStateTool struct {
	surface string
	state   map[string]any
}

func (t *surfaceStateTool) Name() string                      { return SurfaceStateName }
func (t *surfaceStateTool) ArgumentSchema() *argschema.Schema { return surfaceStateSchema }

func (t *surfaceStateTool) Execute(_ context.Context, id string, args map[string]any, _ capability.ProgressFunc) (*capability.Result, error) {
	var payload any = t.state
	if key, _ := args["key"].(string); key != "" {
		v, ok := t.state[key]
		if !ok {
			// Nothing to report for an unknown key.
			return nil, nil
		}
		payload = map[string]any{key: v}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("surface_state: encode state: %w", err)
	}
	return &capability.Result{
		ID:      id,
		Content: string(b),
		Status:  capability.StatusCompleted,
		Artifacts: []capability.Artifact{{
			Kind:    "surface_state",
			Name:    t.surface,
			Payload: map[string]any{"surface": t.surface},
		}},
	}, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
