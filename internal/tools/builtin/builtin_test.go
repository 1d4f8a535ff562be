package builtin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/executor"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/resolver"
	"go.uber.org/zap"
)

func newResolver() *resolver.Resolver {
	return resolver.New(resolver.Config{
		Catalog:    registry.New(zap.NewNop(), Provider()),
		Contextual: Contextual(),
		Logger:     zap.NewNop(),
	})
}

func noProgress(string, []string) {}

func TestProvider_RegistersEchoTools(t *testing.T) {
	reg := registry.New(zap.NewNop(), Provider())
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{EchoName, SlowEchoName} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("expected %s in registry", name)
		}
	}
}

func TestEngine_EchoScenario(t *testing.T) {
	eng := executor.NewEngine(executor.Config{Resolver: newResolver(), Logger: zap.NewNop()})

	results, final, err := eng.ExecuteBatch(context.Background(), []executor.Invocation{
		{ID: "a", ToolName: EchoName, Arguments: map[string]any{"text": "a-done"}},
		{ID: "b", ToolName: SlowEchoName, Arguments: map[string]any{"text": "b-done", "delay_ms": 50}},
		{ID: "c", ToolName: "missing_tool"},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Content != "a-done" || results[1].Content != "b-done" {
		t.Fatalf("expected [a-done b-done], got %+v", results)
	}
	if len(final.Invocations) != 2 || !final.Final {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
}

func TestSlowEcho_ReportsProgressAndHonoursCancel(t *testing.T) {
	tool := &slowEchoTool{}
	var reported []string
	progress := func(text string, _ []string) { reported = append(reported, text) }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tool.Execute(ctx, "1", map[string]any{"text": "x", "delay_ms": float64(5000)}, progress)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reported) != 1 || !strings.HasPrefix(reported[0], "Waiting") {
		t.Fatalf("expected one progress report, got %v", reported)
	}
}

func TestSlowEcho_Delay(t *testing.T) {
	start := time.Now()
	res, err := (&slowEchoTool{}).Execute(context.Background(), "1", map[string]any{"text": "x", "delay_ms": 30}, noProgress)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "x" || time.Since(start) < 30*time.Millisecond {
		t.Fatalf("unexpected result %+v after %s", res, time.Since(start))
	}
}

func TestContextualEcho_OverridesRegistry(t *testing.T) {
	caller := &capability.CallerContext{Surface: "dashboard", ContextualTools: []string{EchoName}}
	set, err := newResolver().Resolve(context.Background(), caller, caller.ContextualTools)
	if err != nil {
		t.Fatal(err)
	}
	tool, ok := set.Get(EchoName)
	if !ok {
		t.Fatal("expected echo")
	}
	res, err := tool.Execute(context.Background(), "1", map[string]any{"text": "hi"}, noProgress)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "[dashboard] hi" {
		t.Fatalf("expected surface-scoped echo, got %q", res.Content)
	}
}

func TestContextualEcho_WithoutSurfaceIsAbsent(t *testing.T) {
	caller := &capability.CallerContext{ContextualTools: []string{EchoName}}
	set, err := newResolver().Resolve(context.Background(), caller, caller.ContextualTools)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set.Get(EchoName); ok {
		t.Fatal("echo is claimed by the contextual phase and must be absent when it yields nothing")
	}
	if _, ok := set.Get(SlowEchoName); !ok {
		t.Fatal("expected slow_echo from the registry")
	}
}

func TestSurfaceState(t *testing.T) {
	tool := &surfaceStateTool{surface: "notebook", state: map[string]any{"query": "select 1", "rows": 3}}

	res, err := tool.Execute(context.Background(), "1", map[string]any{"key": "query"}, noProgress)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != `{"query":"select 1"}` {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Name != "notebook" {
		t.Fatalf("unexpected artifacts %+v", res.Artifacts)
	}

	res, err = tool.Execute(context.Background(), "2", map[string]any{"key": "missing"}, noProgress)
	if err != nil || res != nil {
		t.Fatalf("expected no result for unknown key, got %+v, %v", res, err)
	}
}
