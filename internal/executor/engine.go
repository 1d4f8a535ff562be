// Package executor runs batches of tool invocations concurrently and
// publishes their aggregate status after every change.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/triage-ai/palisade/services/tool_runner/internal/executor"

// Engine executes batches of invocations. It is safe for concurrent use;
// each ExecuteBatch call owns its own state.
type Engine struct {
	resolver ToolResolver
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Config configures an Engine. Metrics and Logger are optional.
type Config struct {
	Resolver ToolResolver
	Metrics  *Metrics
	Logger   *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
}

type eventKind int

const (
	eventSettled eventKind = iota
	eventProgress
)

// taskEvent is sent by a task goroutine to the orchestration loop.
type taskEvent struct {
	kind     eventKind
	id       string
	result   *capability.Result
	err      error
	progress capability.Progress
	duration time.Duration
}

// entry is the engine's working copy of one surviving invocation. Only the
// orchestration loop mutates it once tasks are running.
type entry struct {
	id          string
	toolName    string
	explanation string
	tool        capability.Tool
	args        map[string]any
	argErr      error
	status      capability.Status
	progress    *capability.Progress
	pending     bool
}

type batch struct {
	id      string
	finalID string
	entries []*entry
	byID    map[string]*entry
	seq     int
}

// ExecuteBatch runs every invocation whose tool resolves for caller and
// returns their results in completion order together with the final
// aggregate status.
//
// Invocations naming an unknown tool are dropped before execution. A task
// that returns an error contributes no result; a task that returns no result
// yields a synthesized failed result. Any error in the orchestration itself
// (including a Reporter failure or ctx ending) cancels every pending task and
// is returned as a *CriticalError with no results.
func (e *Engine) ExecuteBatch(
	ctx context.Context,
	invocations []Invocation,
	caller *capability.CallerContext,
	reporter Reporter,
) ([]capability.Result, *Snapshot, error) {
	if len(invocations) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	if err := checkUniqueIDs(invocations); err != nil {
		return nil, nil, err
	}
	if reporter == nil {
		reporter = nopReporter{}
	}

	b := &batch{
		id:      uuid.NewString(),
		finalID: uuid.NewString(),
		byID:    make(map[string]*entry, len(invocations)),
	}

	ctx, span := e.tracer.Start(ctx, "tool_runner.execute_batch", trace.WithAttributes(
		attribute.String("batch.id", b.id),
		attribute.Int("batch.submitted", len(invocations)),
	))
	defer span.End()

	var contextual []string
	if caller != nil {
		contextual = caller.ContextualTools
	}
	tools, err := e.resolver.Resolve(ctx, caller, contextual)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, nil, fmt.Errorf("ExecuteBatch: resolve tools: %w", err)
	}

	for _, inv := range invocations {
		tool, ok := tools.Get(inv.ToolName)
		if !ok {
			e.logger.Debug("dropping invocation for unknown tool",
				zap.String("batch_id", b.id),
				zap.String("invocation_id", inv.ID),
				zap.String("tool_name", inv.ToolName),
			)
			e.metrics.incDropped("unknown_tool")
			continue
		}
		en := &entry{
			id:       inv.ID,
			toolName: inv.ToolName,
			tool:     tool,
			status:   capability.StatusPending,
		}
		en.args, en.explanation, en.argErr = prepareArguments(tool, inv.Arguments)
		b.entries = append(b.entries, en)
		b.byID[en.id] = en
	}
	span.SetAttributes(attribute.Int("batch.surviving", len(b.entries)))

	if len(b.entries) == 0 {
		return []capability.Result{}, b.snapshot(), nil
	}

	e.metrics.batchStarted()
	defer e.metrics.batchFinished()

	batchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	events := make(chan taskEvent, len(b.entries))
	for _, en := range b.entries {
		en.status = capability.StatusInProgress
		en.pending = true
	}
	for _, en := range b.entries {
		go e.run(batchCtx, en, events)
	}

	last, err := e.publish(ctx, reporter, b)
	if err != nil {
		return e.abort(span, cancel, b, "publish", err)
	}

	results := make([]capability.Result, 0, len(b.entries))
	remaining := len(b.entries)
	for remaining > 0 {
		select {
		case ev := <-events:
			en := b.byID[ev.id]
			switch ev.kind {
			case eventProgress:
				if en == nil || !en.pending {
					e.logger.Debug("ignoring progress for settled invocation",
						zap.String("batch_id", b.id),
						zap.String("invocation_id", ev.id),
					)
					continue
				}
				p := ev.progress
				en.progress = &p
			case eventSettled:
				if en == nil || !en.pending {
					return e.abort(span, cancel, b, "correlation", fmt.Errorf("%w: %q", errUnknownInvocation, ev.id))
				}
				en.pending = false
				remaining--
				if res := e.settle(b, en, ev); res != nil {
					results = append(results, *res)
				}
			}
			last, err = e.publish(ctx, reporter, b)
			if err != nil {
				return e.abort(span, cancel, b, "publish", err)
			}
		case <-ctx.Done():
			return e.abort(span, cancel, b, "context", context.Cause(ctx))
		}
	}

	span.SetAttributes(attribute.Int("batch.results", len(results)))
	return results, last, nil
}

// run executes one invocation and reports its outcome. Sends give up when
// the batch is cancelled so no goroutine outlives an aborted batch.
func (e *Engine) run(ctx context.Context, en *entry, events chan<- taskEvent) {
	ctx, span := e.tracer.Start(ctx, "tool_runner.execute_tool", trace.WithAttributes(
		attribute.String("tool.name", en.toolName),
		attribute.String("invocation.id", en.id),
	))
	defer span.End()

	start := time.Now()
	var settled atomic.Bool
	progress := func(text string, substeps []string) {
		if settled.Load() {
			return
		}
		ev := taskEvent{
			kind:     eventProgress,
			id:       en.id,
			progress: capability.Progress{Text: text, Substeps: append([]string(nil), substeps...)},
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	result, err := e.invoke(ctx, en, progress)
	settled.Store(true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
	}

	select {
	case events <- taskEvent{kind: eventSettled, id: en.id, result: result, err: err, duration: time.Since(start)}:
	case <-ctx.Done():
	}
}

func (e *Engine) invoke(ctx context.Context, en *entry, progress capability.ProgressFunc) (result *capability.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", en.toolName, rec)
		}
	}()
	if en.argErr != nil {
		return capability.FailedResult(en.id, en.toolName, "invalid arguments: "+en.argErr.Error()), nil
	}
	return en.tool.Execute(ctx, en.id, en.args, progress)
}

// settle applies a settled task to its entry and returns the result to
// record, or nil when the task failed with an error.
func (e *Engine) settle(b *batch, en *entry, ev taskEvent) *capability.Result {
	switch {
	case ev.err != nil:
		e.logger.Warn("tool execution failed",
			zap.String("batch_id", b.id),
			zap.String("invocation_id", en.id),
			zap.String("tool_name", en.toolName),
			zap.Error(ev.err),
		)
		en.status = capability.StatusFailed
		e.metrics.observeSettled(en.toolName, "error", ev.duration)
		return nil

	case ev.result == nil:
		en.status = capability.StatusFailed
		e.metrics.observeSettled(en.toolName, "empty", ev.duration)
		return capability.FailedResult(en.id, en.toolName, "tool returned no result")

	default:
		res := *ev.result
		res.ID = en.id
		res.ToolName = en.toolName
		if !res.Status.Terminal() {
			res.Status = capability.StatusCompleted
		}
		en.status = res.Status
		e.metrics.observeSettled(en.toolName, string(res.Status), ev.duration)
		return &res
	}
}

func (e *Engine) publish(ctx context.Context, reporter Reporter, b *batch) (*Snapshot, error) {
	snap := b.snapshot()
	e.metrics.incPublications()
	if err := reporter.Publish(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *Engine) abort(span trace.Span, cancel context.CancelCauseFunc, b *batch, reason string, err error) ([]capability.Result, *Snapshot, error) {
	cerr := &CriticalError{BatchID: b.id, Reason: reason, Err: err}
	cancel(cerr)

	pending := 0
	for _, en := range b.entries {
		if en.pending {
			pending++
		}
	}
	e.logger.Error("critical batch error, cancelling pending tasks",
		zap.String("batch_id", b.id),
		zap.String("reason", reason),
		zap.Int("pending", pending),
		zap.Error(err),
	)
	e.metrics.incCritical(reason)
	span.RecordError(cerr)
	span.SetStatus(codes.Error, reason)
	return nil, nil, cerr
}

// snapshot copies the current state of every entry.
func (b *batch) snapshot() *Snapshot {
	b.seq++
	snap := &Snapshot{
		BatchID:     b.id,
		Sequence:    b.seq,
		Invocations: make([]InvocationState, 0, len(b.entries)),
		PublishedAt: time.Now(),
	}
	final := true
	for _, en := range b.entries {
		st := InvocationState{
			ID:          en.id,
			ToolName:    en.toolName,
			Explanation: en.explanation,
			Status:      en.status,
		}
		if en.progress != nil {
			p := *en.progress
			p.Substeps = append([]string(nil), p.Substeps...)
			st.Progress = &p
		}
		if !en.status.Terminal() {
			final = false
		}
		snap.Invocations = append(snap.Invocations, st)
	}
	if final {
		snap.ID = b.finalID
		snap.Final = true
	}
	return snap
}

// prepareArguments strips the reserved explanation argument and validates the
// rest against the tool's schema.
func prepareArguments(tool capability.Tool, raw map[string]any) (map[string]any, string, error) {
	args := make(map[string]any, len(raw))
	var explanation string
	for k, v := range raw {
		if k == ExplanationArgument {
			if s, ok := v.(string); ok {
				explanation = s
			}
			continue
		}
		args[k] = v
	}
	if err := tool.ArgumentSchema().Validate(args); err != nil {
		return args, explanation, err
	}
	return args, explanation, nil
}

func checkUniqueIDs(invocations []Invocation) error {
	seen := make(map[string]struct{}, len(invocations))
	for _, inv := range invocations {
		if _, ok := seen[inv.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateInvocation, inv.ID)
		}
		seen[inv.ID] = struct{}{}
	}
	return nil
}
