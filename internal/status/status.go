// Package status provides Reporter implementations that deliver aggregate
// batch status to logs, the event store and streaming callers.
package status

import (
	"context"
	"errors"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/executor"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
)

// Func adapts a function to executor.Reporter.
type Func func(ctx context.Context, snapshot *executor.Snapshot) error

func (f Func) Publish(ctx context.Context, snapshot *executor.Snapshot) error {
	return f(ctx, snapshot)
}

// Multi publishes to every reporter in order. All reporters are called even
// when one fails; the errors are joined.
func Multi(reporters ...executor.Reporter) executor.Reporter {
	return multi(reporters)
}

type multi []executor.Reporter

func (m multi) Publish(ctx context.Context, snapshot *executor.Snapshot) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Publish(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter logs every publication. Intermediate publications are logged at
// debug level, the final one at info.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Publish(_ context.Context, s *executor.Snapshot) error {
	fields := []zap.Field{
		zap.String("batch_id", s.BatchID),
		zap.Int("sequence", s.Sequence),
		zap.Int("invocations", len(s.Invocations)),
		zap.Int("terminal", countTerminal(s)),
	}
	if s.Final {
		r.logger.Info("batch settled", append(fields, zap.String("snapshot_id", s.ID))...)
		return nil
	}
	r.logger.Debug("batch status", fields...)
	return nil
}

// EventReporter records every publication as a storage.BatchEvent. Writes
// never block and never fail the batch.
type EventReporter struct {
	writer storage.EventWriter
	caller *capability.CallerContext
	source string
}

func NewEventReporter(writer storage.EventWriter, caller *capability.CallerContext, source string) *EventReporter {
	return &EventReporter{writer: writer, caller: caller, source: source}
}

func (r *EventReporter) Publish(_ context.Context, s *executor.Snapshot) error {
	r.writer.Write(ToEvent(s, r.caller, r.source))
	return nil
}

// ToEvent flattens a snapshot into the event store's row shape.
func ToEvent(s *executor.Snapshot, caller *capability.CallerContext, source string) *storage.BatchEvent {
	n := len(s.Invocations)
	ev := &storage.BatchEvent{
		BatchID:             s.BatchID,
		SnapshotID:          s.ID,
		Sequence:            int32(s.Sequence),
		Final:               s.Final,
		Timestamp:           s.PublishedAt,
		InvocationIDs:       make([]string, n),
		InvocationTools:     make([]string, n),
		InvocationStatuses:  make([]string, n),
		InvocationProgress:  make([]string, n),
		InvocationExplained: make([]string, n),
		Source:              source,
	}
	if caller != nil {
		ev.ProjectID = caller.ProjectID
		ev.TeamID = caller.TeamID
		ev.UserID = caller.UserID
		ev.Surface = caller.Surface
	}
	for i, st := range s.Invocations {
		ev.InvocationIDs[i] = st.ID
		ev.InvocationTools[i] = st.ToolName
		ev.InvocationStatuses[i] = string(st.Status)
		ev.InvocationExplained[i] = st.Explanation
		if st.Progress != nil {
			ev.InvocationProgress[i] = st.Progress.Text
		}
	}
	return ev
}

// ChannelReporter forwards publications to a channel. Publish blocks until
// the snapshot is received or ctx ends, so a stalled consumer surfaces as a
// batch error instead of unbounded buffering.
type ChannelReporter struct {
	ch chan<- *executor.Snapshot
}

func NewChannelReporter(ch chan<- *executor.Snapshot) *ChannelReporter {
	return &ChannelReporter{ch: ch}
}

func (r *ChannelReporter) Publish(ctx context.Context, s *executor.Snapshot) error {
	select {
	case r.ch <- s:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func countTerminal(s *executor.Snapshot) int {
	n := 0
	for _, st := range s.Invocations {
		if st.Status.Terminal() {
			n++
		}
	}
	return n
}
