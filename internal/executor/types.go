package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/resolver"
)

// ExplanationArgument is the reserved argument carrying the caller-facing
// explanation of an invocation. It is removed before the tool sees the arguments.
const ExplanationArgument = "explanation"

var (
	// ErrEmptyBatch is returned when ExecuteBatch is called without invocations.
	ErrEmptyBatch = errors.New("batch has no invocations")

	// ErrDuplicateInvocation is returned when two invocations share an id.
	ErrDuplicateInvocation = errors.New("duplicate invocation id")

	errUnknownInvocation = errors.New("settle event for an invocation that is not pending")
)

// CriticalError is an orchestration-level failure. It aborts the whole batch.
type CriticalError struct {
	BatchID string
	Reason  string
	Err     error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("batch %s aborted (%s): %v", e.BatchID, e.Reason, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

// Invocation is one request to run a tool with arguments.
type Invocation struct {
	ID        string
	ToolName  string
	Arguments map[string]any
}

// InvocationState is the published view of one invocation.
type InvocationState struct {
	ID          string               `json:"id"`
	ToolName    string               `json:"tool_name"`
	Explanation string               `json:"explanation,omitempty"`
	Status      capability.Status    `json:"status"`
	Progress    *capability.Progress `json:"progress,omitempty"`
}

// Snapshot is the aggregate status of a batch at one point in time. It always
// lists every invocation that entered execution.
type Snapshot struct {
	// ID is empty while any invocation is running. Once all invocations are
	// terminal it holds the batch's final identity.
	ID          string            `json:"id,omitempty"`
	BatchID     string            `json:"batch_id"`
	Sequence    int               `json:"sequence"`
	Final       bool              `json:"final"`
	Invocations []InvocationState `json:"invocations"`
	PublishedAt time.Time         `json:"published_at"`
}

// State returns the state of the invocation with the given id.
func (s *Snapshot) State(id string) (InvocationState, bool) {
	if s == nil {
		return InvocationState{}, false
	}
	for _, st := range s.Invocations {
		if st.ID == id {
			return st, true
		}
	}
	return InvocationState{}, false
}

// Reporter receives every aggregate status publication of a batch. The
// engine waits for Publish to return and never retries it; an error aborts
// the batch.
type Reporter interface {
	Publish(ctx context.Context, snapshot *Snapshot) error
}

type nopReporter struct{}

func (nopReporter) Publish(context.Context, *Snapshot) error { return nil }

// ToolResolver resolves the tools visible to a caller.
type ToolResolver interface {
	Resolve(ctx context.Context, caller *capability.CallerContext, contextualNames []string) (*resolver.ToolSet, error)
}
