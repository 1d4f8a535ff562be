package capability

// Status is the lifecycle state of one invocation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is the free-text progress a running tool last reported.
type Progress struct {
	Text     string   `json:"text"`
	Substeps []string `json:"substeps,omitempty"`
}

// Artifact is a structured payload attached to a result (a query, a chart
// definition, a file reference...). The engine never inspects it.
type Artifact struct {
	Kind    string         `json:"kind"`
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the outcome of one invocation.
type Result struct {
	ID        string     `json:"id"`
	ToolName  string     `json:"tool_name"`
	Content   string     `json:"content"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Status    Status     `json:"status"`
}

// FailedResult builds a failed result for the given invocation.
func FailedResult(id, toolName, content string) *Result {
	return &Result{
		ID:       id,
		ToolName: toolName,
		Content:  content,
		Status:   StatusFailed,
	}
}
