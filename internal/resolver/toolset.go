package resolver

import "github.com/triage-ai/palisade/services/tool_runner/internal/capability"

// ToolSet is an insertion-ordered set of tool instances keyed by name.
type ToolSet struct {
	names []string
	tools map[string]capability.Tool
}

func newToolSet() *ToolSet {
	return &ToolSet{tools: make(map[string]capability.Tool)}
}

// put inserts or overwrites name. Overwriting keeps the original position.
func (s *ToolSet) put(name string, tool capability.Tool) {
	if _, exists := s.tools[name]; !exists {
		s.names = append(s.names, name)
	}
	s.tools[name] = tool
}

func (s *ToolSet) has(name string) bool {
	_, ok := s.tools[name]
	return ok
}

// Get returns the tool registered under name.
func (s *ToolSet) Get(name string) (capability.Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the tool names in insertion order.
func (s *ToolSet) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Tools returns the tool instances in insertion order.
func (s *ToolSet) Tools() []capability.Tool {
	if s == nil {
		return nil
	}
	out := make([]capability.Tool, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.tools[name])
	}
	return out
}

// Len returns the number of tools.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}
