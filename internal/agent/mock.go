package agent

import (
	"context"
	"fmt"
	"sync"

	"helmsman/internal/types"
)

// =============================================================================
// MOCK RUNNER
// =============================================================================

// MockRunner replays scripted responses, keyed by agent id. With no script
// for an agent it echoes a canned acknowledgment. Used by tests and by the
// "mock" provider for offline runs.
type MockRunner struct {
	mu      sync.Mutex
	scripts map[string][]scripted
	calls   []Call
}

type scripted struct {
	output string
	err    error
	usage  types.TokenUsage
}

// Call records one invocation for assertions.
type Call struct {
	AgentID      string
	Instructions string
	Inputs       map[string]string
	Options      Options
}

// NewMockRunner creates an empty mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{scripts: make(map[string][]scripted)}
}

// Script queues a successful response for the agent. Responses are consumed
// in FIFO order; the last one repeats once the queue drains.
func (m *MockRunner) Script(agentID, output string) *MockRunner {
	return m.ScriptUsage(agentID, output, types.TokenUsage{Input: 100, Output: 50})
}

// ScriptUsage queues a successful response with explicit token usage.
func (m *MockRunner) ScriptUsage(agentID, output string, usage types.TokenUsage) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[agentID] = append(m.scripts[agentID], scripted{output: output, usage: usage})
	return m
}

// ScriptError queues a failure for the agent.
func (m *MockRunner) ScriptError(agentID string, err error) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[agentID] = append(m.scripts[agentID], scripted{err: err})
	return m
}

// Calls returns a copy of all recorded invocations.
func (m *MockRunner) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Invoke replays the next scripted response for the agent.
func (m *MockRunner) Invoke(ctx context.Context, agentID, instructions string, inputs map[string]string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{AgentID: agentID, Instructions: instructions, Inputs: inputs, Options: opts})
	queue := m.scripts[agentID]
	var next scripted
	switch len(queue) {
	case 0:
		next = scripted{
			output: fmt.Sprintf("mock response from %s", agentID),
			usage:  types.TokenUsage{Input: 100, Output: 50},
		}
	case 1:
		next = queue[0] // last response repeats
	default:
		next = queue[0]
		m.scripts[agentID] = queue[1:]
	}
	m.mu.Unlock()

	if next.err != nil {
		return nil, next.err
	}
	return &Result{
		AgentID:    agentID,
		OutputText: next.output,
		Model:      "mock",
		Usage:      next.usage,
		DurationMS: 1,
	}, nil
}
