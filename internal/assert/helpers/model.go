// Package helpers provides test doubles and environment setup shared by
// the engine's test suites.
package helpers

import (
	"context"
	"sync"

	"github.com/fernwood/operon/pkg/api"
)

// ScriptedModel is a ModelClient double that replays a queue of
// pre-arranged turn results and records what it was asked
type ScriptedModel struct {
	mu        sync.Mutex
	responses []*api.TurnResult
	calls     [][]*api.ChatMessage
	err       error
}

// NewScriptedModel creates an empty scripted model
func NewScriptedModel() *ScriptedModel {
	return &ScriptedModel{}
}

// Respond queues one turn result
func (m *ScriptedModel) Respond(res *api.TurnResult) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return m
}

// RespondText queues a plain-content turn with no tool calls
func (m *ScriptedModel) RespondText(content string) *ScriptedModel {
	return m.Respond(&api.TurnResult{
		Content: content,
		Usage:   api.TokenUsage{Prompt: 10, Completion: 5, Total: 15},
	})
}

// Fail makes every later call return err
func (m *ScriptedModel) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Complete pops the next queued result. An exhausted queue answers with
// an empty turn.
func (m *ScriptedModel) Complete(
	_ context.Context, messages []*api.ChatMessage, _ []api.ToolDef,
) (*api.TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]*api.ChatMessage, len(messages))
	copy(snapshot, messages)
	m.calls = append(m.calls, snapshot)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &api.TurnResult{}, nil
	}
	res := m.responses[0]
	m.responses = m.responses[1:]
	return res, nil
}

// CallCount returns how many times Complete was invoked
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastMessages returns the conversation passed to the latest call
func (m *ScriptedModel) LastMessages() []*api.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}
