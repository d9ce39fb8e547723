package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/config"
	"github.com/fernwood/operon/pkg/api"
)

const sampleProcedure = `
name: research
description: Research a topic and summarize the findings
script: |
  agent.turn()
  return { summary = "stub" }
agents:
  - name: researcher
    model: small-fast
    system_prompt: You research topics thoroughly
    initial_message: Research the assigned topic
    tools: [search, summarize]
tools:
  - name: search
    description: Look up sources
  - name: summarize
    description: Condense text
hitl:
  timeout_seconds: 3600
  default: false
  reviewers: [ops-team]
output:
  summary:
    type: string
    required: true
  score:
    type: number
max_iterations: 10
`

func TestParseProcedure(t *testing.T) {
	p, err := config.ParseProcedure([]byte(sampleProcedure))
	require.NoError(t, err)

	assert.Equal(t, "research", p.Name)
	assert.NotEmpty(t, p.Script)
	assert.Equal(t, 10, p.MaxIterations)

	require.Len(t, p.Agents, 1)
	agent := p.Agents[0]
	assert.Equal(t, "researcher", agent.Name)
	assert.Equal(t, "small-fast", agent.Model)
	assert.Equal(t, []string{"search", "summarize"}, agent.Tools)

	require.NotNil(t, p.HITL)
	assert.Equal(t, 3600.0, p.HITL.TimeoutSeconds)
	assert.Equal(t, false, p.HITL.Default)
	assert.Equal(t, []string{"ops-team"}, p.HITL.Reviewers)

	require.Contains(t, p.Output, "summary")
	assert.Equal(t, api.FieldString, p.Output["summary"].Type)
	assert.True(t, p.Output["summary"].Required)

	t.Run("tool defs resolve per agent", func(t *testing.T) {
		defs := p.ToolDefs(agent)
		require.Len(t, defs, 2)
		assert.Equal(t, "search", defs[0].Name)
		assert.Equal(t, "Look up sources", defs[0].Description)
	})

	t.Run("agent lookup", func(t *testing.T) {
		assert.NotNil(t, p.Agent("researcher"))
		assert.Nil(t, p.Agent("editor"))
	})
}

func TestParseProcedureRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want error
	}{
		{"missing name", `
script: return true
`, config.ErrNameRequired},
		{"missing script", `
name: empty
`, config.ErrScriptRequired},
		{"undeclared tool", `
name: bad-tool
script: return true
agents:
  - name: worker
    tools: [nonexistent]
`, config.ErrUnknownTool},
		{"duplicate agent", `
name: twins
script: return true
agents:
  - name: worker
  - name: worker
`, config.ErrDuplicateAgent},
		{"bad output type", `
name: bad-output
script: return true
output:
  summary:
    type: tuple
`, api.ErrInvalidFieldType},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.ParseProcedure([]byte(tc.yaml))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseProcedureBadYAML(t *testing.T) {
	_, err := config.ParseProcedure([]byte("name: [unclosed"))
	assert.Error(t, err)
}
