package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fernwood/operon/pkg/api"
)

type (
	// Procedure is a declarative procedure definition: configuration
	// plus the embedded workflow script
	Procedure struct {
		Name          string           `yaml:"name"`
		Description   string           `yaml:"description"`
		Script        string           `yaml:"script"`
		Agents        []*Agent         `yaml:"agents"`
		Tools         []*Tool          `yaml:"tools"`
		HITL          *HITLDefaults    `yaml:"hitl"`
		Output        api.OutputSchema `yaml:"output"`
		MaxIterations int              `yaml:"max_iterations"`
	}

	// Agent binds one named agent to a model, its prompts, and the
	// subset of declared tools it may call
	Agent struct {
		Name           string   `yaml:"name"`
		Model          string   `yaml:"model"`
		SystemPrompt   string   `yaml:"system_prompt"`
		InitialMessage string   `yaml:"initial_message"`
		Tools          []string `yaml:"tools"`
	}

	// Tool declares one tool available to agents in this procedure
	Tool struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	}

	// HITLDefaults supplies declared-config defaults for human-in-the-
	// loop requests; call-site options override on key conflict
	HITLDefaults struct {
		TimeoutSeconds float64  `yaml:"timeout_seconds"`
		Default        any      `yaml:"default"`
		Options        []any    `yaml:"options"`
		Reviewers      []string `yaml:"reviewers"`
	}
)

var (
	ErrScriptRequired = errors.New("procedure script is required")
	ErrNameRequired   = errors.New("procedure name is required")
	ErrUnknownTool    = errors.New("agent references undeclared tool")
	ErrDuplicateAgent = errors.New("duplicate agent name")
)

// LoadProcedure reads and validates a procedure definition from a YAML
// file
func LoadProcedure(path string) (*Procedure, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProcedure(raw)
}

// ParseProcedure parses and validates a YAML procedure definition
func ParseProcedure(raw []byte) (*Procedure, error) {
	var p Procedure
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the definition for structural errors. Failures here
// are configuration errors and abort the run before execution.
func (p *Procedure) Validate() error {
	if p.Name == "" {
		return ErrNameRequired
	}
	if p.Script == "" {
		return ErrScriptRequired
	}

	declared := map[string]bool{}
	for _, tool := range p.Tools {
		declared[tool.Name] = true
	}

	seen := map[string]bool{}
	for _, agent := range p.Agents {
		if seen[agent.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.Name)
		}
		seen[agent.Name] = true

		for _, name := range agent.Tools {
			if !declared[name] {
				return fmt.Errorf("%w: %s uses %s",
					ErrUnknownTool, agent.Name, name)
			}
		}
	}

	if p.Output != nil {
		if err := p.Output.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Agent returns the named agent binding, or nil when undeclared
func (p *Procedure) Agent(name string) *Agent {
	for _, agent := range p.Agents {
		if agent.Name == name {
			return agent
		}
	}
	return nil
}

// ToolDefs resolves an agent's tool names against the declared tools
func (p *Procedure) ToolDefs(agent *Agent) []api.ToolDef {
	byName := map[string]*Tool{}
	for _, tool := range p.Tools {
		byName[tool.Name] = tool
	}

	var defs []api.ToolDef
	for _, name := range agent.Tools {
		if tool, ok := byName[name]; ok {
			defs = append(defs, api.ToolDef{
				Name:        tool.Name,
				Description: tool.Description,
			})
		}
	}
	return defs
}
