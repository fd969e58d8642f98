package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// MCPServer describes one auxiliary tool server handed to the agent at
// session creation.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Resources holds container resource limits.
type Resources struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// Definition is one agent type loaded from a YAML file. The system prompt
// may reference {{.AgentID}}, {{.Task}} and {{.Workspace}}.
type Definition struct {
	Name         string            `yaml:"name"`
	Image        string            `yaml:"image"`
	ACPCommand   []string          `yaml:"acp_command"` // agent-side command spoken to over stdio
	SystemPrompt string            `yaml:"system_prompt"`
	Capabilities []string          `yaml:"capabilities"`
	Env          map[string]string `yaml:"env"`
	MCPServers   []MCPServer       `yaml:"mcp_servers"`
	Resources    Resources         `yaml:"resources"`
}

// PromptContext carries the values substituted into a definition's
// system prompt.
type PromptContext struct {
	AgentID   string
	Task      string
	Workspace string
}

// RenderPrompt expands the definition's system prompt template with ctx.
func (d *Definition) RenderPrompt(ctx PromptContext) (string, error) {
	tmpl, err := template.New(d.Name).Option("missingkey=error").Parse(d.SystemPrompt)
	if err != nil {
		return "", fmt.Errorf("parsing prompt template for %s: %w", d.Name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, ctx); err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", d.Name, err)
	}
	return sb.String(), nil
}

// LoadDefinition reads and validates a single agent definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing definition %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// LoadDefinitions reads every .yaml/.yml file in dir, keyed by definition
// name. A missing directory yields an empty map, not an error.
func LoadDefinitions(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*Definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading definitions dir %s: %w", dir, err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate agent definition %q", def.Name)
		}
		defs[def.Name] = def
	}
	return defs, nil
}
