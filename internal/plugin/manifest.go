package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tool declares a capability a plugin answers on tools/call.
type Tool struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	InputSchema any    `yaml:"input_schema,omitempty" json:"inputSchema,omitempty"`
}

// FullInputSchema returns the expanded JSON Schema for the tool's arguments.
func (t Tool) FullInputSchema() any {
	return expandSchema(t.InputSchema)
}

func expandSchema(schema any) any {
	if schema == nil {
		return nil
	}

	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}

	// Already a JSON schema.
	if _, hasType := m["type"]; hasType {
		return schema
	}

	// Compact form: property -> type name.
	properties := make(map[string]any)
	for k, v := range m {
		if propType, isString := v.(string); isString {
			properties[k] = map[string]string{"type": propType}
		} else {
			properties[k] = v
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

// Tools is the manifest tool list.
//
// Accepted formats:
//   - string array: tools: [echo, sleep]
//   - object array: tools: [{name: echo, description: "..."}]
type Tools []Tool

func (t *Tools) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*t = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("tools must be a sequence")
	}

	out := make([]Tool, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Tool{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Tool
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid tool object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid tool entry (must be string or object)")
		}
	}

	*t = out
	return nil
}

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	Entrypoint  string          `yaml:"entrypoint"`
	Args        []string        `yaml:"args,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Tools       Tools           `yaml:"tools,omitempty"`
	Credentials *CredentialKeys `yaml:"credentials,omitempty"`
}

// CredentialKeys names the environment secrets a plugin expects.
type CredentialKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Plugin is a discovered and validated plugin descriptor. Immutable once loaded.
type Plugin struct {
	Name        string
	Version     string
	Description string
	Path        string // Working directory (plugin directory, absolute)
	Entrypoint  string // Absolute path to entrypoint executable
	Args        []string
	Tools       Tools
	Credentials *CredentialKeys
	Fingerprint string // blake3:<hex> of manifest + entrypoint bytes
}

// SupportsTool reports whether the manifest declares the named tool.
// Plugins that declare no tools are treated as accepting any name.
func (p *Plugin) SupportsTool(name string) bool {
	if len(p.Tools) == 0 {
		return true
	}
	for _, t := range p.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// RequiredCredentials returns the declared required secret keys.
func (p *Plugin) RequiredCredentials() []string {
	if p.Credentials == nil {
		return nil
	}
	return p.Credentials.Required
}

// CredentialKeys returns required and optional keys, required first.
func (p *Plugin) CredentialKeys() []string {
	if p.Credentials == nil {
		return nil
	}
	out := make([]string, 0, len(p.Credentials.Required)+len(p.Credentials.Optional))
	out = append(out, p.Credentials.Required...)
	out = append(out, p.Credentials.Optional...)
	return out
}
