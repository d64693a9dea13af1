package mcp

import (
	"context"
	"fmt"
	"sort"

	"github.com/loreworks/corpusd/internal/search"
)

// ToolHandler executes a tool call with validated arguments.
//
// Handlers receive the search backend explicitly; they hold no other
// state. A handler returns a result or a ToolError, never both.
type ToolHandler func(ctx context.Context, args map[string]interface{}, backend search.Backend) (*ToolCallResult, *ToolError)

// Tool is a named, schema-typed operation.
type Tool struct {
	Name        string
	Description string
	InputSchema *InputSchema
	Handler     ToolHandler
}

// PromptRenderer renders a prompt's messages from its arguments.
type PromptRenderer func(args map[string]string) ([]PromptMessage, error)

// Prompt is a named, parameterized message template.
type Prompt struct {
	Name        string
	Title       string
	Description string
	Arguments   []PromptArgument
	Render      PromptRenderer
}

// Registry is the immutable catalog of tools and prompts.
//
// Built once at startup via RegistryBuilder; read-only afterwards, so
// lookups need no locking.
type Registry struct {
	tools       map[string]*Tool
	toolOrder   []string
	prompts     map[string]*Prompt
	promptOrder []string
}

// RegistryBuilder collects tool and prompt definitions at startup.
type RegistryBuilder struct {
	tools   map[string]*Tool
	prompts map[string]*Prompt
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		tools:   make(map[string]*Tool),
		prompts: make(map[string]*Prompt),
	}
}

// Tool adds a tool definition. Duplicate names and incomplete
// definitions are programmer errors and panic during startup wiring.
func (b *RegistryBuilder) Tool(t *Tool) *RegistryBuilder {
	if t == nil || t.Name == "" || t.Handler == nil || t.InputSchema == nil {
		panic("mcp: incomplete tool definition")
	}
	if _, exists := b.tools[t.Name]; exists {
		panic(fmt.Sprintf("mcp: duplicate tool %q", t.Name))
	}
	b.tools[t.Name] = t
	return b
}

// Prompt adds a prompt definition.
func (b *RegistryBuilder) Prompt(p *Prompt) *RegistryBuilder {
	if p == nil || p.Name == "" || p.Render == nil {
		panic("mcp: incomplete prompt definition")
	}
	if _, exists := b.prompts[p.Name]; exists {
		panic(fmt.Sprintf("mcp: duplicate prompt %q", p.Name))
	}
	b.prompts[p.Name] = p
	return b
}

// Build freezes the catalog.
func (b *RegistryBuilder) Build() *Registry {
	r := &Registry{
		tools:   b.tools,
		prompts: b.prompts,
	}
	for name := range b.tools {
		r.toolOrder = append(r.toolOrder, name)
	}
	sort.Strings(r.toolOrder)
	for name := range b.prompts {
		r.promptOrder = append(r.promptOrder, name)
	}
	sort.Strings(r.promptOrder)
	return r
}

// Tool returns a tool by name.
func (r *Registry) Tool(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToolDescriptors returns tools/list entries in stable name order.
func (r *Registry) ToolDescriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		t := r.tools[name]
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Prompt returns a prompt by name.
func (r *Registry) Prompt(name string) (*Prompt, bool) {
	p, ok := r.prompts[name]
	return p, ok
}

// PromptDescriptors returns prompts/list entries in stable name order.
func (r *Registry) PromptDescriptors() []PromptDescriptor {
	out := make([]PromptDescriptor, 0, len(r.promptOrder))
	for _, name := range r.promptOrder {
		p := r.prompts[name]
		out = append(out, PromptDescriptor{
			Name:        p.Name,
			Title:       p.Title,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	return out
}
