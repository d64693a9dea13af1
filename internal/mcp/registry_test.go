package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreworks/corpusd/internal/search"
)

func noopHandler(context.Context, map[string]interface{}, search.Backend) (*ToolCallResult, *ToolError) {
	return &ToolCallResult{}, nil
}

func noopRender(map[string]string) ([]PromptMessage, error) {
	return nil, nil
}

func TestRegistryBuilder(t *testing.T) {
	reg := NewRegistryBuilder().
		Tool(&Tool{Name: "zeta", InputSchema: ObjectSchema(nil), Handler: noopHandler}).
		Tool(&Tool{Name: "alpha", InputSchema: ObjectSchema(nil), Handler: noopHandler}).
		Prompt(&Prompt{Name: "second", Render: noopRender}).
		Prompt(&Prompt{Name: "first", Render: noopRender}).
		Build()

	tool, ok := reg.Tool("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", tool.Name)

	_, ok = reg.Tool("missing")
	assert.False(t, ok)

	descriptors := reg.ToolDescriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "alpha", descriptors[0].Name)
	assert.Equal(t, "zeta", descriptors[1].Name)

	prompts := reg.PromptDescriptors()
	require.Len(t, prompts, 2)
	assert.Equal(t, "first", prompts[0].Name)
	assert.Equal(t, "second", prompts[1].Name)
}

func TestRegistryBuilderPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewRegistryBuilder().
			Tool(&Tool{Name: "dup", InputSchema: ObjectSchema(nil), Handler: noopHandler}).
			Tool(&Tool{Name: "dup", InputSchema: ObjectSchema(nil), Handler: noopHandler})
	})

	assert.Panics(t, func() {
		NewRegistryBuilder().Tool(&Tool{Name: "no-handler", InputSchema: ObjectSchema(nil)})
	})

	assert.Panics(t, func() {
		NewRegistryBuilder().Prompt(&Prompt{Name: "no-render"})
	})
}

func TestCorpusRegistryCatalog(t *testing.T) {
	reg := NewCorpusRegistry()

	descriptors := reg.ToolDescriptors()
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
		require.NotNil(t, d.InputSchema)
		assert.Equal(t, "object", d.InputSchema.Type)
		assert.NotEmpty(t, d.Description)
	}
	assert.Equal(t, []string{"list_sources", "read_document", "search"}, names)

	search, ok := reg.Tool("search")
	require.True(t, ok)
	assert.Equal(t, []string{"query"}, search.InputSchema.Required)
	assert.Equal(t, "array", search.InputSchema.Properties["sources"].Type)
}
