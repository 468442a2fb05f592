package toolexecutor

import (
	"context"
	"testing"

	"github.com/harun/dqagent/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constHandler(v interface{}) CheckFunc {
	return func(ctx context.Context, ds *dataset.Dataset, params map[string]interface{}) (interface{}, error) {
		return v, nil
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("check_missing", ToolDefinition{
		Description: "Missing-value audit",
		Handler:     constHandler("missing"),
	}, "tool:check_missing"))

	canonical, ok := reg.Resolve("check_missing")
	require.True(t, ok)

	t.Run("alias transparency", func(t *testing.T) {
		viaAlias, ok := reg.Resolve("tool:check_missing")
		require.True(t, ok)
		assert.Same(t, canonical, viaAlias)
	})

	t.Run("case and whitespace insensitive", func(t *testing.T) {
		for _, name := range []string{" Check_Missing ", "check_missing", "CHECK_MISSING", "\tTOOL:Check_Missing\n"} {
			def, ok := reg.Resolve(name)
			require.True(t, ok, name)
			assert.Same(t, canonical, def, name)
		}
	})

	t.Run("miss is not an error", func(t *testing.T) {
		def, ok := reg.Resolve("check_everything")
		assert.False(t, ok)
		assert.Nil(t, def)
	})

	t.Run("name keeps registered spelling", func(t *testing.T) {
		assert.Equal(t, "check_missing", canonical.Name)
	})
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("check_outliers", ToolDefinition{Description: "real", Handler: constHandler("real")}, "tool:check_outliers"))
	require.NoError(t, reg.Register("CHECK_OUTLIERS", ToolDefinition{Description: "double", Handler: constHandler("double")}))

	def, ok := reg.Resolve("tool:check_outliers")
	require.True(t, ok)
	assert.Equal(t, "double", def.Description)

	out, err := reg.Invoke(context.Background(), def, mustDataset(t), nil)
	require.NoError(t, err)
	assert.Equal(t, "double", out)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryAliasReassignment(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", ToolDefinition{Description: "a", Handler: constHandler("a")}, "shared"))
	require.NoError(t, reg.Register("b", ToolDefinition{Description: "b", Handler: constHandler("b")}, "shared"))

	def, ok := reg.Resolve("shared")
	require.True(t, ok)
	assert.Equal(t, "b", def.Name)
}

func TestRegistryAliasIsSingleHop(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("inspect_schema", ToolDefinition{Description: "schema", Handler: constHandler(1)}, "schema"))
	// "outer" points at the alias key "schema", which is not a canonical key.
	require.NoError(t, reg.Register("other", ToolDefinition{Description: "other", Handler: constHandler(2)}))
	reg.aliases["outer"] = "schema"

	_, ok := reg.Resolve("outer")
	assert.False(t, ok)
}

func TestRegistryRegisterInvalid(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name      string
		canonical string
		def       ToolDefinition
	}{
		{"empty name", "  ", ToolDefinition{Description: "x", Handler: constHandler(nil)}},
		{"empty description", "x", ToolDefinition{Handler: constHandler(nil)}},
		{"nil handler", "x", ToolDefinition{Description: "x"}},
		{"bad param type", "x", ToolDefinition{
			Description: "x",
			Handler:     constHandler(nil),
			Parameters:  []ToolParameter{{Name: "p", Type: "float"}},
		}},
		{"unnamed param", "x", ToolDefinition{
			Description: "x",
			Handler:     constHandler(nil),
			Parameters:  []ToolParameter{{Type: "string"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.Register(tt.canonical, tt.def))
		})
	}
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("check_outliers", ToolDefinition{
		Description: "Outliers",
		Handler:     constHandler(nil),
		Parameters:  []ToolParameter{{Name: "method", Type: "string", Default: "iqr"}},
	}, "tool:check_outliers", "outliers"))
	require.NoError(t, reg.Register("check_duplicates", ToolDefinition{Description: "Duplicates", Handler: constHandler(nil)}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "check_duplicates", list[0].Name)
	assert.Empty(t, list[0].Aliases)
	assert.Equal(t, "check_outliers", list[1].Name)
	assert.Equal(t, []string{"outliers", "tool:check_outliers"}, list[1].Aliases)
	assert.Len(t, list[1].Parameters, 1)
}
