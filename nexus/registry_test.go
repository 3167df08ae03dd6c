package nexus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamRegistryAliasDerivation(t *testing.T) {
	registry := NewParamRegistry()

	overwrote := registry.Register(
		ParamDescriptor{
			Name:    "nsfw_enabled",
			Kind:    ParamKindCore,
			Default: false,
		},
	)
	assert.False(t, overwrote)

	name, ok := registry.ResolveAlias("nsfw")
	require.True(t, ok)
	assert.Equal(t, "nsfw_enabled", name)

	// alias matching is case-insensitive
	name, ok = registry.ResolveAlias("NSFW")
	require.True(t, ok)
	assert.Equal(t, "nsfw_enabled", name)

	// no _enabled suffix: the alias is the name itself
	registry.Register(
		ParamDescriptor{
			Name:    "greeting",
			Kind:    ParamKindCore,
			Default: "hi",
		},
	)
	name, ok = registry.ResolveAlias("greeting")
	require.True(t, ok)
	assert.Equal(t, "greeting", name)

	// explicit aliases win over derivation
	registry.Register(
		ParamDescriptor{
			Name:         "transcribe_enabled",
			Kind:         PluginParamKind("transcribe"),
			Default:      false,
			CommandAlias: "stt",
		},
	)
	name, ok = registry.ResolveAlias("stt")
	require.True(t, ok)
	assert.Equal(t, "transcribe_enabled", name)
}

func TestParamRegistryLastWriterWins(t *testing.T) {
	registry := NewParamRegistry()

	assert.False(
		t, registry.Register(
			ParamDescriptor{
				Name:    "summary_enabled",
				Kind:    ParamKindCore,
				Default: false,
			},
		),
	)
	assert.True(
		t, registry.Register(
			ParamDescriptor{
				Name:    "summary_enabled",
				Kind:    PluginParamKind("summary"),
				Default: true,
			},
		),
	)

	p, ok := registry.Get("summary_enabled")
	require.True(t, ok)
	assert.Equal(t, PluginParamKind("summary"), p.Kind)
	assert.Equal(t, true, p.Default)
	assert.Equal(t, 1, registry.Len())
}

func TestParamRegistryResolve(t *testing.T) {
	registry := testRegistry(t)

	// alias first
	p, ok := registry.Resolve("nsfw")
	require.True(t, ok)
	assert.Equal(t, "nsfw_enabled", p.Name)

	// falls back to the literal parameter name
	p, ok = registry.Resolve("nsfw_enabled")
	require.True(t, ok)
	assert.Equal(t, "nsfw_enabled", p.Name)

	_, ok = registry.Resolve("nonexistent")
	assert.False(t, ok)
}

func TestParamRegistryValidateAndCoerceBool(t *testing.T) {
	registry := testRegistry(t)

	for _, raw := range []string{"true", "yes", "1", "on", "enable"} {
		value, ok := registry.ValidateAndCoerce("nsfw_enabled", raw)
		require.True(t, ok, "expected %q to be accepted", raw)
		assert.Equal(t, true, value, "expected %q to coerce to true", raw)
	}

	// whitespace isn't stripped; padded values fall through to false
	for _, raw := range []string{"false", "off", "no", "0", "banana", "", " true "} {
		value, ok := registry.ValidateAndCoerce("nsfw_enabled", raw)
		require.True(t, ok)
		assert.Equal(t, false, value, "expected %q to coerce to false", raw)
	}

	// accepted strings are matched case-insensitively
	value, ok := registry.ValidateAndCoerce("nsfw_enabled", "TRUE")
	require.True(t, ok)
	assert.Equal(t, true, value)

	// non-string values get a generic truthiness cast
	value, ok = registry.ValidateAndCoerce("nsfw_enabled", 1)
	require.True(t, ok)
	assert.Equal(t, true, value)

	value, ok = registry.ValidateAndCoerce("nsfw_enabled", 0)
	require.True(t, ok)
	assert.Equal(t, false, value)

	value, ok = registry.ValidateAndCoerce("nsfw_enabled", nil)
	require.True(t, ok)
	assert.Equal(t, false, value)
}

func TestParamRegistryValidateAndCoerceNumeric(t *testing.T) {
	registry := testRegistry(t)

	value, ok := registry.ValidateAndCoerce("summary_threshold", "42")
	require.True(t, ok)
	assert.Equal(t, 42, value)

	// JSON numbers arrive as float64
	value, ok = registry.ValidateAndCoerce("summary_threshold", float64(15))
	require.True(t, ok)
	assert.Equal(t, 15, value)

	// failed parses fall back to the registered default
	value, ok = registry.ValidateAndCoerce("summary_threshold", "not-a-number")
	assert.False(t, ok)
	assert.Equal(t, 60, value)
}

func TestParamRegistryValidateAndCoerceString(t *testing.T) {
	registry := testRegistry(t)

	value, ok := registry.ValidateAndCoerce("greeting", "howdy")
	require.True(t, ok)
	assert.Equal(t, "howdy", value)

	value, ok = registry.ValidateAndCoerce("greeting", 7)
	require.True(t, ok)
	assert.Equal(t, "7", value)
}

func TestParamRegistryValidateAndCoerceUnknown(t *testing.T) {
	registry := testRegistry(t)

	value, ok := registry.ValidateAndCoerce("unregistered", "true")
	assert.False(t, ok)
	assert.Nil(t, value)
}

func TestParamRegistryParamsOrder(t *testing.T) {
	registry := testRegistry(t)

	params := registry.Params()
	require.Len(t, params, 4)

	// core parameters first, sorted by name, then plugin groups
	assert.Equal(t, "greeting", params[0].Name)
	assert.Equal(t, "nsfw_enabled", params[1].Name)
	assert.Equal(t, "summary_enabled", params[2].Name)
	assert.Equal(t, "summary_threshold", params[3].Name)
}

func TestParamRegistryDefaults(t *testing.T) {
	registry := testRegistry(t)

	defaults := registry.Defaults()
	assert.Equal(
		t, map[string]any{
			"nsfw_enabled":      false,
			"summary_enabled":   false,
			"summary_threshold": 60,
			"greeting":          "hello",
		}, defaults,
	)

	// the returned map is a copy
	defaults["nsfw_enabled"] = true
	again := registry.Defaults()
	assert.Equal(t, false, again["nsfw_enabled"])
}
