package nexus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedPlugin struct {
	name     string
	commands []string
	register func(n *Nexus) error
}

func (p *namedPlugin) Name() string       { return p.name }
func (p *namedPlugin) Commands() []string { return p.commands }
func (p *namedPlugin) Register(n *Nexus) error {
	if p.register == nil {
		return nil
	}
	return p.register(n)
}
func (*namedPlugin) Handle(context.Context, *Nexus, CommandEvent) error {
	return nil
}

func TestRegisterPlugin(t *testing.T) {
	n, _ := newTestNexus(t)

	first := &namedPlugin{name: "first", commands: []string{"hello", "shared"}}
	second := &namedPlugin{name: "second", commands: []string{"shared"}}

	require.NoError(t, n.RegisterPlugin(first))
	require.NoError(t, n.RegisterPlugin(second))

	p, ok := n.pluginForCommand("hello")
	require.True(t, ok)
	assert.Equal(t, "first", p.Name())

	// the last registration wins command collisions
	p, ok = n.pluginForCommand("shared")
	require.True(t, ok)
	assert.Equal(t, "second", p.Name())

	_, ok = n.pluginForCommand("missing")
	assert.False(t, ok)
}

func TestRegisterPluginError(t *testing.T) {
	n, _ := newTestNexus(t)

	broken := &namedPlugin{
		name:     "broken",
		commands: []string{"broken"},
		register: func(*Nexus) error { return assert.AnError },
	}
	err := n.RegisterPlugin(broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)

	// a failed registration claims no commands
	_, ok := n.pluginForCommand("broken")
	assert.False(t, ok)
}

func TestRegisterPluginParams(t *testing.T) {
	n, _ := newTestNexus(t)

	withParam := &namedPlugin{
		name:     "greeter",
		commands: []string{"greet"},
		register: func(n *Nexus) error {
			n.RegisterParam(
				ParamDescriptor{
					Name:        "greeting_enabled",
					Kind:        PluginParamKind("greeter"),
					Default:     true,
					Description: "Greet new members",
					DisplayName: "Greetings",
				},
			)
			return nil
		},
	}
	require.NoError(t, n.RegisterPlugin(withParam))

	desc, ok := n.registry.Resolve("greeting")
	require.True(t, ok)
	assert.Equal(t, "greeting_enabled", desc.Name)
}
