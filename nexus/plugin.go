package nexus

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// CommandEvent is a parsed bot command from a chat message.
type CommandEvent struct {
	// ChatID is the channel the command was sent in.
	ChatID int64

	// UserID is the author of the command.
	UserID int64

	// Command is the lowercased command name, without the prefix.
	Command string

	// Args are the whitespace-separated tokens following the command.
	Args []string

	// Message is the underlying Discord message.
	Message *discordgo.MessageCreate
}

// Plugin is a self-contained command handler. Plugins contribute their
// configuration parameters to the registry during Register, and receive
// dispatched commands through Handle.
//
// Handle runs on the gateway event goroutine; plugins making outbound
// API calls should guard themselves with [Nexus.CheckRateLimit] before
// doing expensive work, and reply with [Nexus.Reply].
type Plugin interface {
	// Name identifies the plugin; it is also the plugin ID used in
	// parameter kind tags.
	Name() string

	// Commands lists the command names this plugin handles.
	Commands() []string

	// Register is called once during startup, after core parameters
	// are registered. Plugins register their parameters and initialize
	// clients here.
	Register(n *Nexus) error

	// Handle processes one dispatched command.
	Handle(ctx context.Context, n *Nexus, event CommandEvent) error
}

// RegisterPlugin registers a plugin and its commands. Must be called
// before [Nexus.Run]. A command name claimed by an earlier plugin is
// overwritten, mirroring the registry's last-writer-wins behavior; the
// collision is logged.
func (n *Nexus) RegisterPlugin(p Plugin) error {
	if err := p.Register(n); err != nil {
		return fmt.Errorf("plugin %s: %w", p.Name(), err)
	}

	n.pluginMu.Lock()
	defer n.pluginMu.Unlock()

	n.plugins = append(n.plugins, p)
	for _, command := range p.Commands() {
		if existing, taken := n.commands[command]; taken {
			n.logger.Warn(
				"command overwritten",
				"command", command,
				"previous_plugin", existing.Name(),
				"plugin", p.Name(),
			)
		}
		n.commands[command] = p
	}
	n.logger.Info(
		"registered plugin",
		"plugin", p.Name(),
		"commands", p.Commands(),
	)
	return nil
}

// pluginForCommand returns the plugin handling the given command name.
func (n *Nexus) pluginForCommand(command string) (Plugin, bool) {
	n.pluginMu.RLock()
	defer n.pluginMu.RUnlock()
	p, ok := n.commands[command]
	return p, ok
}
