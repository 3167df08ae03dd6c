package nexus

import (
	"context"
	"fmt"
	"strings"
)

const (
	settingsActionEnable  = "enable"
	settingsActionDisable = "disable"
)

// SettingsPlugin implements the settings command: listing a chat's
// current configuration, and letting chat administrators change it.
//
// Grammar, after the command name:
//
//	(nothing)          show current settings and help
//	enable <alias>     set a boolean parameter to true
//	disable <alias>    set a boolean parameter to false
//	<alias> <value>    set any parameter to a coerced value
type SettingsPlugin struct{}

func (SettingsPlugin) Name() string {
	return "settings"
}

func (SettingsPlugin) Commands() []string {
	return []string{"config", "settings"}
}

func (SettingsPlugin) Register(_ *Nexus) error {
	return nil
}

func (p SettingsPlugin) Handle(
	ctx context.Context,
	n *Nexus,
	event CommandEvent,
) error {
	if event.Message.GuildID == "" {
		return n.Reply(event, "Settings aren't available in direct messages.")
	}

	if len(event.Args) == 0 {
		doc, err := n.peerConfig.Get(ctx, event.ChatID)
		if err != nil {
			return fmt.Errorf("error getting chat settings: %w", err)
		}
		return n.Reply(
			event,
			formatSettings(n.registry, doc)+"\n\n"+settingsHelpText(
				n.registry,
				n.config.Discord.CommandPrefix,
			),
		)
	}

	if !n.discord.authorIsAdmin(event.Message) {
		return n.Reply(event, "Only chat administrators can change settings.")
	}

	name, value, parseErr := p.parseUpdate(n.registry, event.Args)
	if parseErr != "" {
		return n.Reply(event, parseErr)
	}

	doc, err := n.peerConfig.Update(
		ctx,
		event.ChatID,
		map[string]any{name: value},
	)
	if err != nil {
		return fmt.Errorf("error updating chat settings: %w", err)
	}

	return n.Reply(event, "Settings updated!\n\n"+formatSettings(n.registry, doc))
}

// parseUpdate turns command arguments into a single parameter update.
// The returned string is a user-facing error message, empty on success.
func (SettingsPlugin) parseUpdate(
	registry *ParamRegistry,
	args []string,
) (name string, value any, errMsg string) {
	switch strings.ToLower(args[0]) {
	case settingsActionEnable, settingsActionDisable:
		if len(args) < 2 {
			return "", nil, "Specify a setting to change, e.g. `enable nsfw`."
		}
		param, ok := registry.Resolve(args[1])
		if !ok {
			return "", nil, "Unknown setting. Send the command with no arguments to list available settings."
		}
		if !param.IsBool() {
			return "", nil, fmt.Sprintf(
				"`%s` isn't an on/off setting. Set it with `%s <value>`.",
				param.CommandAlias,
				param.CommandAlias,
			)
		}
		return param.Name, strings.EqualFold(args[0], settingsActionEnable), ""
	default:
		if len(args) < 2 {
			return "", nil, "Specify a value, e.g. `nsfw on`."
		}
		param, ok := registry.Resolve(args[0])
		if !ok {
			return "", nil, "Unknown setting. Send the command with no arguments to list available settings."
		}
		return param.Name, strings.Join(args[1:], " "), ""
	}
}

// formatSettings renders a chat's current settings, in registry display
// order, skipping hidden parameters.
func formatSettings(registry *ParamRegistry, doc map[string]any) string {
	lines := []string{"Current settings:"}
	for _, param := range registry.Params() {
		if param.Hidden {
			continue
		}
		value, ok := doc[param.Name]
		if !ok {
			value = param.Default
		}
		var rendered string
		if b, isBool := value.(bool); param.IsBool() && isBool {
			if b {
				rendered = "enabled"
			} else {
				rendered = "disabled"
			}
		} else {
			rendered = fmt.Sprint(value)
		}
		lines = append(
			lines,
			fmt.Sprintf("%s: %s", param.DisplayName, rendered),
		)
	}
	return strings.Join(lines, "\n")
}

// settingsHelpText renders usage help from the registry, so plugin
// parameters show up without this plugin knowing about them.
func settingsHelpText(registry *ParamRegistry, prefix string) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	fmt.Fprintf(&b, "%sconfig - show current settings\n", prefix)
	fmt.Fprintf(&b, "%sconfig enable <setting> - turn a setting on\n", prefix)
	fmt.Fprintf(&b, "%sconfig disable <setting> - turn a setting off\n", prefix)
	fmt.Fprintf(&b, "%sconfig <setting> <value> - set a value\n", prefix)
	b.WriteString("\nAvailable settings:\n")
	for _, param := range registry.Params() {
		if param.Hidden {
			continue
		}
		fmt.Fprintf(&b, "%s - %s\n", param.CommandAlias, param.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
