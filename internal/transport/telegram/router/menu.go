package router

import (
	"strings"

	"darklook/internal/transport"
)

// sanitizeTelegramCommand maps a name onto Telegram's [a-z0-9_]{1,32}
// command alphabet. Separators become underscores, anything else is dropped.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		case r == '_' || r == '-' || r == ' ' || r == '/':
			pending = true
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildTelegramMenuCommands lists public commands in registration order.
// Admin commands are left out of the client menu.
func buildTelegramMenuCommands(cmds []*Command) []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Access != AccessEveryone {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = c.Name
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}
