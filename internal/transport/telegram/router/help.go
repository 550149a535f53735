package router

import (
	"strings"

	"darklook/pkg/tgui"
)

// helpText renders the command list visible to the caller. Admins also see
// the admin section.
func (m *CommandManager) helpText(admin bool) string {
	m.mu.RLock()
	cmds := append([]*Command(nil), m.ordered...)
	m.mu.RUnlock()

	var pub, adm []tgui.H
	for _, c := range cmds {
		line := helpLine(c)
		switch c.Access {
		case AccessEveryone:
			pub = append(pub, line)
		case AccessAdminOnly:
			adm = append(adm, line)
		}
	}
	parts := []tgui.H{tgui.Raw("📖 " + tgui.B("Команды").String()), ""}
	parts = append(parts, pub...)
	parts = append(parts, "", tgui.Esc("📨 Перешлите мне сообщение пользователя, чтобы начать отслеживание."))
	if admin && len(adm) > 0 {
		parts = append(parts, "", tgui.Raw("👑 "+tgui.B("Администратор").String()))
		parts = append(parts, adm...)
	}
	return tgui.Lines(parts...).String()
}

func helpLine(c *Command) tgui.H {
	usage := strings.TrimSpace(c.Usage)
	if usage == "" {
		usage = "/" + c.Name
	}
	if c.Description == "" {
		return tgui.Code(usage)
	}
	return tgui.JoinH(" - ", tgui.Code(usage), tgui.Esc(c.Description))
}
