package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"darklook/internal/monitor"
	"darklook/internal/profile"
	"darklook/internal/storage"
	"darklook/internal/transport"
	"darklook/pkg/tgui"
)

const (
	textUnknownCommand = "❓ Неизвестная команда. Попробуйте /help"
	textForbidden      = "⛔ Недоступно"
	textBusy           = "⏳ Бот перегружен, попробуйте позже"
	textCooldown       = "⏳ Подождите немного между командами"
	textTooMany        = "⏳ Слишком много запросов. Подождите."
	textInternalError  = "❌ Внутренняя ошибка, попробуйте позже"

	textTrackUsage    = "❌ Укажите username: /track @username"
	textTrackFailed   = "❌ Ошибка при добавлении"
	textHiddenForward = "❌ Автор сообщения скрыл аккаунт при пересылке.\nПопросите его написать этому боту напрямую."
	textForwardBot    = "❌ Ботов отслеживать нельзя"
	textStopUsage     = "❌ Укажите ID: /stop 123456789"
	textInfoUsage     = "❌ Укажите ID: /info 123456789"
	textNeedNumericID = "❌ Укажите числовой ID пользователя"
	textRemoved       = "✅ Пользователь удален из отслеживания"
	textNotInList     = "❌ Пользователь не найден в вашем списке"
	textInfoPending   = "🔍 Получаю информацию..."
	textInfoFailed    = "❌ Не удалось получить информацию"
	textInfoNotFound  = "❌ Пользователь не найден"
	textNoHistory     = "📜 Изменений пока нет"
	textNoUsers       = "Пользователей пока нет"
	textNoLogs        = "Логов пока нет"

	// StartupText is sent to the primary admin once the bot is up.
	StartupText = "🚀 DarkLook запущен!"

	usersPageSize = 50
	logsPageSize  = 20
	historyLimit  = 20
	statsRecent   = 5
)

var fieldTitles = map[profile.Field]string{
	profile.FieldUsername:  "Юзернейм",
	profile.FieldFirstName: "Имя",
	profile.FieldLastName:  "Фамилия",
}

func fieldTitle(f profile.Field) string {
	if t, ok := fieldTitles[f]; ok {
		return t
	}
	return string(f)
}

// valueOrEmpty renders a profile value, marking absent ones.
func valueOrEmpty(v string) tgui.H {
	if v == "" {
		return tgui.I("пусто")
	}
	return tgui.Esc(tgui.TruncRunes(v, 64))
}

func atUsername(u string) string {
	if u == "" {
		return "нет username"
	}
	return "@" + strings.TrimPrefix(u, "@")
}

func orNone(s string) string {
	if s == "" {
		return "нет"
	}
	return s
}

func fmtDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

// RenderNotice formats a change notice for the owner's chat.
func RenderNotice(n monitor.Notice) (string, *transport.SendOptions) {
	lines := []tgui.H{
		tgui.Raw("📢 " + tgui.B("Изменения у "+n.Label+":").String()),
		"",
	}
	for _, d := range n.Deltas {
		lines = append(lines, tgui.Raw(fmt.Sprintf("%s %s → %s",
			tgui.B(fieldTitle(d.Field)+":"), valueOrEmpty(d.Old), valueOrEmpty(d.New))))
	}
	return tgui.Lines(lines...).String(), &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

func renderWelcome(maxPerOwner int, interval time.Duration) string {
	return tgui.Lines(
		tgui.Raw("🔍 "+tgui.B("DarkLook - Мониторинг профилей Telegram").String()),
		"",
		"Я помогу отслеживать изменения в профилях пользователей!",
		"",
		tgui.B("Доступные команды:"),
		"",
		"/track @username - начать отслеживание",
		"/list - мои отслеживаемые пользователи",
		"/stop ID - остановить отслеживание",
		"/info ID - информация о пользователе",
		"/history - история изменений",
		"",
		tgui.B("Что я отслеживаю:"),
		"• Изменение username",
		"• Изменение имени",
		"• Изменение фамилии",
		"",
		tgui.Esc(fmt.Sprintf("Проверка каждые %s ⏱", fmtInterval(interval))),
		tgui.Esc(fmt.Sprintf("Максимум %d пользователей на человека 👥", maxPerOwner)),
	).String()
}

func fmtInterval(d time.Duration) string {
	if d%time.Minute == 0 && d >= time.Minute {
		return strconv.Itoa(int(d/time.Minute)) + " мин."
	}
	return strconv.Itoa(int(d.Round(time.Second)/time.Second)) + " секунд"
}

func renderNewUser(u transport.User) string {
	return tgui.Lines(
		"🆕 Новый пользователь:",
		tgui.Esc("ID: "+strconv.FormatInt(u.ID, 10)),
		tgui.Esc("Username: @"+orNone(u.Username)),
		tgui.Esc("Имя: "+u.FirstName),
	).String()
}

func renderTrackAttempt(from transport.User, username string) string {
	return tgui.Lines(
		"🔍 Попытка отслеживания:",
		tgui.Esc(fmt.Sprintf("От: @%s (ID: %d)", orNone(from.Username), from.ID)),
		tgui.Esc("Цель: @"+username),
	).String()
}

func renderTrackExplain(username string) string {
	u := tgui.Esc("@" + username).String()
	return tgui.Lines(
		tgui.Raw("ℹ️ Чтобы отслеживать "+u+", попросите его:"),
		"",
		"1. Написать любое сообщение этому боту",
		tgui.Raw("2. Или перешлите мне любое сообщение от "+u),
		"",
		"После этого я смогу начать отслеживание!",
	).String()
}

func renderQuota(maxPerOwner int) string {
	return tgui.Lines(
		tgui.Esc(fmt.Sprintf("❌ Достигнут лимит: максимум %d пользователей.", maxPerOwner)),
		"Удалите кого-то командой /stop ID",
	).String()
}

func renderTracked(u transport.User, interval time.Duration, refreshed bool) string {
	title := "✅ " + tgui.B("Пользователь добавлен!").String()
	if refreshed {
		title = "🔄 " + tgui.B("Данные пользователя обновлены").String()
	}
	return tgui.Lines(
		tgui.Raw(title),
		"",
		tgui.Esc("👤 Username: "+atUsername(u.Username)),
		tgui.Esc("📝 Имя: "+strings.TrimSpace(u.FirstName+" "+u.LastName)),
		tgui.Raw("🆔 ID: "+tgui.Code(strconv.FormatInt(u.ID, 10)).String()),
		"",
		tgui.Esc(fmt.Sprintf("Я буду отслеживать изменения каждые %s!", fmtInterval(interval))),
	).String()
}

func renderNewTracking(owner, target transport.User) string {
	return tgui.Lines(
		"✅ Новое отслеживание:",
		tgui.Esc(fmt.Sprintf("Кто: @%s (ID: %d)", orNone(owner.Username), owner.ID)),
		tgui.Esc(fmt.Sprintf("Кого: @%s (ID: %d)", orNone(target.Username), target.ID)),
	).String()
}

func renderList(rows []storage.TrackedIdentity, maxPerOwner int) (string, any) {
	if len(rows) == 0 {
		return tgui.Lines(
			"📋 У вас нет отслеживаемых пользователей",
			"",
			"Перешлите мне сообщение пользователя, чтобы начать отслеживание.",
		).String(), nil
	}
	lines := []tgui.H{tgui.Raw(fmt.Sprintf("📋 %s", tgui.B(fmt.Sprintf("Ваши отслеживаемые (%d/%d):", len(rows), maxPerOwner)))), ""}
	kb := tgui.NewInline()
	for _, r := range rows {
		id := strconv.FormatInt(r.Target, 10)
		lines = append(lines,
			tgui.Esc("👤 "+atUsername(r.Username)),
			tgui.Esc("   Имя: "+tgui.TruncRunes(r.Profile().FullName(), 64)),
			tgui.Raw("   ID: "+tgui.Code(id).String()),
			"",
		)
		stop, err1 := tgui.Data("track", "stop", id)
		hist, err2 := tgui.Data("track", "history", id)
		if err1 == nil && err2 == nil {
			label := tgui.TruncRunes(profile.Label(r.Target, r.Profile()), 24)
			kb.Row(tgui.Btn("❌ "+label, stop), tgui.Btn("📜 История", hist))
		}
	}
	return tgui.Lines(lines...).String(), kb.Markup()
}

func renderInfo(id int64, p profile.Profile) string {
	return tgui.Lines(
		tgui.Raw("📊 "+tgui.B("Информация о пользователе").String()),
		"",
		tgui.Esc("👤 Username: "+atUsername(p.Username)),
		tgui.Esc("📝 Имя: "+orNone(p.FirstName)),
		tgui.Esc("📝 Фамилия: "+orNone(p.LastName)),
		tgui.Raw("🆔 ID: "+tgui.Code(strconv.FormatInt(id, 10)).String()),
	).String()
}

func renderHistory(recs []storage.ChangeRecord, labels map[int64]string) string {
	if len(recs) == 0 {
		return textNoHistory
	}
	lines := []tgui.H{tgui.Raw("📜 " + tgui.B("История изменений:").String()), ""}
	for _, r := range recs {
		label, ok := labels[r.Target]
		if !ok {
			label = strconv.FormatInt(r.Target, 10)
		}
		lines = append(lines, tgui.Raw(fmt.Sprintf("• %s %s %s: %s → %s",
			tgui.Esc(fmtDate(r.OccurredAt)), tgui.Esc(label), tgui.B(fieldTitle(r.Field)),
			valueOrEmpty(r.OldValue), valueOrEmpty(r.NewValue))))
	}
	return tgui.Lines(lines...).String()
}

func renderAdminPanel() (string, any) {
	text := tgui.Lines(
		tgui.Raw("👑 "+tgui.B("Админ-панель DarkLook").String()),
		"",
		"/stats - статистика бота",
		"/users - список всех пользователей",
		"/logs - последние действия",
		"/status - состояние мониторинга",
	).String()
	kb := tgui.NewInline().
		Row(tgui.Btn("📊 Статистика", "admin:stats"), tgui.Btn("👥 Пользователи", "admin:users")).
		Row(tgui.Btn("📝 Логи", "admin:logs"), tgui.Btn("🩺 Статус", "admin:status"))
	return text, kb.Markup()
}

func renderStats(st storage.Stats, recent []storage.BotUser) string {
	avg := 0.0
	if st.BotUsers > 0 {
		avg = float64(st.Tracked) / float64(st.BotUsers)
	}
	lines := []tgui.H{
		tgui.Raw("📊 " + tgui.B("Статистика DarkLook").String()),
		"",
		tgui.Esc(fmt.Sprintf("👥 Всего пользователей: %d", st.BotUsers)),
		tgui.Esc(fmt.Sprintf("🔍 Всего отслеживаний: %d", st.Tracked)),
		tgui.Esc(fmt.Sprintf("📈 Среднее на пользователя: %.1f", avg)),
		tgui.Esc(fmt.Sprintf("📜 Изменений в истории: %d", st.Changes)),
		tgui.Esc("🕒 Последнее изменение: " + fmtDate(st.LastChangeAt)),
		"",
		tgui.B(fmt.Sprintf("Последние %d пользователей:", statsRecent)),
	}
	for _, u := range recent {
		lines = append(lines, tgui.Esc(fmt.Sprintf("• @%s (ID: %d)", orNone(u.Username), u.ID)))
	}
	return tgui.Lines(lines...).String()
}

func renderUsers(users []storage.BotUser, total int) string {
	if len(users) == 0 {
		return textNoUsers
	}
	lines := []tgui.H{tgui.Raw("👥 " + tgui.B(fmt.Sprintf("Все пользователи (%d):", total)).String()), ""}
	for _, u := range users {
		lines = append(lines,
			tgui.Esc(fmt.Sprintf("• @%s (ID: %d)", orNone(u.Username), u.ID)),
			tgui.Esc("  Имя: "+tgui.TruncRunes(u.DisplayName, 64)),
			tgui.Esc("  Начал: "+fmtDate(u.FirstSeenAt)),
			"",
		)
	}
	if rest := total - len(users); rest > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("... и еще %d пользователей", rest)))
	}
	return tgui.Lines(lines...).String()
}

func renderLogs(entries []storage.ActionLogEntry) string {
	if len(entries) == 0 {
		return textNoLogs
	}
	lines := []tgui.H{tgui.Raw("📝 " + tgui.B("Последние действия:").String()), ""}
	for _, e := range entries {
		lines = append(lines, tgui.Esc(fmt.Sprintf("• ID %d: %s", e.Actor, e.Kind)))
		if e.Details != "" {
			lines = append(lines, tgui.Esc("  "+tgui.TruncRunes(e.Details, 200)))
		}
		lines = append(lines, tgui.Esc("  "+fmtDate(e.OccurredAt)), "")
	}
	return tgui.Lines(lines...).String()
}
