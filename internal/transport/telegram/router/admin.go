package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"darklook/internal/monitor"
	"darklook/internal/task/scheduler"
	"darklook/pkg/tgui"
)

func handleAdmin(ctx context.Context, req *Request) error {
	text, kb := renderAdminPanel()
	_, err := req.replyMarkup(ctx, text, kb)
	return err
}

func handleStats(ctx context.Context, req *Request) error {
	tr := req.Services.Tracker
	st, err := tr.Stats(ctx)
	if err != nil {
		return fail(ctx, req, err)
	}
	recent, err := tr.Users(ctx, statsRecent)
	if err != nil {
		return fail(ctx, req, err)
	}
	_, err = req.reply(ctx, renderStats(st, recent))
	return err
}

func handleUsers(ctx context.Context, req *Request) error {
	tr := req.Services.Tracker
	st, err := tr.Stats(ctx)
	if err != nil {
		return fail(ctx, req, err)
	}
	users, err := tr.Users(ctx, usersPageSize)
	if err != nil {
		return fail(ctx, req, err)
	}
	_, err = req.reply(ctx, renderUsers(users, st.BotUsers))
	return err
}

func handleLogs(ctx context.Context, req *Request) error {
	entries, err := req.Services.Tracker.RecentActions(ctx, logsPageSize)
	if err != nil {
		return fail(ctx, req, err)
	}
	_, err = req.reply(ctx, renderLogs(entries))
	return err
}

func handleStatus(ctx context.Context, req *Request) error {
	s := req.Services
	lines := []tgui.H{tgui.Raw("🩺 " + tgui.B("Состояние").String()), ""}
	if s.Monitor != nil {
		lines = append(lines, monitorLines(s.Monitor)...)
	}
	if s.Scheduler != nil {
		lines = append(lines, "")
		lines = append(lines, schedulerLines(s.Scheduler.Snapshot())...)
	}
	if sups := s.Supervisors.Snapshot(); len(sups) > 0 {
		names := make([]string, 0, len(sups))
		for n := range sups {
			names = append(names, n)
		}
		sort.Strings(names)
		lines = append(lines, "", tgui.B("Горутины:"))
		for _, n := range names {
			c := sups[n].Counters()
			lines = append(lines, tgui.Esc(fmt.Sprintf("• %s: active=%d started=%d", n, c.Active, c.Started)))
		}
	}
	_, err := req.reply(ctx, tgui.Lines(lines...).String())
	return err
}

func monitorLines(mon MonitorPort) []tgui.H {
	out := []tgui.H{
		tgui.B("Мониторинг:"),
		tgui.Esc(fmt.Sprintf("• состояние: %s, тиков: %d", mon.State(), mon.Ticks())),
	}
	r, ok := mon.LastReport()
	if !ok {
		return append(out, tgui.Esc("• проверок еще не было"))
	}
	return append(out,
		tgui.Esc(fmt.Sprintf("• последняя проверка: %s (%s назад, %s)",
			fmtDate(r.StartedAt), time.Since(r.StartedAt).Round(time.Second), r.Duration.Round(time.Millisecond))),
		tgui.Esc(fmt.Sprintf("• профилей: %d, изменений: %d, уведомлений: %d", r.Identities, r.Changes, r.Notified)),
		tgui.Esc(fmt.Sprintf("• не найдено: %d, сбоев API: %d, сбоев БД: %d",
			r.Count(monitor.OutcomeNotFound), r.Count(monitor.OutcomeTransient), r.Count(monitor.OutcomeStoreFault))),
	)
}

func schedulerLines(snap scheduler.Snapshot) []tgui.H {
	out := []tgui.H{tgui.B("Планировщик:")}
	if !snap.Enabled {
		return append(out, tgui.Esc("• выключен"))
	}
	for _, sc := range snap.Schedules {
		next := "-"
		if !sc.Next.IsZero() {
			next = fmtDate(sc.Next)
		}
		out = append(out, tgui.Esc(fmt.Sprintf("• %s (%s): next=%s runs=%d failures=%d",
			sc.Name, sc.Spec, next, sc.Runs, sc.Failures)))
	}
	if len(snap.Schedules) == 0 {
		out = append(out, tgui.Esc("• задач нет"))
	}
	return out
}
