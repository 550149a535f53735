package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"darklook/internal/directory"
	"darklook/internal/profile"
	"darklook/internal/tracker"
	logx "darklook/pkg/logx"
)

var errBadTarget = errors.New("router: target is neither an id nor a tracked @username")

func (m *CommandManager) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "приветствие и описание", Guard: GuardWindow, Handle: handleStart},
		{Name: "help", Aliases: []string{"h"}, Description: "список команд", Guard: GuardWindow, Handle: func(ctx context.Context, req *Request) error {
			_, err := req.reply(ctx, m.helpText(req.Settings.IsAdmin(req.From.ID)))
			return err
		}},
		{Name: "track", Description: "начать отслеживание", Usage: "/track @username", Guard: GuardCooldown, Handle: handleTrack},
		{Name: "list", Description: "мои отслеживаемые пользователи", Guard: GuardWindow, Handle: handleList},
		{Name: "stop", Aliases: []string{"untrack"}, Description: "остановить отслеживание", Usage: "/stop ID", Guard: GuardCooldown, Handle: handleStop},
		{Name: "info", Description: "информация о пользователе", Usage: "/info ID", Guard: GuardWindow, Handle: handleInfo},
		{Name: "history", Description: "история изменений", Usage: "/history [ID]", Guard: GuardWindow, Handle: handleHistory},

		{Name: "admin", Description: "админ-панель", Access: AccessAdminOnly, Handle: handleAdmin},
		{Name: "stats", Description: "статистика бота", Access: AccessAdminOnly, Handle: handleStats},
		{Name: "users", Description: "список всех пользователей", Access: AccessAdminOnly, Handle: handleUsers},
		{Name: "logs", Description: "последние действия", Access: AccessAdminOnly, Handle: handleLogs},
		{Name: "status", Description: "состояние мониторинга", Access: AccessAdminOnly, Handle: handleStatus},
	}
}

func (m *CommandManager) builtinCallbacks() []CallbackRoute {
	withArg := func(h HandlerFunc) CallbackHandlerFunc {
		return func(ctx context.Context, req *Request, payload string) error {
			req.Args = []string{payload}
			return h(ctx, req)
		}
	}
	plain := func(h HandlerFunc) CallbackHandlerFunc {
		return func(ctx context.Context, req *Request, _ string) error { return h(ctx, req) }
	}
	return []CallbackRoute{
		{Scope: "track", Action: "stop", Handle: withArg(handleStop)},
		{Scope: "track", Action: "history", Handle: withArg(handleHistory)},
		{Scope: "admin", Action: "stats", Access: AccessAdminOnly, Handle: plain(handleStats)},
		{Scope: "admin", Action: "users", Access: AccessAdminOnly, Handle: plain(handleUsers)},
		{Scope: "admin", Action: "logs", Access: AccessAdminOnly, Handle: plain(handleLogs)},
		{Scope: "admin", Action: "status", Access: AccessAdminOnly, Handle: plain(handleStatus)},
	}
}

func handleStart(ctx context.Context, req *Request) error {
	tr := req.Services.Tracker
	if err := tr.LogAction(ctx, req.From.ID, tracker.ActionStart, ""); err != nil {
		req.Logger.Warn("action log write failed", logx.Err(err))
	}
	_, err := req.reply(ctx, renderWelcome(tr.MaxPerOwner(), req.Settings.PollInterval))
	return err
}

// handleTrack explains the forward flow: the Bot API cannot resolve a
// username to an account the bot has never seen.
func handleTrack(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return sendPlain(ctx, req, textTrackUsage)
	}
	username := strings.TrimPrefix(strings.TrimSpace(req.Args[0]), "@")
	if username == "" {
		return sendPlain(ctx, req, textTrackUsage)
	}
	tr := req.Services.Tracker
	rows, err := tr.List(ctx, req.From.ID)
	if err != nil {
		return fail(ctx, req, err)
	}
	if limit := tr.MaxPerOwner(); len(rows) >= limit {
		_, err := req.reply(ctx, renderQuota(limit))
		return err
	}
	if err := tr.LogAction(ctx, req.From.ID, tracker.ActionTrackAttempt, "@"+username); err != nil {
		req.Logger.Warn("action log write failed", logx.Err(err))
	}
	announce(ctx, req, renderTrackAttempt(req.From, username))
	_, err = req.reply(ctx, renderTrackExplain(username))
	return err
}

func handleForward(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	src := msg.ForwardFrom
	switch {
	case src == nil:
		return sendPlain(ctx, req, textHiddenForward)
	case src.IsBot:
		return sendPlain(ctx, req, textForwardBot)
	}
	p := profile.Profile{Username: src.Username, FirstName: src.FirstName, LastName: src.LastName}
	res, err := req.Services.Tracker.Track(ctx, req.From.ID, src.ID, p)
	switch {
	case errors.Is(err, tracker.ErrQuotaExceeded):
		_, err := req.reply(ctx, renderQuota(res.Max))
		return err
	case err != nil:
		req.Logger.Error("track failed", logx.Int64("target", src.ID), logx.Err(err))
		_ = sendPlain(ctx, req, textTrackFailed)
		return err
	}
	if res.Created {
		announce(ctx, req, renderNewTracking(req.From, *src))
	}
	_, err = req.reply(ctx, renderTracked(*src, req.Settings.PollInterval, !res.Created))
	return err
}

func handleList(ctx context.Context, req *Request) error {
	tr := req.Services.Tracker
	rows, err := tr.List(ctx, req.From.ID)
	if err != nil {
		return fail(ctx, req, err)
	}
	text, kb := renderList(rows, tr.MaxPerOwner())
	_, err = req.replyMarkup(ctx, text, kb)
	return err
}

func handleStop(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return sendPlain(ctx, req, textStopUsage)
	}
	target, err := resolveTarget(ctx, req, req.Args[0])
	switch {
	case errors.Is(err, errBadTarget):
		return sendPlain(ctx, req, textNeedNumericID)
	case errors.Is(err, tracker.ErrNotTracked):
		return sendPlain(ctx, req, textNotInList)
	case err != nil:
		return fail(ctx, req, err)
	}
	err = req.Services.Tracker.Untrack(ctx, req.From.ID, target)
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		return sendPlain(ctx, req, textNotInList)
	case err != nil:
		return fail(ctx, req, err)
	}
	return sendPlain(ctx, req, textRemoved)
}

func handleInfo(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return sendPlain(ctx, req, textInfoUsage)
	}
	target, err := resolveTarget(ctx, req, req.Args[0])
	switch {
	case errors.Is(err, errBadTarget), errors.Is(err, tracker.ErrNotTracked):
		return sendPlain(ctx, req, textNeedNumericID)
	case err != nil:
		return fail(ctx, req, err)
	}
	ref, err := req.Adapter.SendText(ctx, req.Chat, textInfoPending, nil)
	if err != nil {
		return err
	}
	p, err := req.Services.Tracker.Lookup(ctx, req.From.ID, target)
	text := renderInfo(target, p)
	switch {
	case directory.KindOf(err) == directory.KindNotFound:
		text = textInfoNotFound
	case err != nil:
		req.Logger.Warn("lookup failed", logx.Int64("target", target), logx.Err(err))
		text = textInfoFailed
	}
	return req.Adapter.EditText(ctx, ref, text, htmlOpts(nil))
}

func handleHistory(ctx context.Context, req *Request) error {
	tr := req.Services.Tracker
	rows, err := tr.List(ctx, req.From.ID)
	if err != nil {
		return fail(ctx, req, err)
	}
	labels := make(map[int64]string, len(rows))
	for _, r := range rows {
		labels[r.Target] = profile.Label(r.Target, r.Profile())
	}
	var target int64
	if len(req.Args) > 0 {
		target, err = resolveTarget(ctx, req, req.Args[0])
		switch {
		case errors.Is(err, errBadTarget):
			return sendPlain(ctx, req, textNeedNumericID)
		case errors.Is(err, tracker.ErrNotTracked):
			return sendPlain(ctx, req, textNotInList)
		case err != nil:
			return fail(ctx, req, err)
		}
	}
	recs, err := tr.History(ctx, req.From.ID, target, historyLimit)
	if err != nil {
		return fail(ctx, req, err)
	}
	_, err = req.reply(ctx, renderHistory(recs, labels))
	return err
}

// resolveTarget accepts a numeric id or an @username from the caller's own
// tracked list.
func resolveTarget(ctx context.Context, req *Request, arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil && id != 0 {
		return id, nil
	}
	name, ok := strings.CutPrefix(arg, "@")
	if !ok || name == "" {
		return 0, errBadTarget
	}
	rows, err := req.Services.Tracker.List(ctx, req.From.ID)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if strings.EqualFold(r.Username, name) {
			return r.Target, nil
		}
	}
	return 0, tracker.ErrNotTracked
}

func sendPlain(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

// fail reports an internal error to the caller and returns it for logging.
func fail(ctx context.Context, req *Request, err error) error {
	_ = sendPlain(ctx, req, textInternalError)
	return fmt.Errorf("%s: %w", req.Command, err)
}

