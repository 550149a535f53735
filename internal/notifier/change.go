package notifier

import (
	"context"
	"fmt"
	"strings"

	"darklook/internal/monitor"
	"darklook/internal/transport"
)

// Renderer turns a change notice into chat text.
type Renderer func(n monitor.Notice) (text string, opt *transport.SendOptions)

// ChangeNotifier delivers monitor notices to the owning actor's chat.
type ChangeNotifier struct {
	svc    *Service
	render Renderer
}

func NewChangeNotifier(svc *Service, render Renderer) *ChangeNotifier {
	if render == nil {
		render = PlainRenderer
	}
	return &ChangeNotifier{svc: svc, render: render}
}

func (c *ChangeNotifier) NotifyChanges(ctx context.Context, n monitor.Notice) error {
	if len(n.Deltas) == 0 {
		return nil
	}
	text, opt := c.render(n)
	return c.svc.Dispatch(ctx, transport.Notification{
		Channel: "telegram",
		Target:  transport.ChatTarget{ChatID: n.Owner},
		Text:    text,
		Options: opt,
	})
}

// Announce sends an operator message to chatID.
func (c *ChangeNotifier) Announce(ctx context.Context, chatID int64, text string, priority int) error {
	if chatID == 0 {
		return nil
	}
	return c.svc.Dispatch(ctx, transport.Notification{
		Channel:  "telegram",
		Priority: priority,
		Target:   transport.ChatTarget{ChatID: chatID},
		Text:     text,
		Options:  &transport.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
}

// PlainRenderer renders without markup.
func PlainRenderer(n monitor.Notice) (string, *transport.SendOptions) {
	var b strings.Builder
	fmt.Fprintf(&b, "Changes for %s:", n.Label)
	for _, d := range n.Deltas {
		fmt.Fprintf(&b, "\n%s: %s → %s", d.Field, orEmpty(d.Old), orEmpty(d.New))
	}
	return b.String(), &transport.SendOptions{DisablePreview: true}
}

func orEmpty(v string) string {
	if v == "" {
		return "(empty)"
	}
	return v
}
