package adapter

import (
	"context"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	"darklook/internal/transport"
	logx "darklook/pkg/logx"
)

const (
	maxMenuCommands   = 100
	maxMenuDescLength = 256
)

// UpdateMenuCommands publishes the bot's command list (setMyCommands).
// Nothing is sent when the list matches the last published one.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	menu := menuCommands(cmds)
	sum := menuHash(menu)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Debug("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func menuCommands(cmds []transport.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > maxMenuDescLength {
			d = string(r[:maxMenuDescLength])
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) == maxMenuCommands {
			break
		}
	}
	return out
}

func menuHash(cmds []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
