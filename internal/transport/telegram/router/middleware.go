package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"darklook/internal/storage"
	logx "darklook/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					requestLogger(log, req).Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			logger := requestLogger(log, req)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWActivity records the caller as a bot user. The primary admin is told
// about first-time users.
func MWActivity() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			tr := req.Services.Tracker
			if tr == nil || req.From.ID == 0 {
				return next(ctx, req)
			}
			created, err := tr.RecordActivity(ctx, storage.BotUser{
				ID:           req.From.ID,
				Username:     req.From.Username,
				DisplayName:  strings.TrimSpace(req.From.FirstName + " " + req.From.LastName),
				LastActiveAt: req.Now,
			})
			if err != nil {
				req.Logger.Warn("activity record failed", logx.Err(err))
			}
			if created {
				req.Logger.Info("new bot user")
				announce(ctx, req, renderNewUser(req.From))
			}
			return next(ctx, req)
		}
	}
}

// MWRateGuard enforces the request's Guard. Denied requests get a short
// reply and never reach the handler.
func MWRateGuard() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			g := req.Services.Guard
			if g == nil || req.Guard == GuardNone {
				return next(ctx, req)
			}
			if req.Guard == GuardCooldown {
				if ok, wait := g.CheckCooldown(req.From.ID, req.Now); !ok {
					req.Logger.Debug("cooldown active", logx.Duration("wait", wait))
					return deny(ctx, req, textCooldown)
				}
			}
			if !g.CheckAndRecord(req.From.ID, req.Now) {
				req.Logger.Debug("request window exhausted")
				return deny(ctx, req, textTooMany)
			}
			return next(ctx, req)
		}
	}
}

func deny(ctx context.Context, req *Request, text string) error {
	if cb := req.Update.Callback; cb != nil {
		return req.Adapter.AnswerCallback(ctx, cb.ID, text)
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

// announce sends an operator notice to the primary admin unless the admin
// caused it.
func announce(ctx context.Context, req *Request, text string) {
	admin := req.Settings.PrimaryAdmin()
	a := req.Services.Announcer
	if a == nil || admin == 0 || admin == req.From.ID {
		return
	}
	if err := a.Announce(ctx, admin, text, 3); err != nil {
		req.Logger.Warn("admin notice failed", logx.Err(err))
	}
}
