// Package directory resolves opaque Telegram identities to their current
// public profile fields.
package directory

import (
	"context"

	"darklook/internal/profile"
)

// Client fetches the current profile of an identity. Failures are *Error
// values of kind KindNotFound or KindTransient.
type Client interface {
	FetchProfile(ctx context.Context, id int64) (profile.Profile, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, id int64) (profile.Profile, error)

func (f ClientFunc) FetchProfile(ctx context.Context, id int64) (profile.Profile, error) {
	return f(ctx, id)
}
