// Package requestcontext carries request-scoped values (caller, request id,
// request time) without depending on net/http, so the ledger workers and
// tests can set them the same way the middleware does.
package requestcontext

import (
	"context"
	"time"

	id "certchain/pkg/domain"
)

type (
	userIDKey    struct{}
	requestIDKey struct{}
	timeKey      struct{}
)

// UserID is the authenticated caller, or the nil id.
func UserID(ctx context.Context) id.UserID {
	userID, _ := ctx.Value(userIDKey{}).(id.UserID)
	return userID
}

func WithUserID(ctx context.Context, userID id.UserID) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func RequestID(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Now is the time pinned for the request, falling back to the wall clock
// for background work.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(timeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}
