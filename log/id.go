package log

import (
	"context"
	"math/rand"
	"time"
)

type idContextKey struct{}

type ID struct {
	ID        uint32
	CreatedAt time.Time
}

// ContextWithNewID attaches a fresh connection-scoped ID to ctx so that all
// log lines of one session can be correlated.
func ContextWithNewID(ctx context.Context) context.Context {
	return context.WithValue(ctx, idContextKey{}, ID{
		ID:        rand.Uint32(),
		CreatedAt: time.Now(),
	})
}

func IDFromContext(ctx context.Context) (ID, bool) {
	id, loaded := ctx.Value(idContextKey{}).(ID)
	return id, loaded
}
