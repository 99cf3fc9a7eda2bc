package sql

import "context"

type ctxKey int

const connCtxKey ctxKey = 0

// newContext embeds a connection in the context, so that successive queries
// within the same transaction or session use the same connection.
func newContext(ctx context.Context, conn Connection) context.Context {
	return context.WithValue(ctx, connCtxKey, conn)
}

func fromContext(ctx context.Context) (Connection, bool) {
	conn, ok := ctx.Value(connCtxKey).(Connection)
	return conn, ok
}
