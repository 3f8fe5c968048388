package smtpd

import (
	"context"
	"net"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	remoteAddrKey
	localAddrKey
)

// SessionIDFromContext returns the id of the session handling ctx, if any.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// RemoteAddrFromContext returns the client address of the connection.
func RemoteAddrFromContext(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(remoteAddrKey).(net.Addr)
	return addr
}

// LocalAddrFromContext returns the address the connection was accepted on.
func LocalAddrFromContext(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(localAddrKey).(net.Addr)
	return addr
}

func withConn(ctx context.Context, id string, conn net.Conn) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, id)
	ctx = context.WithValue(ctx, remoteAddrKey, conn.RemoteAddr())
	ctx = context.WithValue(ctx, localAddrKey, conn.LocalAddr())

	return ctx
}
