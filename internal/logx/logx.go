package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/schema"
)

type contextKey int

const (
	databaseKey contextKey = iota
	identityKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithDatabase annotates the logger with the database name if present.
func WithDatabase(ctx context.Context, db schema.DatabaseName) pslog.Logger {
	log := pslog.Ctx(ctx)
	if db != "" {
		if current, ok := ctx.Value(databaseKey).(schema.DatabaseName); ok && current == db {
			return log
		}
		log = log.With("db", db)
	}
	return log
}

// WithDatabaseIdentity annotates the logger with database and caller identity.
func WithDatabaseIdentity(ctx context.Context, db schema.DatabaseName, identity schema.Identity) pslog.Logger {
	log := WithDatabase(ctx, db)
	if identity != "" {
		if current, ok := ctx.Value(identityKey).(schema.Identity); ok && current == identity {
			return log
		}
		log = log.With("identity", identity.Short())
	}
	return log
}

// WithConn annotates the logger with a connection id when available.
func WithConn(log pslog.Logger, conn schema.ConnectionID) pslog.Logger {
	if conn != "" {
		log = log.With("conn", conn)
	}
	return log
}

// WithReducer annotates the logger with a reducer name when available.
func WithReducer(log pslog.Logger, reducer schema.ReducerName) pslog.Logger {
	if reducer != "" {
		log = log.With("reducer", reducer)
	}
	return log
}

// ContextWithDatabase stores the database marker on the context for log de-duplication.
func ContextWithDatabase(ctx context.Context, db schema.DatabaseName) context.Context {
	if ctx == nil || db == "" {
		return ctx
	}
	return context.WithValue(ctx, databaseKey, db)
}

// ContextWithIdentity stores the identity marker on the context for log de-duplication.
func ContextWithIdentity(ctx context.Context, identity schema.Identity) context.Context {
	if ctx == nil || identity == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// ContextWithDatabaseIdentity stores database/identity markers on the context.
func ContextWithDatabaseIdentity(ctx context.Context, db schema.DatabaseName, identity schema.Identity) context.Context {
	return ContextWithIdentity(ContextWithDatabase(ctx, db), identity)
}

// ContextWithDatabaseLogger attaches the logger and database marker to the context.
func ContextWithDatabaseLogger(ctx context.Context, log pslog.Logger, db schema.DatabaseName) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithDatabase(ctx, db)
}

// CopyContextFields copies database/identity markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if db, ok := src.Value(databaseKey).(schema.DatabaseName); ok && db != "" {
		dst = ContextWithDatabase(dst, db)
	}
	if identity, ok := src.Value(identityKey).(schema.Identity); ok && identity != "" {
		dst = ContextWithIdentity(dst, identity)
	}
	return dst
}
