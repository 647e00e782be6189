package discordgpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// postgresLockAcquireTimeout bounds the pool checkout and the
// pg_try_advisory_lock query for a single TryAcquire
const postgresLockAcquireTimeout = 10 * time.Second

var errReplyLockerClosed = errors.New("reply locker is closed")

// postgresReplyLocker uses session-level advisory locks. Each held lock
// pins one pooled connection until it's released, since advisory locks
// belong to the session that took them. If the process dies, postgres
// drops the session and the lock with it.
//
// mu only guards held. A nil entry in held reserves a message ID while
// its TryAcquire is talking to postgres.
type postgresReplyLocker struct {
	pool           *pgxpool.Pool
	mu             sync.Mutex
	held           map[string]*pgxpool.Conn
	acquireTimeout time.Duration
	closed         bool
	logger         *slog.Logger
}

func newPostgresReplyLocker(
	ctx context.Context,
	dsn string,
	logger *slog.Logger,
) (*postgresReplyLocker, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error connecting to postgres: %w", err)
	}
	return &postgresReplyLocker{
		pool:           pool,
		held:           map[string]*pgxpool.Conn{},
		acquireTimeout: postgresLockAcquireTimeout,
		logger:         logger.With(loggerNameKey, "reply_lock"),
	}, nil
}

// advisoryLockKey maps a message ID onto the bigint keyspace used by
// pg_advisory_lock
func advisoryLockKey(messageID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(messageID))
	return int64(h.Sum64())
}

func (p *postgresReplyLocker) TryAcquire(ctx context.Context, messageID string) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, errReplyLockerClosed
	}
	if _, ok := p.held[messageID]; ok {
		p.mu.Unlock()
		return false, nil
	}
	p.held[messageID] = nil
	p.mu.Unlock()

	conn, err := p.lock(ctx, messageID)

	p.mu.Lock()
	if err != nil || conn == nil {
		delete(p.held, messageID)
		p.mu.Unlock()
		return false, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return false, errReplyLockerClosed
	}
	p.held[messageID] = conn
	p.mu.Unlock()
	return true, nil
}

// lock checks out a connection and tries the advisory lock on it. The
// returned conn is nil if another session holds the lock.
func (p *postgresReplyLocker) lock(ctx context.Context, messageID string) (*pgxpool.Conn, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("error acquiring connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(
		ctx,
		"SELECT pg_try_advisory_lock($1)",
		advisoryLockKey(messageID),
	).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("error taking advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}
	return conn, nil
}

func (p *postgresReplyLocker) Release(ctx context.Context, messageID string) error {
	p.mu.Lock()
	conn := p.held[messageID]
	if conn != nil {
		delete(p.held, messageID)
	}
	p.mu.Unlock()

	// not held, or still being acquired
	if conn == nil {
		return nil
	}

	var unlocked bool
	err := conn.QueryRow(
		ctx,
		"SELECT pg_advisory_unlock($1)",
		advisoryLockKey(messageID),
	).Scan(&unlocked)
	if err != nil {
		// the session may still hold the lock, so don't hand it back
		// to the pool
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return fmt.Errorf("error releasing advisory lock: %w", err)
	}
	conn.Release()
	if !unlocked {
		p.logger.WarnContext(
			ctx,
			"advisory lock was not held at release",
			"message_id", messageID,
		)
	}
	return nil
}

func (p *postgresReplyLocker) Close() {
	p.mu.Lock()
	p.closed = true
	held := p.held
	p.held = map[string]*pgxpool.Conn{}
	p.mu.Unlock()

	for id, conn := range held {
		if conn == nil {
			continue
		}
		p.logger.Warn("closing with reply lock still held", "message_id", id)
		if err := conn.Conn().Close(context.Background()); err != nil {
			p.logger.Error("error closing connection", tint.Err(err))
		}
		conn.Release()
	}
	p.pool.Close()
}
