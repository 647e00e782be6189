package discordgpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"sync"
	"time"
)

const (
	replyLockBackendMemory   = "memory"
	replyLockBackendDatabase = "database"
	replyLockBackendPostgres = "postgres"
)

var ErrReplyInProgress = errors.New("a reply to this message is already in progress")

// ReplyLocker guards against two completions running against the same
// bot message. TryAcquire never blocks waiting on a held lock: it
// returns false and leaves nothing behind. Release is idempotent.
type ReplyLocker interface {
	TryAcquire(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// acquireReplyLock takes the lock for messageID. On success, the
// returned release func may be called any number of times; only the
// first call releases. Release errors are logged, not returned, since
// callers release on every exit path.
func acquireReplyLock(
	ctx context.Context,
	locks ReplyLocker,
	messageID string,
	logger *slog.Logger,
) (release func(), err error) {
	ok, err := locks.TryAcquire(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("error acquiring reply lock: %w", err)
	}
	if !ok {
		return nil, ErrReplyInProgress
	}
	var once sync.Once
	return func() {
		once.Do(
			func() {
				// released even if the turn's context is already done
				releaseCtx := context.WithoutCancel(ctx)
				if e := locks.Release(releaseCtx, messageID); e != nil {
					logger.ErrorContext(
						ctx,
						"error releasing reply lock",
						"message_id", messageID,
						tint.Err(e),
					)
				}
			},
		)
	}, nil
}

// memoryReplyLocker keeps locks in a process-local set
type memoryReplyLocker struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

func newMemoryReplyLocker() *memoryReplyLocker {
	return &memoryReplyLocker{locks: map[string]struct{}{}}
}

func (m *memoryReplyLocker) TryAcquire(_ context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[messageID]; held {
		return false, nil
	}
	m.locks[messageID] = struct{}{}
	return true, nil
}

func (m *memoryReplyLocker) Release(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, messageID)
	return nil
}

// ReplyLock is a row in reply_locks. Existence means a completion is in
// flight for MessageID.
type ReplyLock struct {
	MessageID string `gorm:"primaryKey" json:"message_id"`
	Holder    string `json:"holder"`
	CreatedAt int64  `gorm:"autoCreateTime:milli;index" json:"created_at"`
}

// databaseReplyLocker stores locks in the reply_locks table, so several
// bot processes sharing one database don't reply to the same message.
// Locks older than staleAfter are assumed to belong to a process that
// died mid-turn, and are taken over.
type databaseReplyLocker struct {
	db         DBI
	holder     string
	staleAfter time.Duration
	now        func() time.Time
}

func newDatabaseReplyLocker(db DBI, holder string, staleAfter time.Duration) *databaseReplyLocker {
	return &databaseReplyLocker{
		db:         db,
		holder:     holder,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (d *databaseReplyLocker) TryAcquire(ctx context.Context, messageID string) (bool, error) {
	acquired := false
	err := d.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if d.staleAfter > 0 {
				cutoff := d.now().Add(-d.staleAfter).UnixMilli()
				err := tx.Where(
					columnMessageID+" = ? AND created_at < ?",
					messageID,
					cutoff,
				).Delete(&ReplyLock{}).Error
				if err != nil {
					return err
				}
			}
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&ReplyLock{
					MessageID: messageID,
					Holder:    d.holder,
					CreatedAt: d.now().UnixMilli(),
				},
			)
			if rv.Error != nil {
				if errors.Is(rv.Error, gorm.ErrDuplicatedKey) {
					return nil
				}
				return rv.Error
			}
			acquired = rv.RowsAffected == 1
			return nil
		},
	)
	return acquired, err
}

func (d *databaseReplyLocker) Release(ctx context.Context, messageID string) error {
	_, err := d.db.Delete(ctx, &ReplyLock{}, columnMessageID+" = ?", messageID)
	return err
}

// releaseHeldBy removes any locks left by the given holder, used at
// startup to clear locks this instance held before a restart
func (d *databaseReplyLocker) releaseHeldBy(ctx context.Context, holder string) (int64, error) {
	return d.db.Delete(ctx, &ReplyLock{}, "holder = ?", holder)
}
