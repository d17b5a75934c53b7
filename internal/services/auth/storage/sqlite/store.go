package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/louisbranch/authbroker/internal/platform/id"
	"github.com/louisbranch/authbroker/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/authbroker/internal/platform/timeouts"
	"github.com/louisbranch/authbroker/internal/services/auth/storage"
	"github.com/louisbranch/authbroker/internal/services/auth/storage/sqlite/migrations"
	"github.com/louisbranch/authbroker/internal/services/auth/user"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.IdentityStore over SQLite.
type Store struct {
	sqlDB   *sql.DB
	now     func() time.Time
	newID   func() (string, error)
	timeout time.Duration

	// findAccount is swapped in tests to simulate a lost race.
	findAccount func(ctx context.Context, q queryer, provider, subject string) (string, bool, error)
}

var _ storage.IdentityStore = (*Store)(nil)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator sets the generator for user and account ids.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithTimeout bounds every store operation.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// DB returns the raw database handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Open opens the identity database at path and applies bundled migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Storage)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{
		sqlDB:       sqlDB,
		now:         time.Now,
		newID:       id.NewID,
		timeout:     timeouts.Storage,
		findAccount: findAccount,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.sqlDB.PingContext(ctx)
}

// UpsertIdentity binds the profile to exactly one user. A unique violation
// from a concurrent first-time insert is retried once through the update path.
func (s *Store) UpsertIdentity(ctx context.Context, in storage.IdentityInput) (string, error) {
	profile, err := user.NormalizeProfile(in.Profile)
	if err != nil {
		return "", err
	}
	seenAt := in.SeenAt
	if seenAt.IsZero() {
		seenAt = s.now()
	}
	seenAt = seenAt.UTC()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	userID, err := s.upsertOnce(ctx, profile, seenAt)
	if err == nil || !isUniqueViolation(err) {
		return userID, err
	}
	userID, err = s.upsertOnce(ctx, profile, seenAt)
	if err != nil {
		return "", fmt.Errorf("retry after unique violation: %w", err)
	}
	return userID, nil
}

func (s *Store) upsertOnce(ctx context.Context, profile user.Profile, seenAt time.Time) (string, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin identity tx: %w", err)
	}
	defer tx.Rollback()

	userID, found, err := s.findAccount(ctx, tx, profile.Provider, profile.Subject)
	if err != nil {
		return "", err
	}
	if found {
		if err := updateBinding(ctx, tx, userID, profile, seenAt); err != nil {
			return "", err
		}
	} else {
		u, account, err := user.NewBinding(profile, func() time.Time { return seenAt }, s.newID)
		if err != nil {
			return "", err
		}
		if err := insertBinding(ctx, tx, u, account); err != nil {
			return "", err
		}
		userID = u.ID
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit identity tx: %w", err)
	}
	return userID, nil
}

func findAccount(ctx context.Context, q queryer, provider, subject string) (string, bool, error) {
	var userID string
	err := q.QueryRowContext(ctx,
		`SELECT user_id FROM linked_accounts WHERE provider = ? AND subject = ?`,
		provider, subject,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find linked account: %w", err)
	}
	return userID, true, nil
}

func updateBinding(ctx context.Context, tx *sql.Tx, userID string, profile user.Profile, seenAt time.Time) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE users
SET display_name = ?,
    email = CASE WHEN ? = '' THEN email ELSE ? END,
    picture = CASE WHEN ? = '' THEN picture ELSE ? END,
    last_seen_at = ?
WHERE id = ?`,
		profile.DisplayName,
		profile.Email, profile.Email,
		profile.Picture, profile.Picture,
		toMillis(seenAt),
		userID,
	); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE linked_accounts SET last_used_at = ? WHERE provider = ? AND subject = ?`,
		toMillis(seenAt), profile.Provider, profile.Subject,
	); err != nil {
		return fmt.Errorf("update linked account: %w", err)
	}
	return nil
}

func insertBinding(ctx context.Context, tx *sql.Tx, u user.User, account user.LinkedAccount) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO users (id, display_name, email, picture, created_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Email, u.Picture, toMillis(u.CreatedAt), toMillis(u.LastSeenAt),
	); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO linked_accounts (id, user_id, provider, subject, created_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, account.Provider, account.Subject, toMillis(account.CreatedAt), toMillis(account.LastUsedAt),
	); err != nil {
		return fmt.Errorf("insert linked account: %w", err)
	}
	return nil
}

// GetUser returns the user with userID or storage.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return user.User{}, fmt.Errorf("user id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		u          user.User
		createdAt  int64
		lastSeenAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, display_name, email, picture, created_at, last_seen_at
FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.DisplayName, &u.Email, &u.Picture, &createdAt, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.LastSeenAt = fromMillis(lastSeenAt)
	return u, nil
}

// ListLinkedAccounts returns the accounts bound to userID, oldest first.
func (s *Store) ListLinkedAccounts(ctx context.Context, userID string) ([]user.LinkedAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, provider, subject, created_at, last_used_at
FROM linked_accounts WHERE user_id = ?
ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []user.LinkedAccount
	for rows.Next() {
		var (
			account    user.LinkedAccount
			createdAt  int64
			lastUsedAt int64
		)
		if err := rows.Scan(&account.ID, &account.UserID, &account.Provider, &account.Subject, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		account.CreatedAt = fromMillis(createdAt)
		account.LastUsedAt = fromMillis(lastUsedAt)
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked accounts: %w", err)
	}
	return accounts, nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure.
func isUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
}
