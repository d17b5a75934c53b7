// Package sqlitemigrate applies embedded SQL migrations to a SQLite database.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

const (
	migrationTable = "schema_migrations"
	upMarker       = "-- +migrate Up"
	downMarker     = "-- +migrate Down"
)

// Apply executes every *.sql file under root in lexical order, recording each
// file in schema_migrations so it runs at most once. Each file runs in its own
// transaction; a failing file is not recorded.
func Apply(ctx context.Context, db *sql.DB, migrations fs.FS, root string) error {
	if db == nil {
		return errors.New("sql db is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	files, err := listMigrations(migrations, root)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		key := name
		if root != "." {
			key = path.Join(root, name)
		}
		if err := applyOne(ctx, db, migrations, key); err != nil {
			return err
		}
	}
	return nil
}

func listMigrations(migrations fs.FS, root string) ([]string, error) {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	slices.Sort(files)
	return files, nil
}

func applyOne(ctx context.Context, db *sql.DB, migrations fs.FS, key string) error {
	applied, err := isApplied(ctx, db, key)
	if err != nil {
		return fmt.Errorf("check migration %s: %w", key, err)
	}
	if applied {
		return nil
	}

	content, err := fs.ReadFile(migrations, key)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", key, err)
	}
	upSQL := UpSection(string(content))
	if strings.TrimSpace(upSQL) == "" {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upSQL); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("exec migration %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
		key, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", key, err)
	}
	return nil
}

// UpSection returns the statements between the Up and Down markers. Content
// without an Up marker is returned whole.
func UpSection(content string) string {
	_, after, found := strings.Cut(content, upMarker)
	if !found {
		return content
	}
	up, _, _ := strings.Cut(after, downMarker)
	return up
}

// isAlreadyExists treats re-running idempotent DDL as success.
func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}

func isApplied(ctx context.Context, db *sql.DB, key string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = ?`, key).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
