package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Migration source, registered once at init time by the migrations
// package.
var (
	migrationFS  fs.FS
	migrationDir string
)

// RegisterMigrationSource points the runner at a filesystem holding
// versioned *.up.sql / *.down.sql pairs. sessiond registers its
// embedded set (vault_records, audit_logs) this way; tests register
// their own.
func RegisterMigrationSource(fsys fs.FS, dir string) {
	migrationFS = fsys
	migrationDir = dir
}

// Migration is one schema change, read from a versioned SQL pair. The
// version is the filename's YYYYMMDD_HHMMSS prefix; pairs apply oldest
// first.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrate brings the vault schema up to date, applying any pending
// migrations in version order.
//
// Each migration commits in its own transaction. On failure, that
// migration alone rolls back and the error names it; rerunning after a
// fix continues from the failed one. With no source registered this is
// a no-op, so a bare DB (as some tests use) still opens cleanly.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}

	set, err := readMigrationSet()
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range set {
		if applied[m.Version] || m.UpSQL == "" {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration. A
// development and test tool; sessiond never calls it at runtime.
func (db *DB) MigrateDown(ctx context.Context) error {
	var latest string
	err := db.QueryRowContext(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding latest version: %w", err)
	}

	set, err := readMigrationSet()
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	downSQL := ""
	for _, m := range set {
		if m.Version == latest {
			downSQL = m.DownSQL
			break
		}
	}
	if downSQL == "" {
		return fmt.Errorf("migration %s has no down SQL", latest)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, downSQL); err != nil {
		return fmt.Errorf("executing down SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM schema_migrations WHERE version = ?", latest,
	); err != nil {
		return fmt.Errorf("removing version record: %w", err)
	}
	return tx.Commit()
}

// appliedVersions returns the set of versions already recorded.
func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.DB.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying applied versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// applyMigration runs one up migration and records its version, both
// inside a single transaction.
func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("executing up SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

// readMigrationSet collects the registered SQL pairs, sorted by
// version. An up file without a down partner is fine; a stray down
// file yields a migration with no UpSQL, which Migrate skips.
func readMigrationSet() ([]Migration, error) {
	if migrationFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(migrationFS, migrationDir)
	if err != nil {
		return nil, nil //nolint:nilerr // an absent directory means no migrations, not a failure
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, ok := splitMigrationName(entry.Name())
		if !ok {
			continue
		}
		raw, err := fs.ReadFile(migrationFS, path.Join(migrationDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if up {
			m.UpSQL = string(raw)
		} else {
			m.DownSQL = string(raw)
		}
	}

	set := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		set = append(set, *m)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Version < set[j].Version })
	return set, nil
}

// splitMigrationName parses a migration filename into its version
// prefix, description and direction.
//
// "20260210_100000_create_vault_records.up.sql" yields version
// "20260210_100000", name "create_vault_records", up true. Anything
// not matching the pattern is skipped silently so stray files in the
// directory do not break startup.
func splitMigrationName(filename string) (version, name string, up, ok bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return "", "", false, false
	}

	switch {
	case strings.HasSuffix(base, ".up"):
		up = true
		base = strings.TrimSuffix(base, ".up")
	case strings.HasSuffix(base, ".down"):
		base = strings.TrimSuffix(base, ".down")
	default:
		return "", "", false, false
	}

	// version_description: "20260210_100000" + "_" + the rest
	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 3 {
		return "", "", false, false
	}
	return parts[0] + "_" + parts[1], parts[2], up, true
}
