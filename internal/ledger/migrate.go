// SPDX-License-Identifier: MIT

package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var migrationFileRE = regexp.MustCompile(`^(\d+)_[^/]*_(up|down)\.sql$`)

type migrationPair struct {
	up   string
	down string
}

// loadMigrations reads the embedded migration directory into a
// version -> {up sql, down sql} map, mirroring
// original_source's migration/migrate.py get_migration_files().
func loadMigrations() (map[int]migrationPair, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("ledger: read migrations dir: %w", err)
	}

	migrations := map[int]migrationPair{}
	for _, entry := range entries {
		m := migrationFileRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("ledger: bad migration version in %q: %w", entry.Name(), err)
		}
		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("ledger: read %q: %w", entry.Name(), err)
		}
		pair := migrations[version]
		switch m[2] {
		case "up":
			pair.up = string(data)
		case "down":
			pair.down = string(data)
		}
		migrations[version] = pair
	}
	return migrations, nil
}

// HighestMigrationVersion returns the greatest migration version embedded
// in the binary.
func HighestMigrationVersion() int {
	migrations, err := loadMigrations()
	if err != nil {
		// The migration set is embedded at build time: a failure here means
		// the binary itself is broken, not a runtime condition callers can
		// recover from.
		panic(err)
	}
	highest := 0
	for v := range migrations {
		if v > highest {
			highest = v
		}
	}
	return highest
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS _schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
)`

// EnsureAtVersion brings the schema at db to target, applying numbered
// up or down migrations one version at a time, each inside its own
// transaction. It records applied versions in _schema_migrations and takes
// a file-copy backup of dbPath before migrating a database that already
// holds user data. It fails loudly (returning a *MigrationError) on the
// first SQL error or missing direction file, leaving already-applied
// versions applied.
func EnsureAtVersion(ctx context.Context, db *sql.DB, dbPath string, target int) error {
	if _, err := db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ledger: create _schema_migrations: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == target {
		return nil
	}

	hasData, err := dbHasUserData(ctx, db)
	if err != nil {
		return fmt.Errorf("ledger: inspect existing data: %w", err)
	}
	if current != 0 && dbPath != "" && dbPath != ":memory:" && hasData {
		if _, err := config.BackupConfig(dbPath, filepath.Dir(dbPath)); err != nil {
			return fmt.Errorf("ledger: backup before migration: %w", err)
		}
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	if target > current {
		return migrateUpTo(ctx, db, migrations, current, target)
	}
	return migrateDownTo(ctx, db, migrations, current, target)
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	row := db.QueryRowContext(ctx, "SELECT max(version) FROM _schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("ledger: read current schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func dbHasUserData(ctx context.Context, db *sql.DB) (bool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != '_schema_migrations'`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, table := range tables {
		var one int
		row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM "%s" LIMIT 1`, table))
		switch err := row.Scan(&one); err {
		case nil:
			return true, nil
		case sql.ErrNoRows:
			continue
		default:
			continue // inaccessible table: ignore, matching original_source's behaviour
		}
	}
	return false, nil
}

func migrateUpTo(ctx context.Context, db *sql.DB, migrations map[int]migrationPair, current, target int) error {
	versions := sortedVersions(migrations)
	for _, v := range versions {
		if v <= current || v > target {
			continue
		}
		pair := migrations[v]
		if pair.up == "" {
			return &MigrationError{Version: v, Direction: "up", Err: fmt.Errorf("missing up migration")}
		}
		if err := applyMigration(ctx, db, v, pair.up, "up"); err != nil {
			return err
		}
	}
	return nil
}

func migrateDownTo(ctx context.Context, db *sql.DB, migrations map[int]migrationPair, current, target int) error {
	versions := sortedVersions(migrations)
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v <= target || v > current {
			continue
		}
		pair := migrations[v]
		if pair.down == "" {
			return &MigrationError{Version: v, Direction: "down", Err: fmt.Errorf("missing down migration")}
		}
		if err := applyMigration(ctx, db, v, pair.down, "down"); err != nil {
			return err
		}
	}
	return nil
}

func sortedVersions(migrations map[int]migrationPair) []int {
	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

func applyMigration(ctx context.Context, db *sql.DB, version int, sqlText, direction string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin migration %d: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range splitStatements(sqlText) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
			return &MigrationError{Version: version, Direction: direction, Err: execErr}
		}
	}

	switch direction {
	case "up":
		_, err = tx.ExecContext(ctx,
			"INSERT INTO _schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UTC())
	case "down":
		_, err = tx.ExecContext(ctx, "DELETE FROM _schema_migrations WHERE version = ?", version)
	}
	if err != nil {
		return &MigrationError{Version: version, Direction: direction, Err: err}
	}

	if err = tx.Commit(); err != nil {
		return &MigrationError{Version: version, Direction: direction, Err: err}
	}
	return nil
}

// splitStatements splits a migration file on statement-terminating
// semicolons. Migration SQL is authored one statement per line group, so a
// naive split is sufficient and avoids pulling in a full SQL parser.
func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";")
}

// MigrationError reports a failed migration step. The caller must treat
// this as fatal: the transaction for this version has been rolled back,
// but any previously applied versions remain applied.
type MigrationError struct {
	Version   int
	Direction string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("ledger: %s migration %d failed: %v", e.Direction, e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }
