package storage

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/logging"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// Migration is one numbered schema step, loaded from "<version>_<name>.sql"
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string // hex SHA3-256 of SQL
}

// LoadMigrations reads every .sql file in dir, ordered by version.
// Versions must be unique.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", core.ErrMigrationFailed, dir, err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		prefix, _, ok := strings.Cut(entry.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version < 1 {
			return nil, fmt.Errorf("%w: %s has no version prefix", core.ErrMigrationFailed, entry.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: %s and %s share version %d", core.ErrMigrationFailed, prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", core.ErrMigrationFailed, entry.Name(), err)
		}
		sum := sha3.Sum256(body)
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies the embedded schema
func (db *DB) Migrate() error {
	return db.MigrateFS(schemaFS, "migrations")
}

// MigrateFS applies the pending migrations found in dir, each in its own
// transaction. An applied migration whose file has since changed is an error.
func (db *DB) MigrateFS(fsys fs.FS, dir string) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`
	if _, err := db.conn.Exec(ddl); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", core.ErrMigrationFailed, err)
	}

	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return err
	}
	applied, err := db.appliedChecksums()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if sum, ok := applied[m.Version]; ok {
			if sum != m.Checksum {
				return fmt.Errorf("%w: %s changed after it was applied", core.ErrMigrationFailed, m.Name)
			}
			continue
		}

		err := db.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
				m.Version, m.Name, m.Checksum, time.Now().UTC().Format(time.RFC3339Nano),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", core.ErrMigrationFailed, m.Name, err)
		}
		logging.WithFields(map[string]any{"version": m.Version, "name": m.Name}).Debug("schema migrated")
	}
	return nil
}

// AppliedMigrations lists applied migration names in version order
func (db *DB) AppliedMigrations() ([]string, error) {
	rows, err := db.conn.Query("SELECT name FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (db *DB) appliedChecksums() (map[int]string, error) {
	rows, err := db.conn.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[int]string)
	for rows.Next() {
		var (
			version int
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		sums[version] = sum
	}
	return sums, rows.Err()
}
