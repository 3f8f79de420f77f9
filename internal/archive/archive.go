package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// schemaVersion is the highest schema this build understands.
const schemaVersion = 2

const schemaMetaKeyVersion = "schema_version"

var (
	// ErrSchemaTooNew means the archive file was written by a newer build.
	ErrSchemaTooNew = errors.New("archive schema is newer than this version supports")
	// ErrSchemaCorrupt means the database failed its integrity check on open.
	ErrSchemaCorrupt = errors.New("archive database is corrupt")
)

// Archive owns the single database file holding all persistent state.
// All mutating access goes through this handle; WAL mode serializes
// writers while keeping readers concurrent.
type Archive struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// Open opens or creates the archive at path, applies the connection
// pragmas required for durability, and runs any pending migrations.
func Open(path string, logger *logrus.Logger) (*Archive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	var integrity string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&integrity); err != nil || integrity != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: quick_check reported %q", ErrSchemaCorrupt, integrity)
	}

	a := &Archive{db: db, path: path, logger: logger}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if warn := CloudSyncWarning(path); warn != "" {
		logger.WithField("path", path).Warn(warn)
	}

	logger.WithField("path", path).Info("Archive opened")
	return a, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Path returns the archive file path.
func (a *Archive) Path() string {
	return a.path
}

// DB exposes the underlying handle for the query helpers in this package.
func (a *Archive) DB() *sql.DB {
	return a.db
}

// migrate applies the strictly ordered migration list, each inside its
// own transaction, guarded by the schema_version row.
func (a *Archive) migrate() error {
	if _, err := a.db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_meta: %w", err)
	}

	current, err := a.SchemaVersion()
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("%w: file=%d supported=%d", ErrSchemaTooNew, current, schemaVersion)
	}

	migrations := []struct {
		version int
		ddl     string
	}{
		{1, schemaV1},
		{2, schemaV2},
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		tx, err := a.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			schemaMetaKeyVersion, strconv.Itoa(m.version),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		a.logger.WithField("version", m.version).Info("Applied schema migration")
		current = m.version
	}

	return nil
}

// SchemaVersion returns the version recorded in the file, 0 if none.
func (a *Archive) SchemaVersion() (int, error) {
	var value string
	err := a.db.QueryRow(
		"SELECT value FROM schema_meta WHERE key = ?", schemaMetaKeyVersion,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

// SetHeartbeat records the scheduler's liveness timestamp. It is written
// every tick and read at startup to detect coverage gaps.
func (a *Archive) SetHeartbeat(ts string) error {
	_, err := a.db.Exec(
		`INSERT INTO schema_meta (key, value) VALUES ('last_heartbeat', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, ts)
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the most recent heartbeat timestamp, or "" when
// none has been recorded yet.
func (a *Archive) LastHeartbeat() (string, error) {
	var value string
	err := a.db.QueryRow("SELECT value FROM schema_meta WHERE key = 'last_heartbeat'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read heartbeat: %w", err)
	}
	return value, nil
}

// CloudSyncWarning returns a non-empty warning when the archive path sits
// under a known cloud-sync folder. Cloud sync of a live SQLite file risks
// corruption of the WAL sidecar; the path is surfaced, not blocked.
func CloudSyncWarning(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	lower := strings.ToLower(filepath.ToSlash(abs))
	prefixes := []string{
		"library/mobile documents", // iCloud Drive
		"/icloud",
		"/dropbox",
		"/onedrive",
		"/google drive",
	}
	for _, p := range prefixes {
		if strings.Contains(lower, p) {
			return "Archive path is inside a cloud-synced folder; the database may be corrupted by the sync client"
		}
	}
	return ""
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
