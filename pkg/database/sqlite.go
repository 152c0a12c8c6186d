package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteFile = "buddychat.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	class  TEXT NOT NULL,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	id   TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

// SQLiteBackend keeps the snapshot tables in a SQLite database. The backup
// copy is produced with VACUUM INTO.
type SQLiteBackend struct {
	path string
	conn *sql.DB

	// recovered holds the snapshot read from the backup when the primary
	// database could not be opened.
	recovered *Snapshot
}

// OpenSQLite opens (or creates) the database in dir. An unreadable primary is
// moved aside after its backup has been read successfully.
func OpenSQLite(dir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, sqliteFile)
	b := &SQLiteBackend{path: path}

	conn, err := openSQLite(path)
	if err == nil {
		err = checkTables(conn)
		if err != nil {
			conn.Close()
		}
	}
	if err == nil {
		b.conn = conn
		return b, nil
	}

	log.WithError(err).Warn("sqlite snapshot unreadable, trying backup")
	snap, berr := readSQLiteSnapshot(path + backupSuffix)
	if berr != nil {
		return nil, fmt.Errorf("%w: %v (backup: %v)", ErrStoreCorrupt, err, berr)
	}
	snap.Recovered = true

	corrupt := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, corrupt); err != nil {
		return nil, fmt.Errorf("move corrupt database aside: %w", err)
	}
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")

	conn, err = openSQLite(path)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	b.recovered = snap
	return b, nil
}

func openSQLite(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// the store serializes all access, one connection is enough
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return conn, nil
}

func checkTables(conn *sql.DB) error {
	var result string
	if err := conn.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	_, err := readSnapshot(conn)
	return err
}

func readSQLiteSnapshot(path string) (*Snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return readSnapshot(conn)
}

func readSnapshot(conn *sql.DB) (*Snapshot, error) {
	snap := emptySnapshot()

	rows, err := conn.Query("SELECT id, record FROM users")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		u, err := decodeRecord(record)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		snap.Users[id] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	credRows, err := conn.Query("SELECT id, hash FROM credentials")
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer credRows.Close()
	for credRows.Next() {
		var id, hash string
		if err := credRows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		snap.Credentials[id] = hash
	}
	if err := credRows.Err(); err != nil {
		return nil, err
	}

	var next int64
	err = conn.QueryRow("SELECT value FROM counters WHERE name = 'next_id'").Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query counter: %w", err)
	default:
		snap.NextID = next
	}
	return snap, nil
}

// Load implements Backend.
func (b *SQLiteBackend) Load() (*Snapshot, error) {
	if b.recovered != nil {
		snap := b.recovered
		b.recovered = nil
		return snap, nil
	}
	return readSnapshot(b.conn)
}

// Save implements Backend.
func (b *SQLiteBackend) Save(s *Snapshot) error {
	tx, err := b.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM users"); err != nil {
		return err
	}
	userStmt, err := tx.Prepare("INSERT INTO users (id, class, record) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer userStmt.Close()
	for id, u := range s.Users {
		record, err := encodeRecord(u)
		if err != nil {
			return fmt.Errorf("encode user %s: %w", id, err)
		}
		if _, err := userStmt.Exec(id, recordClassUser, string(record)); err != nil {
			return fmt.Errorf("insert user %s: %w", id, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM credentials"); err != nil {
		return err
	}
	credStmt, err := tx.Prepare("INSERT INTO credentials (id, hash) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer credStmt.Close()
	for id, hash := range s.Credentials {
		if _, err := credStmt.Exec(id, hash); err != nil {
			return fmt.Errorf("insert credential %s: %w", id, err)
		}
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO counters (name, value) VALUES ('next_id', ?)", s.NextID); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveCounter implements Backend.
func (b *SQLiteBackend) SaveCounter(next int64) error {
	_, err := b.conn.Exec("INSERT OR REPLACE INTO counters (name, value) VALUES ('next_id', ?)", next)
	return err
}

// Backup implements Backend.
func (b *SQLiteBackend) Backup() error {
	backup := b.path + backupSuffix
	tmp := fmt.Sprintf("%s.tmp-%d", backup, time.Now().UnixNano())
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, err := b.conn.Exec("VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return os.Rename(tmp, backup)
}

// Close implements Backend.
func (b *SQLiteBackend) Close() error {
	return b.conn.Close()
}
