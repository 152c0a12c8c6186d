package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrStoreCorrupt means neither the primary snapshot nor its backup could be
// read. There is no safe state to serve from.
var ErrStoreCorrupt = errors.New("store corrupt: primary and backup snapshots unreadable")

// FirstUserID is the first ID handed out by a fresh store.
const FirstUserID = 10000

// Snapshot is the durable state of the store.
type Snapshot struct {
	Users       map[string]*User
	Credentials map[string]string // user ID -> bcrypt hash
	NextID      int64

	// Recovered is set by Load when any table came from a backup copy.
	Recovered bool
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Users:       make(map[string]*User),
		Credentials: make(map[string]string),
		NextID:      FirstUserID,
	}
}

// Backend persists snapshots. Implementations keep a primary copy and a
// backup copy of every table.
type Backend interface {
	// Load reads the primary tables, falling back to the backup copy of any
	// table whose primary is unreadable. Both unreadable is ErrStoreCorrupt.
	Load() (*Snapshot, error)
	// Save rewrites every primary table with the full snapshot.
	Save(s *Snapshot) error
	// SaveCounter durably records the next ID before it is handed out.
	SaveCounter(next int64) error
	// Backup copies every primary table over its backup.
	Backup() error
	Close() error
}

// NewBackend returns the backend registered under name, falling back to the
// file backend for unknown names.
func NewBackend(name, dir string) (Backend, error) {
	switch name {
	case "sqlite":
		return OpenSQLite(dir)
	case "", "file":
		return NewFileBackend(dir)
	default:
		log.Warnf("unknown store backend %q, using file backend", name)
		return NewFileBackend(dir)
	}
}

func encodeUserTable(users map[string]*User) ([]byte, error) {
	table := make(map[string]json.RawMessage, len(users))
	for id, u := range users {
		data, err := encodeRecord(u)
		if err != nil {
			return nil, fmt.Errorf("encode user %s: %w", id, err)
		}
		table[id] = data
	}
	return json.Marshal(table)
}

func decodeUserTable(data []byte) (map[string]*User, error) {
	var table map[string]json.RawMessage
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	users := make(map[string]*User, len(table))
	for id, raw := range table {
		u, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		if u.ID != id {
			return nil, fmt.Errorf("user %s stored under key %s", u.ID, id)
		}
		users[id] = u
	}
	return users, nil
}

// sortIDs orders numeric-string IDs numerically.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
}
