package database

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Snapshot file names inside the data directory. Each has a ".bak" sibling.
const (
	profileFile    = "info.dat"
	credentialFile = "pwd.dat"
	counterFile    = "dist.dat"
	backupSuffix   = ".bak"
)

// FileBackend stores each table as a JSON document next to a backup copy.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(name string) string { return filepath.Join(b.dir, name) }

// Load implements Backend.
func (b *FileBackend) Load() (*Snapshot, error) {
	snap := emptySnapshot()

	recovered, err := b.loadTable(profileFile, func(data []byte) error {
		users, err := decodeUserTable(data)
		if err != nil {
			return err
		}
		snap.Users = users
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap.Recovered = snap.Recovered || recovered

	recovered, err = b.loadTable(credentialFile, func(data []byte) error {
		creds := make(map[string]string)
		if err := json.Unmarshal(data, &creds); err != nil {
			return err
		}
		snap.Credentials = creds
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap.Recovered = snap.Recovered || recovered

	recovered, err = b.loadTable(counterFile, func(data []byte) error {
		var next int64
		if err := json.Unmarshal(data, &next); err != nil {
			return err
		}
		if next < FirstUserID {
			return fmt.Errorf("counter %d below %d", next, FirstUserID)
		}
		snap.NextID = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap.Recovered = snap.Recovered || recovered

	return snap, nil
}

// loadTable parses the primary file, then the backup if the primary is
// unreadable. A table with neither file present is left empty.
func (b *FileBackend) loadTable(name string, parse func([]byte) error) (recovered bool, err error) {
	primary := b.path(name)
	backup := primary + backupSuffix

	data, err := os.ReadFile(primary)
	switch {
	case err == nil:
		perr := parseNonEmpty(data, parse)
		if perr == nil {
			return false, nil
		}
		log.WithError(perr).Warnf("snapshot %s unreadable, trying backup", name)
	case errors.Is(err, fs.ErrNotExist):
		data, err := os.ReadFile(backup)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, name, err)
		}
		if perr := parseNonEmpty(data, parse); perr != nil {
			return false, fmt.Errorf("%w: %s backup: %v", ErrStoreCorrupt, name, perr)
		}
		log.Warnf("snapshot %s missing, loaded backup", name)
		return true, nil
	default:
		return false, fmt.Errorf("read %s: %w", name, err)
	}

	data, err = os.ReadFile(backup)
	if err != nil {
		return false, fmt.Errorf("%w: %s backup: %v", ErrStoreCorrupt, name, err)
	}
	if err := parseNonEmpty(data, parse); err != nil {
		return false, fmt.Errorf("%w: %s backup: %v", ErrStoreCorrupt, name, err)
	}
	log.Warnf("snapshot %s recovered from backup", name)
	return true, nil
}

func parseNonEmpty(data []byte, parse func([]byte) error) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty file")
	}
	return parse(data)
}

// Save implements Backend.
func (b *FileBackend) Save(s *Snapshot) error {
	users, err := encodeUserTable(s.Users)
	if err != nil {
		return err
	}
	creds, err := json.Marshal(s.Credentials)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(b.path(profileFile), users); err != nil {
		return err
	}
	if err := writeFileAtomic(b.path(credentialFile), creds); err != nil {
		return err
	}
	return b.SaveCounter(s.NextID)
}

// SaveCounter implements Backend.
func (b *FileBackend) SaveCounter(next int64) error {
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path(counterFile), data)
}

// Backup implements Backend.
func (b *FileBackend) Backup() error {
	for _, name := range []string{profileFile, credentialFile, counterFile} {
		if err := copyFileAtomic(b.path(name), b.path(name)+backupSuffix); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("backup %s: %w", name, err)
		}
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

// writeFileAtomic replaces path with data so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}
