package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var log = logrus.WithField("component", "store")

// ErrStoreClosed is returned by operations after Close.
var ErrStoreClosed = errors.New("store closed")

// DefaultSnapshotInterval is how often dirty tables are flushed and backed up.
const DefaultSnapshotInterval = 600 * time.Second

// Options configures a UserStore.
type Options struct {
	Backend          Backend
	SnapshotInterval time.Duration // default DefaultSnapshotInterval
	BcryptCost       int           // default bcrypt.DefaultCost
}

// UserStore is the in-memory user table with periodic snapshots to a Backend.
// Every method is safe for concurrent use.
type UserStore struct {
	mu sync.Mutex

	users       map[string]*User
	credentials map[string]string
	byNickname  map[string]map[string]bool // nickname -> set of user IDs
	nextID      int64
	dirty       bool
	closed      bool

	backend          Backend
	bcryptCost       int
	snapshotInterval time.Duration
	metrics          Metrics

	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Metrics receives store events. A nil Metrics is ignored.
type Metrics interface {
	RecordSnapshot(duration time.Duration, err error)
}

// Open loads the backend's snapshot, writes a fresh snapshot and backup, and
// starts the periodic snapshot loop. A corrupt snapshot with no readable
// backup returns ErrStoreCorrupt.
func Open(opts Options) (*UserStore, error) {
	if opts.Backend == nil {
		return nil, errors.New("store backend is required")
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	snap, err := opts.Backend.Load()
	if err != nil {
		opts.Backend.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap.Users == nil {
		snap.Users = make(map[string]*User)
	}
	if snap.Credentials == nil {
		snap.Credentials = make(map[string]string)
	}

	s := &UserStore{
		users:            snap.Users,
		credentials:      snap.Credentials,
		byNickname:       make(map[string]map[string]bool),
		nextID:           snap.NextID,
		dirty:            snap.Recovered,
		backend:          opts.Backend,
		bcryptCost:       opts.BcryptCost,
		snapshotInterval: opts.SnapshotInterval,
		shutdown:         make(chan struct{}),
	}
	for id, u := range s.users {
		s.indexNickname(u.Nickname, id)
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n >= s.nextID {
			// never hand out an ID that already exists
			s.nextID = n + 1
			s.dirty = true
		}
	}

	if err := s.snapshot(); err != nil {
		opts.Backend.Close()
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}

	s.wg.Add(1)
	go s.snapshotLoop()

	log.Infof("loaded %d users, next ID %d", len(s.users), s.nextID)
	return s, nil
}

// SetMetrics attaches snapshot metrics.
func (s *UserStore) SetMetrics(m Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

func (s *UserStore) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.snapshot(); err != nil {
				log.WithError(err).Error("snapshot failed")
			}
		case <-s.shutdown:
			return
		}
	}
}

// snapshot flushes dirty tables, then copies primaries over backups. The
// store lock is held throughout so no mutation lands between the two.
func (s *UserStore) snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *UserStore) snapshotLocked() error {
	start := time.Now()
	err := s.flushLocked()
	if err == nil {
		err = s.backend.Backup()
	}
	if s.metrics != nil {
		s.metrics.RecordSnapshot(time.Since(start), err)
	}
	if err == nil {
		log.Debugf("snapshot completed in %v", time.Since(start))
	}
	return err
}

func (s *UserStore) flushLocked() error {
	if !s.dirty {
		return nil
	}
	err := s.backend.Save(&Snapshot{Users: s.users, Credentials: s.credentials, NextID: s.nextID})
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	s.dirty = false
	return nil
}

// Flush writes dirty tables and refreshes the backups immediately.
func (s *UserStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.snapshotLocked()
}

// Close stops the snapshot loop, writes a final snapshot and releases the
// tables. Safe to call more than once.
func (s *UserStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.snapshotLocked(); err != nil {
			log.WithError(err).Error("final snapshot failed")
			s.closeErr = err
		} else {
			log.Info("final snapshot completed")
		}
		if err := s.backend.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}

		s.closed = true
		s.users = nil
		s.credentials = nil
		s.byNickname = nil
	})
	return s.closeErr
}

// MarkDirty schedules a flush on the next snapshot.
func (s *UserStore) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether unflushed changes exist.
func (s *UserStore) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// NextID hands out the next user ID. The counter is persisted before the ID
// is returned, so an ID is never reused after a crash.
func (s *UserStore) NextID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	id := s.nextID
	if err := s.backend.SaveCounter(id + 1); err != nil {
		return "", fmt.Errorf("persist id counter: %w", err)
	}
	s.nextID = id + 1
	return strconv.FormatInt(id, 10), nil
}

// CreateUser inserts u with password pwd. The caller is responsible for
// picking a fresh ID; an existing record with the same ID is overwritten.
func (s *UserStore) CreateUser(u *User, pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if old, ok := s.users[u.ID]; ok {
		s.unindexNickname(old.Nickname, u.ID)
	}
	s.users[u.ID] = u.Clone()
	s.credentials[u.ID] = string(hash)
	s.indexNickname(u.Nickname, u.ID)
	s.dirty = true
	return nil
}

// VerifyCredential reports whether pwd is the password of user id.
func (s *UserStore) VerifyCredential(id, pwd string) bool {
	s.mu.Lock()
	hash, ok := s.credentials[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pwd)) == nil
}

// ChangePassword replaces the password of id when oldPwd matches.
func (s *UserStore) ChangePassword(id, oldPwd, newPwd string) bool {
	s.mu.Lock()
	hash, ok := s.credentials[id]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(oldPwd)) != nil {
		return false
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPwd), s.bcryptCost)
	if err != nil {
		log.WithError(err).Warn("hash new password")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// lost a race with another change
	if s.credentials[id] != hash {
		return false
	}
	s.credentials[id] = string(newHash)
	s.dirty = true
	return true
}

// Lookup returns a copy of user id.
func (s *UserStore) Lookup(id string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// Exists reports whether user id exists.
func (s *UserStore) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	return ok
}

// Update applies fn to a copy of user id and stores the copy when fn
// succeeds. Successful updates mark the store dirty and keep the nickname
// index in step with nickname changes.
func (s *UserStore) Update(id string, fn func(u *User) error) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id

	if next.Nickname != current.Nickname {
		s.unindexNickname(current.Nickname, id)
		s.indexNickname(next.Nickname, id)
	}
	s.users[id] = next
	s.dirty = true
	return next.Clone(), nil
}

// SearchByID finds users by ID. Exact returns at most one user; fuzzy returns
// every user whose ID contains query.
func (s *UserStore) SearchByID(query string, fuzzy bool) []*User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fuzzy {
		if u, ok := s.users[query]; ok {
			return []*User{u.Clone()}
		}
		return nil
	}

	var ids []string
	for id := range s.users {
		if strings.Contains(id, query) {
			ids = append(ids, id)
		}
	}
	return s.collectLocked(ids)
}

// SearchByNickname finds users by nickname. Exact uses the index bucket for
// name; fuzzy unions every bucket whose nickname contains name.
func (s *UserStore) SearchByNickname(name string, fuzzy bool) []*User {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if !fuzzy {
		for id := range s.byNickname[name] {
			ids = append(ids, id)
		}
		return s.collectLocked(ids)
	}

	for nick, bucket := range s.byNickname {
		if !strings.Contains(nick, name) {
			continue
		}
		for id := range bucket {
			ids = append(ids, id)
		}
	}
	return s.collectLocked(ids)
}

// Count returns the number of users.
func (s *UserStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *UserStore) collectLocked(ids []string) []*User {
	sortIDs(ids)
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u.Clone())
		}
	}
	return out
}

func (s *UserStore) indexNickname(nickname, id string) {
	bucket := s.byNickname[nickname]
	if bucket == nil {
		bucket = make(map[string]bool)
		s.byNickname[nickname] = bucket
	}
	bucket[id] = true
}

func (s *UserStore) unindexNickname(nickname, id string) {
	bucket := s.byNickname[nickname]
	if bucket == nil {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(s.byNickname, nickname)
	}
}
