package database

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type backendFactory struct {
	name string
	open func(t *testing.T, dir string) Backend
}

func allBackends() []backendFactory {
	return []backendFactory{
		{"file", func(t *testing.T, dir string) Backend {
			b, err := NewFileBackend(dir)
			require.NoError(t, err)
			return b
		}},
		{"sqlite", func(t *testing.T, dir string) Backend {
			b, err := OpenSQLite(dir)
			require.NoError(t, err)
			return b
		}},
	}
}

func openTestStore(t *testing.T, backend Backend) *UserStore {
	t.Helper()
	s, err := Open(Options{Backend: backend, SnapshotInterval: time.Hour, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	return s
}

func register(t *testing.T, s *UserStore, nickname, pwd string) *User {
	t.Helper()
	id, err := s.NextID()
	require.NoError(t, err)
	u := NewUser(id, nickname)
	require.NoError(t, s.CreateUser(u, pwd))
	return u
}

func TestStoreCreateAndVerify(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			s := openTestStore(t, bf.open(t, t.TempDir()))
			defer s.Close()

			u := register(t, s, "alice", "abc12345")
			assert.Equal(t, "10000", u.ID)

			assert.True(t, s.VerifyCredential(u.ID, "abc12345"))
			assert.False(t, s.VerifyCredential(u.ID, "wrong"))
			assert.False(t, s.VerifyCredential("99999", "abc12345"))

			got, ok := s.Lookup(u.ID)
			require.True(t, ok)
			assert.Equal(t, "alice", got.Nickname)
			assert.True(t, s.Dirty())
		})
	}
}

func TestStoreChangePassword(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	defer s.Close()
	u := register(t, s, "alice", "old-pass")

	assert.False(t, s.ChangePassword(u.ID, "not-it", "new-pass"))
	assert.True(t, s.ChangePassword(u.ID, "old-pass", "new-pass"))
	assert.True(t, s.VerifyCredential(u.ID, "new-pass"))
	assert.False(t, s.VerifyCredential(u.ID, "old-pass"))
	assert.False(t, s.ChangePassword("424242", "x", "y"))
}

func TestStoreLookupReturnsCopy(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	defer s.Close()
	u := register(t, s, "alice", "abc12345")

	got, _ := s.Lookup(u.ID)
	got.Nickname = "mallory"
	again, _ := s.Lookup(u.ID)
	assert.Equal(t, "alice", again.Nickname)
}

func TestStoreUpdate(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	defer s.Close()
	u := register(t, s, "alice", "abc12345")

	_, err := s.Update(u.ID, func(u *User) error { return u.AddGroup("work") })
	require.NoError(t, err)

	// failed update leaves the record untouched
	_, err = s.Update(u.ID, func(u *User) error {
		u.Nickname = "changed"
		return u.AddGroup("work")
	})
	assert.ErrorIs(t, err, ErrGroupExists)
	got, _ := s.Lookup(u.ID)
	assert.Equal(t, "alice", got.Nickname)
	assert.Equal(t, []string{"friends", "work"}, got.Groups.Names())

	_, err = s.Update("55555", func(u *User) error { return nil })
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestStoreNicknameIndexFollowsRename(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	defer s.Close()
	u := register(t, s, "alice", "abc12345")

	_, err := s.Update(u.ID, func(u *User) error {
		u.Nickname = "Alice2"
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, s.SearchByNickname("alice", false))
	found := s.SearchByNickname("Alice2", false)
	require.Len(t, found, 1)
	assert.Equal(t, u.ID, found[0].ID)
}

func TestStoreSearch(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	defer s.Close()

	a := register(t, s, "alice", "pw123456")  // 10000
	b := register(t, s, "bob", "pw123456")    // 10001
	c := register(t, s, "alice", "pw123456")  // 10002
	d := register(t, s, "malice", "pw123456") // 10003

	ids := func(users []*User) []string {
		out := make([]string, len(users))
		for i, u := range users {
			out[i] = u.ID
		}
		return out
	}

	assert.Equal(t, []string{b.ID}, ids(s.SearchByID(b.ID, false)))
	assert.Empty(t, s.SearchByID("1000", false))
	assert.Equal(t, []string{a.ID, b.ID, c.ID, d.ID}, ids(s.SearchByID("1000", true)))
	assert.Equal(t, []string{c.ID}, ids(s.SearchByID("02", true)))

	assert.Equal(t, []string{a.ID, c.ID}, ids(s.SearchByNickname("alice", false)))
	assert.Equal(t, []string{a.ID, c.ID, d.ID}, ids(s.SearchByNickname("lic", true)))
	assert.Empty(t, s.SearchByNickname("zed", true))
}

func TestStoreNextIDPersistsAcrossRestart(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			dir := t.TempDir()

			s := openTestStore(t, bf.open(t, dir))
			first, err := s.NextID()
			require.NoError(t, err)
			second, err := s.NextID()
			require.NoError(t, err)
			assert.Equal(t, "10000", first)
			assert.Equal(t, "10001", second)
			// simulate a crash: nothing but the counter write happened
			require.NoError(t, s.backend.Close())

			s2 := openTestStore(t, bf.open(t, dir))
			defer s2.Close()
			third, err := s2.NextID()
			require.NoError(t, err)
			assert.Equal(t, "10002", third)
		})
	}
}

func TestStoreNextIDConcurrent(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	defer s.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.NextID()
			assert.NoError(t, err)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			dir := t.TempDir()
			s := openTestStore(t, bf.open(t, dir))
			alice := register(t, s, "alice", "abc12345")
			bob := register(t, s, "bob", "hunter22")
			_, err := s.Update(alice.ID, func(u *User) error { return u.AddFriend(bob.ID, "") })
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s2 := openTestStore(t, bf.open(t, dir))
			defer s2.Close()
			got, ok := s2.Lookup(alice.ID)
			require.True(t, ok)
			assert.True(t, got.HasFriend(bob.ID))
			assert.True(t, s2.VerifyCredential(bob.ID, "hunter22"))
			assert.Len(t, s2.SearchByNickname("bob", false), 1)
			assert.False(t, s2.Dirty())
		})
	}
}

func TestStoreRecoversFromBackup(t *testing.T) {
	for _, bf := range allBackends() {
		t.Run(bf.name, func(t *testing.T) {
			dir := t.TempDir()
			s := openTestStore(t, bf.open(t, dir))
			alice := register(t, s, "alice", "abc12345")
			require.NoError(t, s.Close())

			primary := filepath.Join(dir, profileFile)
			if bf.name == "sqlite" {
				primary = filepath.Join(dir, sqliteFile)
			}
			require.NoError(t, os.WriteFile(primary, []byte("this is not a snapshot"), 0o644))

			s2 := openTestStore(t, bf.open(t, dir))
			defer s2.Close()
			got, ok := s2.Lookup(alice.ID)
			require.True(t, ok)
			assert.Equal(t, "alice", got.Nickname)
		})
	}
}

func TestFileStoreCorruptBackupIsFatal(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, allBackends()[0].open(t, dir))
	register(t, s, "alice", "abc12345")
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, profileFile), []byte("{broken"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, profileFile+backupSuffix), []byte("{broken too"), 0o644))

	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	_, err = Open(Options{Backend: b, BcryptCost: bcrypt.MinCost})
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestFileStoreEmptyPrimaryFallsBack(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, allBackends()[0].open(t, dir))
	register(t, s, "alice", "abc12345")
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, credentialFile), nil, 0o644))

	s2 := openTestStore(t, allBackends()[0].open(t, dir))
	defer s2.Close()
	assert.True(t, s2.VerifyCredential("10000", "abc12345"))

	// the recovered table was rewritten to the primary
	data, err := os.ReadFile(filepath.Join(dir, credentialFile))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestSQLiteStoreCorruptBackupIsFatal(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, allBackends()[1].open(t, dir))
	register(t, s, "alice", "abc12345")
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, sqliteFile), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sqliteFile+backupSuffix), []byte("garbage"), 0o644))

	_, err := OpenSQLite(dir)
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestStoreSnapshotLoopFlushes(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	s, err := Open(Options{Backend: b, SnapshotInterval: 20 * time.Millisecond, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	defer s.Close()

	register(t, s, "alice", "abc12345")
	require.Eventually(t, func() bool { return !s.Dirty() }, 2*time.Second, 10*time.Millisecond)

	backup, err := os.ReadFile(filepath.Join(dir, profileFile+backupSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(backup), "alice")
}

func TestStoreClosedOperations(t *testing.T) {
	s := openTestStore(t, allBackends()[0].open(t, t.TempDir()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.NextID()
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.CreateUser(NewUser("10000", "a"), "pw"), ErrStoreClosed)
	assert.ErrorIs(t, s.Flush(), ErrStoreClosed)
	_, ok := s.Lookup("10000")
	assert.False(t, ok)
}

func TestStoreNextIDSkipsExistingUsers(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, allBackends()[0].open(t, dir))
	require.NoError(t, s.CreateUser(NewUser(strconv.Itoa(10050), "imported"), "pw123456"))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, allBackends()[0].open(t, dir))
	defer s2.Close()
	id, err := s2.NextID()
	require.NoError(t, err)
	assert.Equal(t, "10051", id)
}
