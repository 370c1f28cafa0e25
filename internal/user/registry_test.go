package user

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vpnrelay/internal/core"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load() ([]core.User, error) {
	args := m.Called()
	users, _ := args.Get(0).([]core.User)
	return users, args.Error(1)
}

func (m *mockStore) Save(users []core.User) error {
	return m.Called(users).Error(0)
}

func newFileRegistry(t *testing.T) (*Registry, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "data", "users.json"))
	require.NoError(t, err)
	reg, err := NewRegistry(store)
	require.NoError(t, err)
	return reg, store
}

func TestCreateAssignsDenseIDs(t *testing.T) {
	reg, _ := newFileRegistry(t)

	for i, name := range []string{"alice", "bob", "carol"} {
		u, err := reg.Create(name, "pw", 1)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), u.ID)
	}
	assert.Len(t, reg.List(), 3)
}

func TestCreateDuplicateLeavesStateUnchanged(t *testing.T) {
	reg, store := newFileRegistry(t)
	_, err := reg.Create("alice", "pw", 1)
	require.NoError(t, err)
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	_, err = reg.Create("alice", "other", 2)
	assert.ErrorIs(t, err, core.ErrDuplicateUser)

	users := reg.List()
	require.Len(t, users, 1)
	assert.Equal(t, "pw", users[0].Password)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveCompactsIDs(t *testing.T) {
	reg, store := newFileRegistry(t)
	for _, name := range []string{"u0", "u1", "u2"} {
		_, err := reg.Create(name, "pw", 0)
		require.NoError(t, err)
	}

	require.NoError(t, reg.Remove(1))

	users := reg.List()
	require.Len(t, users, 2)
	assert.Equal(t, core.User{ID: 0, Name: "u0", Password: "pw"}, users[0])
	assert.Equal(t, core.User{ID: 1, Name: "u2", Password: "pw"}, users[1])

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, users, persisted)

	assert.ErrorIs(t, reg.Remove(2), core.ErrUserNotFound)
}

func TestAuthenticateIsExact(t *testing.T) {
	reg, _ := newFileRegistry(t)
	_, err := reg.Create("alice", "pw", 1)
	require.NoError(t, err)

	u, ok := reg.Authenticate("alice", "pw")
	assert.True(t, ok)
	assert.Equal(t, uint32(1), u.VLANID)

	_, ok = reg.Authenticate("alice", "PW")
	assert.False(t, ok)
	_, ok = reg.Authenticate("Alice", "pw")
	assert.False(t, ok)
}

func TestRegistryReloadsFromFile(t *testing.T) {
	reg, store := newFileRegistry(t)
	_, err := reg.Create("alice", "pw", 1)
	require.NoError(t, err)
	_, err = reg.Create("bob", "pw2", 2)
	require.NoError(t, err)

	again, err := NewRegistry(store)
	require.NoError(t, err)
	assert.Equal(t, reg.List(), again.List())
}

func TestFileStoreMissingOrCorruptIsEmpty(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)

	users, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, users)

	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))
	users, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, users)

	reg, err := NewRegistry(store)
	require.NoError(t, err)
	assert.Empty(t, reg.List())
}

func TestFileStoreFormat(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	require.NoError(t, store.Save([]core.User{{ID: 0, Name: "alice", Password: "pw", VLANID: 1}}))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":0,"user":"alice","password":"pw","id_vlan":1}]`, string(data))

	require.NoError(t, store.Save(nil))
	data, err = os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveFailureKeepsPreviousState(t *testing.T) {
	store := &mockStore{}
	store.On("Load").Return([]core.User{{ID: 7, Name: "alice", Password: "pw"}}, nil)
	store.On("Save", mock.Anything).Return(errors.New("disk full"))

	reg, err := NewRegistry(store)
	require.NoError(t, err)
	// ids are renumbered on load
	assert.Equal(t, uint32(0), reg.List()[0].ID)

	_, err = reg.Create("bob", "pw", 0)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, reg.Remove(0), "disk full")
	assert.Len(t, reg.List(), 1)
	store.AssertNumberOfCalls(t, "Save", 2)
}

func TestLoadFailure(t *testing.T) {
	store := &mockStore{}
	store.On("Load").Return(nil, errors.New("boom"))

	_, err := NewRegistry(store)
	assert.ErrorContains(t, err, "boom")
}

func TestMemoryStore(t *testing.T) {
	reg, err := NewRegistry(MemoryStore{})
	require.NoError(t, err)
	_, err = reg.Create("alice", "pw", 1)
	require.NoError(t, err)
	assert.Len(t, reg.List(), 1)
}
