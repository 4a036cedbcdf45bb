package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Count int
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "leveldb"))
	require.NoError(t, err)
	bdb, err := OpenBadger("")
	require.NoError(t, err)
	stores := map[string]Store{
		"memory":  NewMemory(),
		"leveldb": ldb,
		"badger":  bdb,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put("k", []byte("v1")))
			require.NoError(t, s.Put("k", []byte("v2")))
			got, err := s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, s.Delete("k"))
			_, err = s.Get("k")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete("never-set"))
		})
	}
}

func TestGob(t *testing.T) {
	s := NewMemory()
	require.NoError(t, PutGob(s, "rec", record{Name: "a", Count: 3}))

	var out record
	require.NoError(t, GetGob(s, "rec", &out))
	assert.Equal(t, record{Name: "a", Count: 3}, out)

	require.NoError(t, s.Put("junk", []byte{0xff, 0x00, 0x13}))
	err := GetGob(s, "junk", &out)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	assert.ErrorIs(t, GetGob(s, "absent", &out), ErrNotFound)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir())
	assert.Error(t, err)

	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestLevelDBPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := OpenLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("preload_stats", []byte("x")))
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("preload_stats")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
