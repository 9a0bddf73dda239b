package archivist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRecordStore(t *testing.T, dir string) *RecordStore {
	t.Helper()
	s, err := OpenRecordStore(dir, 16)
	require.NoError(t, err)
	return s
}

func TestRecordStorePutGet(t *testing.T) {
	s := openTestRecordStore(t, t.TempDir())
	defer s.Close()

	rec := testRecord(42, "Summer Days", "Bob", "full color", "english")
	rec.OriginURL = "https://catalog.example/archive/42"
	require.NoError(t, s.Put(rec.ID, rec))

	got, err := s.Get(42)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	ok, err := s.Contains(42)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Contains(43)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(43)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordStoreReplace(t *testing.T) {
	s := openTestRecordStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put(1, testRecord(1, "old", "a")))
	_, err := s.Get(1) // warm the cache
	require.NoError(t, err)

	require.NoError(t, s.Put(1, testRecord(1, "new", "b")))
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, "b", got.Creator)
}

func TestRecordStoreGetReturnsCopy(t *testing.T) {
	s := openTestRecordStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put(1, testRecord(1, "name", "c", "a", "b")))
	first, err := s.Get(1)
	require.NoError(t, err)
	first.Tags[0].Name = "changed"
	first.Name = "changed"

	second, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "name", second.Name)
	assert.Equal(t, "a", second.Tags[0].Name)
}

func TestRecordStoreDelete(t *testing.T) {
	s := openTestRecordStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put(1, testRecord(1, "x", "c")))
	require.NoError(t, s.Delete(1))
	require.NoError(t, s.Delete(1))

	_, err := s.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordStoreCorrupt(t *testing.T) {
	s := openTestRecordStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.putRaw(5, []byte{0xff}))

	_, err := s.Get(5)
	assert.ErrorIs(t, err, ErrCorrupt)

	ok, err := s.Contains(5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordStoreForEachOrder(t *testing.T) {
	s := openTestRecordStore(t, t.TempDir())
	defer s.Close()

	for _, id := range []uint32{70000, 2, 300} {
		require.NoError(t, s.Put(id, testRecord(id, "r", "c")))
	}
	require.NoError(t, s.putRaw(256, []byte{0xff}))

	var ids []uint32
	var corrupt []uint32
	err := s.ForEach(func(id uint32, rec *Record, err error) error {
		if err != nil {
			assert.ErrorIs(t, err, ErrCorrupt)
			assert.Nil(t, rec)
			corrupt = append(corrupt, id)
			return nil
		}
		assert.Equal(t, id, rec.ID)
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 300, 70000}, ids)
	assert.Equal(t, []uint32{256}, corrupt)
}

func TestRecordStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestRecordStore(t, dir)
	require.NoError(t, s.Put(9, testRecord(9, "persisted", "c", "t")))
	require.NoError(t, s.Close())

	s = openTestRecordStore(t, dir)
	defer s.Close()
	got, err := s.Get(9)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
	assert.Equal(t, []string{"t"}, got.TagNames())
}
