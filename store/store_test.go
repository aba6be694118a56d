package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/little-pan/logbuffers/codec"
	"github.com/little-pan/logbuffers/metadb"
	"github.com/little-pan/logbuffers/store"
	"github.com/little-pan/logbuffers/types"
)

func openStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadb.Open(dir)
	require.NoError(t, err)
	s, err := store.Open(dir, nil, meta, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func frame(t *testing.T, payload string) []byte {
	t.Helper()
	f, err := codec.Encode(0, 0, []byte(payload))
	require.NoError(t, err)
	return f
}

func TestAppendReadRoundTrip(t *testing.T) {
	s := openStore(t, store.Options{})

	for i, p := range []string{"x", "y", "z"} {
		idx, err := s.Append(frame(t, p))
		require.NoError(t, err)
		require.Equal(t, uint64(i), idx)
	}

	wi, err := s.WriteIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), wi)

	for i, want := range []string{"x", "y", "z"} {
		raw, found, err := s.Read(uint64(i))
		require.NoError(t, err)
		require.True(t, found)
		_, _, payload, err := codec.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, want, string(payload))
	}
}

func TestReadPastWriteIndexIsNotFound(t *testing.T) {
	s := openStore(t, store.Options{})
	_, err := s.Append(frame(t, "only"))
	require.NoError(t, err)

	_, found, err := s.Read(5)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRotationAcrossSegments(t *testing.T) {
	s := openStore(t, store.Options{LogsPerFile: 2})

	var indexes []uint64
	for i := 0; i < 5; i++ {
		idx, err := s.Append(frame(t, "p"))
		require.NoError(t, err)
		indexes = append(indexes, idx)
	}
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, indexes)

	for _, idx := range indexes {
		_, found, err := s.Read(idx)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestReopenRecoversWriteIndex(t *testing.T) {
	dir := t.TempDir()
	meta, err := metadb.Open(dir)
	require.NoError(t, err)
	s, err := store.Open(dir, nil, meta, store.Options{LogsPerFile: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Append(frame(t, "p"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	meta2, err := metadb.Open(dir)
	require.NoError(t, err)
	s2, err := store.Open(dir, nil, meta2, store.Options{LogsPerFile: 2})
	require.NoError(t, err)
	defer s2.Close()

	wi, err := s2.WriteIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), wi)

	for i := uint64(0); i < 5; i++ {
		_, found, err := s2.Read(i)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestPeekHeaderDoesNotRequireFullDecode(t *testing.T) {
	s := openStore(t, store.Options{})
	f, err := codec.Encode(42, 777, []byte("payload"))
	require.NoError(t, err)
	idx, err := s.Append(f)
	require.NoError(t, err)

	typ, ts, found, err := s.PeekHeader(idx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(42), typ)
	require.Equal(t, int64(777), ts)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := openStore(t, store.Options{})
	require.NoError(t, s.Close())

	_, err := s.Append(frame(t, "x"))
	require.ErrorIs(t, err, types.ErrClosed)

	_, _, err = s.Read(0)
	require.ErrorIs(t, err, types.ErrClosed)
}
