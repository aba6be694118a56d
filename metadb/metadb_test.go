package metadb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/little-pan/logbuffers/metadb"
	"github.com/little-pan/logbuffers/types"
)

func TestLoadEmptyCatalog(t *testing.T) {
	db, err := metadb.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	st, err := db.Load()
	require.NoError(t, err)
	require.Zero(t, st.NextSegmentID)
	require.Empty(t, st.Segments)
}

func TestCommitThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	db, err := metadb.Open(dir)
	require.NoError(t, err)

	want := types.PersistentState{
		NextSegmentID: 3,
		Segments: []types.SegmentInfo{
			{ID: 1, BaseIndex: 0, MinIndex: 0, MaxIndex: 999, IndexStart: 4096, Sealed: true},
			{ID: 2, BaseIndex: 1000, MinIndex: 1000},
		},
	}
	require.NoError(t, db.Commit(want))
	require.NoError(t, db.Close())

	// Reopen to verify durability across a fresh handle.
	db2, err := metadb.Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Load()
	require.NoError(t, err)
	require.Equal(t, want.NextSegmentID, got.NextSegmentID)
	require.ElementsMatch(t, want.Segments, got.Segments)
}

func TestCommitReplacesPriorCatalog(t *testing.T) {
	db, err := metadb.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Commit(types.PersistentState{
		NextSegmentID: 1,
		Segments:      []types.SegmentInfo{{ID: 1}},
	}))
	require.NoError(t, db.Commit(types.PersistentState{
		NextSegmentID: 2,
		Segments:      []types.SegmentInfo{{ID: 2}},
	}))

	st, err := db.Load()
	require.NoError(t, err)
	require.Len(t, st.Segments, 1)
	require.Equal(t, uint64(2), st.Segments[0].ID)
}
