package segment_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/little-pan/logbuffers/codec"
	"github.com/little-pan/logbuffers/segment"
	"github.com/little-pan/logbuffers/types"
)

func openTempWriter(t *testing.T) (*segment.Writer, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "0000000001.seg")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	w, err := segment.OpenWriter(f)
	require.NoError(t, err)
	return w, path
}

func TestWriterAppendAndTailRead(t *testing.T) {
	w, _ := openTempWriter(t)
	defer w.Close()

	info := types.SegmentInfo{ID: 1, BaseIndex: 10}
	r := segment.NewTailReader(info, w)

	for i, payload := range [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")} {
		frame, err := codec.Encode(0, int64(100+i), payload)
		require.NoError(t, err)
		_, err = w.Append(frame)
		require.NoError(t, err)
	}

	require.Equal(t, 3, w.Len())

	rec, err := r.GetRecord(10)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec.Payload)
	require.Equal(t, int64(100), rec.Timestamp)

	rec, err = r.GetRecord(12)
	require.NoError(t, err)
	require.Equal(t, []byte("ccc"), rec.Payload)

	typ, ts, err := r.PeekHeader(11)
	require.NoError(t, err)
	require.Equal(t, uint64(0), typ)
	require.Equal(t, int64(101), ts)
}

func TestWriterRecoversFromPartialTailFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	w, err := segment.OpenWriter(f)
	require.NoError(t, err)

	frame, err := codec.Encode(0, 1, []byte("full-record"))
	require.NoError(t, err)
	_, err = w.Append(frame)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: append a truncated second frame.
	f2, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f2.Stat()
	require.NoError(t, err)
	partial, err := codec.Encode(0, 2, []byte("second-record"))
	require.NoError(t, err)
	_, err = f2.WriteAt(partial[:codec.HeaderLen+3], info.Size())
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	f3, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	w2, err := segment.OpenWriter(f3)
	require.NoError(t, err)
	defer w2.Close()

	require.Equal(t, 1, w2.Len(), "partially written tail frame must be discarded on recovery")
}

func TestSealedReaderUsesIndexBlock(t *testing.T) {
	w, path := openTempWriter(t)

	info := types.SegmentInfo{ID: 1, BaseIndex: 0}
	for i, payload := range [][]byte{[]byte("x"), []byte("y"), []byte("z")} {
		frame, err := codec.Encode(0, int64(i), payload)
		require.NoError(t, err)
		_, err = w.Append(frame)
		require.NoError(t, err)
	}
	indexStart, err := w.WriteIndexBlock()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info.IndexStart = indexStart
	info.MaxIndex = 2

	f, err := os.Open(path)
	require.NoError(t, err)
	r := segment.NewSealedReader(info, f)
	defer r.Close()

	rec, err := r.GetRecord(1)
	require.NoError(t, err)
	require.Equal(t, []byte("y"), rec.Payload)

	_, err = r.GetRecord(5)
	require.ErrorIs(t, err, types.ErrNotFound)
}
