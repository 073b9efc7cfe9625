package pces_test

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/pces/pkg/pces"
	"github.com/unijord/pces/pkg/recycle"
)

func TestFile_NameRoundTrip(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2024, time.March, 15, 10, 11, 12, 123456789, time.UTC)

	f, err := pces.NewFile(ts, 42, 100, 250, 7, root)
	require.NoError(t, err)

	expectedName := "2024-03-15T10+11+12.123456789Z" +
		"_seq00000000000000000042" +
		"_mingen00000000000000000100" +
		"_maxgen00000000000000000250" +
		"_orgn00000000000000000007.pces"
	assert.Equal(t, expectedName, f.FileName())
	assert.Equal(t, filepath.Join(root, "2024", "03", "15", expectedName), f.Path())

	parsed, err := pces.ParseFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), parsed.SequenceNumber())
	assert.Equal(t, uint64(100), parsed.MinimumGeneration())
	assert.Equal(t, uint64(250), parsed.MaximumGeneration())
	assert.Equal(t, uint64(7), parsed.Origin())
	assert.True(t, ts.Equal(parsed.Timestamp()))
	assert.Equal(t, f.Path(), parsed.Path())
	assert.Equal(t, f.FileName(), parsed.FileName())
}

func TestFile_NewFileConvertsToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2024, time.March, 16, 1, 0, 0, 0, zone)

	f, err := pces.NewFile(ts, 1, 0, 0, 0, "root")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.FileName(), "2024-03-15T23+00+00"))
	assert.Equal(t, filepath.Join("root", "2024", "03", "15", f.FileName()), f.Path())
}

func TestFile_NewFileRejectsInvertedSpan(t *testing.T) {
	_, err := pces.NewFile(baseTime, 1, 10, 9, 0, t.TempDir())
	require.ErrorIs(t, err, pces.ErrInvalidSpan)
}

func TestParseFile_NotASegment(t *testing.T) {
	valid, err := pces.NewFile(baseTime, 1, 0, 10, 0, "")
	require.NoError(t, err)
	name := valid.FileName()

	tests := map[string]string{
		"unrelated file":        "notes.txt",
		"wrong extension":       strings.TrimSuffix(name, ".pces") + ".wal",
		"only extension":        ".pces",
		"missing field":         "2024-03-15T10+00+00.000000000Z_seq1_mingen0_maxgen10.pces",
		"extra field":           strings.TrimSuffix(name, ".pces") + "_extra.pces",
		"bad timestamp":         strings.Replace(name, "2024-03-15T10+00+00", "2024-13-15T10+00+00", 1),
		"colon timestamp":       strings.Replace(name, "10+00+00", "10:00:00", 1),
		"wrong prefix":          strings.Replace(name, "_seq", "_sqn", 1),
		"empty number":          "2024-03-15T10+00+00.000000000Z_seq_mingen0_maxgen10_orgn0.pces",
		"negative number":       "2024-03-15T10+00+00.000000000Z_seq-1_mingen0_maxgen10_orgn0.pces",
		"non numeric":           "2024-03-15T10+00+00.000000000Z_seqabc_mingen0_maxgen10_orgn0.pces",
		"overflow":              "2024-03-15T10+00+00.000000000Z_seq99999999999999999999_mingen0_maxgen10_orgn0.pces",
		"maximum below minimum": "2024-03-15T10+00+00.000000000Z_seq1_mingen11_maxgen10_orgn0.pces",
	}

	for name, fileName := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := pces.ParseFile(filepath.Join("dir", fileName))
			assert.ErrorIs(t, err, pces.ErrNotSegmentFile)
		})
	}
}

func TestParseFile_AcceptsUnpaddedNumbers(t *testing.T) {
	f, err := pces.ParseFile("2024-03-15T10+00+00.000000000Z_seq3_mingen5_maxgen10_orgn2.pces")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.SequenceNumber())
	assert.Equal(t, uint64(5), f.MinimumGeneration())
	assert.Equal(t, uint64(10), f.MaximumGeneration())
	assert.Equal(t, uint64(2), f.Origin())
}

func TestFile_NamesSortInSequenceOrder(t *testing.T) {
	var names []string
	var expected []uint64
	// same timestamp for all, only the padded sequence number separates them
	for _, seq := range []uint64{10, 9, 100, 1, 11} {
		f, err := pces.NewFile(baseTime, seq, 0, 0, 0, "")
		require.NoError(t, err)
		names = append(names, f.FileName())
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := pces.ParseFile(name)
		require.NoError(t, err)
		expected = append(expected, f.SequenceNumber())
	}
	assert.Equal(t, []uint64{1, 9, 10, 11, 100}, expected)
}

func TestFile_Compare(t *testing.T) {
	a, err := pces.NewFile(baseTime, 1, 0, 0, 0, "")
	require.NoError(t, err)
	b, err := pces.NewFile(baseTime, 2, 0, 0, 0, "")
	require.NoError(t, err)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestFile_CanContain(t *testing.T) {
	f, err := pces.NewFile(baseTime, 1, 10, 20, 0, "")
	require.NoError(t, err)

	assert.False(t, f.CanContain(9))
	assert.True(t, f.CanContain(10))
	assert.True(t, f.CanContain(20))
	assert.False(t, f.CanContain(21))
}

func TestFile_CompactedSpanRenamesFile(t *testing.T) {
	root := t.TempDir()
	f := writeSegment(t, root, segmentDesc{seq: 3, minGen: 0, maxGen: 80, origin: 1})
	syncer := &countingSyncer{}

	compacted, err := f.CompactedSpan(50, syncer)
	require.NoError(t, err)

	assert.Equal(t, uint64(50), compacted.MinimumGeneration())
	assert.Equal(t, uint64(80), compacted.MaximumGeneration())
	assert.Equal(t, f.SequenceNumber(), compacted.SequenceNumber())
	assert.Equal(t, f.Origin(), compacted.Origin())
	assert.True(t, f.Timestamp().Equal(compacted.Timestamp()))
	assert.Equal(t, filepath.Dir(f.Path()), filepath.Dir(compacted.Path()))

	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err), "original name should be gone")
	data, err := os.ReadFile(compacted.Path())
	require.NoError(t, err)
	assert.Equal(t, "segment-3", string(data), "contents survive the rename")
	assert.Equal(t, []string{filepath.Dir(compacted.Path())}, syncer.dirs)

	parsed, err := pces.ParseFile(compacted.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(50), parsed.MinimumGeneration())

	// the descriptor the rename started from is unchanged
	assert.Equal(t, uint64(0), f.MinimumGeneration())
}

func TestFile_CompactedSpanNoop(t *testing.T) {
	root := t.TempDir()
	f := writeSegment(t, root, segmentDesc{seq: 1, minGen: 40, maxGen: 80})
	syncer := &countingSyncer{}

	for _, newMin := range []uint64{0, 39, 40} {
		compacted, err := f.CompactedSpan(newMin, syncer)
		require.NoError(t, err)
		assert.Equal(t, f, compacted)
	}
	assert.Empty(t, syncer.dirs)
	_, err := os.Stat(f.Path())
	assert.NoError(t, err)
}

func TestFile_CompactedSpanBeyondMaximum(t *testing.T) {
	root := t.TempDir()
	f := writeSegment(t, root, segmentDesc{seq: 1, minGen: 0, maxGen: 80})

	_, err := f.CompactedSpan(81, nil)
	require.ErrorIs(t, err, pces.ErrInvalidSpan)
	_, err = os.Stat(f.Path())
	assert.NoError(t, err)
}

func TestFile_CompactedSpanMissingFile(t *testing.T) {
	f, err := pces.NewFile(baseTime, 1, 0, 80, 0, t.TempDir())
	require.NoError(t, err)

	_, err = f.CompactedSpan(10, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFile_DeleteFileRecyclesAndPrunesDirectories(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(t.TempDir(), "recycle")
	bin, err := recycle.New(binDir)
	require.NoError(t, err)

	f := writeSegment(t, root, segmentDesc{seq: 1, minGen: 0, maxGen: 10})
	require.NoError(t, f.DeleteFile(root, bin))

	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "2024"))
	assert.True(t, os.IsNotExist(err), "empty date directories should be pruned")
	_, err = os.Stat(root)
	assert.NoError(t, err, "root must survive")

	entries, err := bin.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.FileName(), filepath.Base(entries[0].Path))
}

func TestFile_DeleteFileKeepsSharedDirectories(t *testing.T) {
	root := t.TempDir()
	recycler := &recordingRecycler{}

	files := writeSegments(t, root,
		segmentDesc{seq: 1, maxGen: 10},
		segmentDesc{seq: 2, maxGen: 20},
	)
	require.NoError(t, files[1].DeleteFile(root, recycler))

	_, err := os.Stat(files[0].Path())
	assert.NoError(t, err)
	assert.Equal(t, []string{files[1].FileName()}, recycler.names())
}

func TestFile_DeleteFileWithoutRecycler(t *testing.T) {
	root := t.TempDir()
	f := writeSegment(t, root, segmentDesc{seq: 1, maxGen: 10})

	require.Error(t, f.DeleteFile(root, nil))
	_, err := os.Stat(f.Path())
	assert.NoError(t, err)
}
