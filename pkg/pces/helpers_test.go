package pces_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unijord/pces/pkg/pces"
)

var baseTime = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

type segmentDesc struct {
	seq    uint64
	minGen uint64
	maxGen uint64
	origin uint64
}

// writeSegment creates the segment on disk with a small payload and returns
// its descriptor. Timestamps advance one minute per sequence number.
func writeSegment(t *testing.T, root string, seg segmentDesc) pces.File {
	t.Helper()

	f, err := pces.NewFile(baseTime.Add(time.Duration(seg.seq)*time.Minute),
		seg.seq, seg.minGen, seg.maxGen, seg.origin, root)
	require.NoError(t, err)

	fd, err := f.Create()
	require.NoError(t, err)
	_, err = fmt.Fprintf(fd, "segment-%d", seg.seq)
	require.NoError(t, err)
	require.NoError(t, fd.Close())
	return f
}

func writeSegments(t *testing.T, root string, segs ...segmentDesc) []pces.File {
	t.Helper()
	files := make([]pces.File, 0, len(segs))
	for _, seg := range segs {
		files = append(files, writeSegment(t, root, seg))
	}
	return files
}

func sequenceNumbers(files []pces.File) []uint64 {
	out := make([]uint64, 0, len(files))
	for _, f := range files {
		out = append(out, f.SequenceNumber())
	}
	return out
}

// recordingRecycler removes files and remembers the order it was asked to.
type recordingRecycler struct {
	paths  []string
	failAt int
}

func (r *recordingRecycler) Recycle(path string) error {
	if r.failAt > 0 && len(r.paths)+1 == r.failAt {
		return errors.New("recycle failed")
	}
	r.paths = append(r.paths, path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (r *recordingRecycler) names() []string {
	out := make([]string, 0, len(r.paths))
	for _, p := range r.paths {
		out = append(out, filepath.Base(p))
	}
	return out
}

type countingSyncer struct {
	dirs []string
}

func (s *countingSyncer) SyncDir(dir string) error {
	s.dirs = append(s.dirs, dir)
	return nil
}
