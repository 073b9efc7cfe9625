package pces

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrSequenceGap        = errors.New("gap in segment sequence numbers")
	ErrSequenceRegression = errors.New("segment sequence number does not advance")
	ErrEmptyTracker       = errors.New("no segments tracked")
	ErrIndexOutOfRange    = errors.New("segment index out of range")
)

// FileTracker is the ordered collection of segments of one event stream,
// ascending by sequence number. It owns the descriptors, not the files: files
// are removed from disk by the caller through a Recycler.
//
// A FileTracker is built by a single goroutine during startup and is not safe
// for concurrent mutation.
type FileTracker struct {
	files      []File
	permitGaps bool
}

// NewFileTracker returns an empty tracker. With permitGaps the tracker accepts
// any increasing sequence number instead of requiring steps of exactly one.
func NewFileTracker(permitGaps bool) *FileTracker {
	return &FileTracker{permitGaps: permitGaps}
}

// Add appends file at the tail.
func (t *FileTracker) Add(file File) error {
	if len(t.files) > 0 {
		last := t.files[len(t.files)-1]
		if file.sequenceNumber <= last.sequenceNumber {
			return fmt.Errorf("%w: %d follows %d", ErrSequenceRegression, file.sequenceNumber, last.sequenceNumber)
		}
		if !t.permitGaps && file.sequenceNumber != last.sequenceNumber+1 {
			return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, last.sequenceNumber+1, file.sequenceNumber)
		}
	}
	t.files = append(t.files, file)
	return nil
}

// Get returns the file at index i. It panics if i is out of range, like a
// slice access.
func (t *FileTracker) Get(i int) File {
	return t.files[i]
}

func (t *FileTracker) Count() int {
	return len(t.files)
}

// Last returns the file with the highest sequence number.
func (t *FileTracker) Last() (File, bool) {
	if len(t.files) == 0 {
		return File{}, false
	}
	return t.files[len(t.files)-1], true
}

// RemoveLast drops the tail descriptor and returns it. The file itself stays
// on disk until the caller deletes it.
func (t *FileTracker) RemoveLast() (File, error) {
	if len(t.files) == 0 {
		return File{}, ErrEmptyTracker
	}
	last := t.files[len(t.files)-1]
	t.files[len(t.files)-1] = File{}
	t.files = t.files[:len(t.files)-1]
	return last, nil
}

// Replace swaps the descriptor at index i. Only used for tail compaction.
func (t *FileTracker) Replace(i int, file File) error {
	if i < 0 || i >= len(t.files) {
		return fmt.Errorf("%w: %d (count %d)", ErrIndexOutOfRange, i, len(t.files))
	}
	t.files[i] = file
	return nil
}

// Files returns a copy of the tracked descriptors in sequence order.
func (t *FileTracker) Files() []File {
	out := make([]File, len(t.files))
	copy(out, t.files)
	return out
}

// FirstRelevantIndex returns the index of the last file whose maximum
// generation is below startingRound, the generation floor of the state being
// loaded. Every event in that file and the ones before it is already part of
// the state, so replay skips them. ok is false when no file can be skipped.
//
// Maximum generations are non-decreasing across a validated stream, which
// makes the binary search valid.
func (t *FileTracker) FirstRelevantIndex(startingRound uint64) (index int, ok bool) {
	firstNeeded := sort.Search(len(t.files), func(i int) bool {
		return t.files[i].maximumGeneration >= startingRound
	})
	if firstNeeded == 0 {
		return -1, false
	}
	return firstNeeded - 1, true
}

// RelevantFiles returns the files that replay has to read when starting from
// startingRound.
func (t *FileTracker) RelevantFiles(startingRound uint64) []File {
	start := 0
	if i, ok := t.FirstRelevantIndex(startingRound); ok {
		start = i + 1
	}
	out := make([]File, len(t.files)-start)
	copy(out, t.files[start:])
	return out
}

// Replay maps every file relevant to startingRound in sequence order and
// hands its raw contents to fn. The slice passed to fn is only valid for the
// duration of the call. Replay stops at the first error.
func (t *FileTracker) Replay(startingRound uint64, fn func(file File, data []byte) error) error {
	for _, file := range t.RelevantFiles(startingRound) {
		if err := replayFile(file, fn); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(file File, fn func(File, []byte) error) error {
	mapped, err := MapFile(file)
	if err != nil {
		return err
	}
	defer mapped.Close()

	if err := fn(file, mapped.Bytes()); err != nil {
		return fmt.Errorf("replay segment %d: %w", file.sequenceNumber, err)
	}
	return nil
}
