package pces

import (
	"errors"
	"fmt"
	"math"

	"github.com/unijord/pces/pkg/fsutil"
)

// NoOrigin is returned by AuthoritativeOrigin for an empty stream.
const NoOrigin uint64 = math.MaxUint64

// ErrCorruptedStream marks an event stream whose segments cannot be put in a
// single unambiguous order. Such a stream must never be replayed.
var ErrCorruptedStream = errors.New("preconsensus event stream is corrupted")

// ValidationError describes a pair of adjacent segments that violate the
// ordering rules of the stream.
type ValidationError struct {
	Field    string
	Previous File
	Next     File
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s (previous %s, next %s)",
		ErrCorruptedStream, e.Field, e.Reason, e.Previous.FileName(), e.Next.FileName())
}

func (e *ValidationError) Unwrap() error {
	return ErrCorruptedStream
}

// SanityCheck verifies that next may directly follow previous in the stream.
// A change of origin is allowed; discontinuities are resolved separately.
func SanityCheck(permitGaps bool, previous, next File) error {
	fail := func(field, format string, args ...any) error {
		return &ValidationError{
			Field:    field,
			Previous: previous,
			Next:     next,
			Reason:   fmt.Sprintf(format, args...),
		}
	}

	switch {
	case permitGaps && next.sequenceNumber <= previous.sequenceNumber:
		return fail("sequence number", "decreased from %d to %d",
			previous.sequenceNumber, next.sequenceNumber)
	case !permitGaps && next.sequenceNumber != previous.sequenceNumber+1:
		return fail("sequence number", "expected %d, got %d",
			previous.sequenceNumber+1, next.sequenceNumber)
	case next.minimumGeneration < previous.minimumGeneration:
		return fail("minimum generation", "decreased from %d to %d",
			previous.minimumGeneration, next.minimumGeneration)
	case next.maximumGeneration < previous.maximumGeneration:
		return fail("maximum generation", "decreased from %d to %d",
			previous.maximumGeneration, next.maximumGeneration)
	case next.timestamp.Before(previous.timestamp):
		return fail("timestamp", "went back from %s to %s",
			previous.timestamp.Format(timestampLayout), next.timestamp.Format(timestampLayout))
	}
	return nil
}

// authoritativeIndex is the index of the file covering startingRound: the
// first file that replay cannot skip, or the last file if all can be skipped.
func authoritativeIndex(files *FileTracker, startingRound uint64) int {
	covering := 0
	if i, ok := files.FirstRelevantIndex(startingRound); ok {
		covering = i + 1
	}
	return min(covering, files.Count()-1)
}

// AuthoritativeOrigin returns the origin of the segment that covers
// startingRound, or NoOrigin if there are no segments.
func AuthoritativeOrigin(files *FileTracker, startingRound uint64) uint64 {
	if files.Count() == 0 {
		return NoOrigin
	}
	return files.Get(authoritativeIndex(files, startingRound)).origin
}

// CompactTailSpan narrows the span of a segment that was never closed, for
// example after a crash. The segment cannot hold events older than the
// maximum generation of the segment before it, so its minimum generation is
// raised to previousMaximumGeneration (0 when it is the only segment). The
// file is renamed to match.
func CompactTailSpan(last File, previousMaximumGeneration uint64, syncer fsutil.DirectorySyncer) (File, error) {
	compacted, err := last.CompactedSpan(previousMaximumGeneration, syncer)
	if err != nil {
		return compacted, fmt.Errorf("compact segment %d: %w", last.sequenceNumber, err)
	}
	return compacted, nil
}
