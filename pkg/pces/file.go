package pces

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/unijord/pces/pkg/fsutil"
)

// FileExtension is the suffix of every preconsensus event stream segment.
const FileExtension = ".pces"

const (
	// UTC with fixed nanosecond precision so that names sort by time.
	// ':' is not portable in file names, '+' takes its place.
	timestampLayout = "2006-01-02T15+04+05.000000000Z"

	sequencePrefix          = "seq"
	minimumGenerationPrefix = "mingen"
	maximumGenerationPrefix = "maxgen"
	originPrefix            = "orgn"

	fieldSeparator = "_"
	numberWidth    = 20
	dirPerm        = 0755
)

var (
	ErrNotSegmentFile = errors.New("not a preconsensus event stream file")
	ErrInvalidSpan    = errors.New("invalid generation span")
)

// Recycler removes a segment file from the stream directory in a recoverable
// way. Deletion is mediated by this service rather than erasing the file.
type Recycler interface {
	Recycle(path string) error
}

// File describes a single segment of the preconsensus event stream. All of
// its fields are encoded in the file name, so a File can be rebuilt from the
// path alone. Files are values and never mutate; CompactedSpan returns a new
// descriptor.
type File struct {
	timestamp         time.Time
	sequenceNumber    uint64
	minimumGeneration uint64
	maximumGeneration uint64
	origin            uint64
	path              string
}

// NewFile returns the descriptor of a segment created at timestamp. The file is
// placed in a date directory below rootDir, e.g. rootDir/2024/03/15/<name>.
func NewFile(
	timestamp time.Time,
	sequenceNumber uint64,
	minimumGeneration uint64,
	maximumGeneration uint64,
	origin uint64,
	rootDir string,
) (File, error) {
	if maximumGeneration < minimumGeneration {
		return File{}, fmt.Errorf("%w: maximum generation %d is below minimum generation %d",
			ErrInvalidSpan, maximumGeneration, minimumGeneration)
	}

	ts := timestamp.UTC()
	f := File{
		timestamp:         ts,
		sequenceNumber:    sequenceNumber,
		minimumGeneration: minimumGeneration,
		maximumGeneration: maximumGeneration,
		origin:            origin,
	}
	f.path = filepath.Join(rootDir,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		f.FileName())
	return f, nil
}

// ParseFile builds a descriptor from the name of the file at path. Names that
// are not segment names yield ErrNotSegmentFile.
func ParseFile(path string) (File, error) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, FileExtension) {
		return File{}, ErrNotSegmentFile
	}

	// e.g. "2024-03-15T10+00+00.000000000Z_seq..01_mingen..00_maxgen..50_orgn..00.pces"
	parts := strings.Split(strings.TrimSuffix(name, FileExtension), fieldSeparator)
	if len(parts) != 5 {
		return File{}, ErrNotSegmentFile
	}

	timestamp, err := time.Parse(timestampLayout, parts[0])
	if err != nil {
		return File{}, ErrNotSegmentFile
	}

	var numbers [4]uint64
	for i, prefix := range []string{sequencePrefix, minimumGenerationPrefix, maximumGenerationPrefix, originPrefix} {
		value, ok := strings.CutPrefix(parts[i+1], prefix)
		if !ok || value == "" {
			return File{}, ErrNotSegmentFile
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return File{}, ErrNotSegmentFile
		}
		numbers[i] = n
	}

	if numbers[2] < numbers[1] {
		return File{}, ErrNotSegmentFile
	}

	return File{
		timestamp:         timestamp,
		sequenceNumber:    numbers[0],
		minimumGeneration: numbers[1],
		maximumGeneration: numbers[2],
		origin:            numbers[3],
		path:              path,
	}, nil
}

// FileName returns the name encoding this descriptor.
func (f File) FileName() string {
	var sb strings.Builder
	sb.WriteString(f.timestamp.UTC().Format(timestampLayout))
	for _, field := range []struct {
		prefix string
		value  uint64
	}{
		{sequencePrefix, f.sequenceNumber},
		{minimumGenerationPrefix, f.minimumGeneration},
		{maximumGenerationPrefix, f.maximumGeneration},
		{originPrefix, f.origin},
	} {
		sb.WriteString(fieldSeparator)
		sb.WriteString(field.prefix)
		sb.WriteString(fmt.Sprintf("%0*d", numberWidth, field.value))
	}
	sb.WriteString(FileExtension)
	return sb.String()
}

func (f File) Timestamp() time.Time      { return f.timestamp }
func (f File) SequenceNumber() uint64    { return f.sequenceNumber }
func (f File) MinimumGeneration() uint64 { return f.minimumGeneration }
func (f File) MaximumGeneration() uint64 { return f.maximumGeneration }
func (f File) Origin() uint64            { return f.origin }
func (f File) Path() string              { return f.path }
func (f File) IsZero() bool              { return f == (File{}) }

// Compare orders files by sequence number.
func (f File) Compare(other File) int {
	switch {
	case f.sequenceNumber < other.sequenceNumber:
		return -1
	case f.sequenceNumber > other.sequenceNumber:
		return 1
	default:
		return 0
	}
}

// CanContain reports whether an event of the given generation may be stored
// in this file.
func (f File) CanContain(generation uint64) bool {
	return generation >= f.minimumGeneration && generation <= f.maximumGeneration
}

func (f File) String() string {
	return fmt.Sprintf("%s (seq=%d, gen=[%d,%d], origin=%d)",
		f.path, f.sequenceNumber, f.minimumGeneration, f.maximumGeneration, f.origin)
}

// LogValue implements slog.LogValuer.
func (f File) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("seq", f.sequenceNumber),
		slog.Uint64("min_gen", f.minimumGeneration),
		slog.Uint64("max_gen", f.maximumGeneration),
		slog.Uint64("origin", f.origin),
		slog.String("path", f.path),
	)
}

// withMinimumGeneration returns a copy of f with a new minimum generation,
// living next to f on disk. It does not touch the filesystem.
func (f File) withMinimumGeneration(minimumGeneration uint64) File {
	compacted := f
	compacted.minimumGeneration = minimumGeneration
	compacted.path = filepath.Join(filepath.Dir(f.path), compacted.FileName())
	return compacted
}

// CompactedSpan raises the minimum generation of the file to
// newMinimumGeneration and renames the file on disk to match. If the span
// would not narrow, f is returned unchanged.
func (f File) CompactedSpan(newMinimumGeneration uint64, syncer fsutil.DirectorySyncer) (File, error) {
	if newMinimumGeneration > f.maximumGeneration {
		return f, fmt.Errorf("%w: minimum generation %d exceeds maximum generation %d of %s",
			ErrInvalidSpan, newMinimumGeneration, f.maximumGeneration, f.path)
	}
	if newMinimumGeneration <= f.minimumGeneration {
		return f, nil
	}

	compacted := f.withMinimumGeneration(newMinimumGeneration)
	if err := os.Rename(f.path, compacted.path); err != nil {
		return f, fmt.Errorf("rename %s to %s: %w", f.path, compacted.path, err)
	}

	if syncer == nil {
		syncer = fsutil.DefaultSyncer
	}
	if err := syncer.SyncDir(filepath.Dir(compacted.path)); err != nil {
		return compacted, fmt.Errorf("fsync stream directory: %w", err)
	}
	return compacted, nil
}

// DeleteFile hands the file to the recycler and prunes the date directories
// it leaves empty, stopping at rootDir.
func (f File) DeleteFile(rootDir string, recycler Recycler) error {
	if recycler == nil {
		return errors.New("no recycler configured")
	}
	if err := recycler.Recycle(f.path); err != nil {
		return fmt.Errorf("recycle %s: %w", f.path, err)
	}
	if err := fsutil.RemoveEmptyParents(f.path, rootDir); err != nil {
		return fmt.Errorf("prune directories of %s: %w", f.path, err)
	}
	return nil
}

// Create creates an empty file at the descriptor's path, including its
// date directories. Writers fill it afterwards.
func (f File) Create() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), dirPerm); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", f.path, err)
	}
	return os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
}
