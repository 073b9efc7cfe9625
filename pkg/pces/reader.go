package pces

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/unijord/pces/pkg/config"
	"github.com/unijord/pces/pkg/fsutil"
)

// ReadOption customizes ReadFilesFromDisk.
type ReadOption func(*fileReader)

// WithLogger sets the logger used for startup repairs. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ReadOption {
	return func(r *fileReader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records scan and repair counts in m.
func WithMetrics(m *Metrics) ReadOption {
	return func(r *fileReader) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithDirectorySyncer overrides the directory syncer used after compaction renames.
func WithDirectorySyncer(syncer fsutil.DirectorySyncer) ReadOption {
	return func(r *fileReader) {
		if syncer != nil {
			r.syncer = syncer
		}
	}
}

type fileReader struct {
	cfg               config.PcesConfig
	recycler          Recycler
	databaseDirectory string
	logger            *slog.Logger
	metrics           *Metrics
	syncer            fsutil.DirectorySyncer
	// recycleDir is skipped by the walk when the recycler keeps its files
	// below the stream directory.
	recycleDir string
}

// dirRecycler is a Recycler that stores recycled files on disk.
type dirRecycler interface {
	Dir() string
}

// ReadFilesFromDisk scans databaseDirectory for event stream segments and
// returns them as a validated tracker, ready for replay from startingRound.
//
// Segments are checked pairwise in sequence order; any ordering violation is
// fatal. If cfg.CompactLastFileOnStartup is set, the span of the last segment
// is narrowed. Finally, segments that follow a change of origin after the
// segment covering startingRound are removed from the tracker and handed to
// recycler, last segment first, so an interrupted purge leaves a shorter but
// gap free stream.
func ReadFilesFromDisk(
	cfg config.PcesConfig,
	recycler Recycler,
	databaseDirectory string,
	startingRound uint64,
	permitGaps bool,
	opts ...ReadOption,
) (*FileTracker, error) {
	if recycler == nil {
		return nil, errors.New("recycler is required")
	}

	r := &fileReader{
		cfg:               cfg,
		recycler:          recycler,
		databaseDirectory: databaseDirectory,
		logger:            slog.Default(),
		syncer:            fsutil.DefaultSyncer,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if d, ok := recycler.(dirRecycler); ok {
		if abs, err := filepath.Abs(d.Dir()); err == nil {
			r.recycleDir = abs
		}
	}
	if r.isRecycleDir(databaseDirectory) {
		return nil, fmt.Errorf("event stream directory %s is the recycle bin", databaseDirectory)
	}

	start := time.Now()

	files, err := r.scan()
	if err != nil {
		return nil, err
	}

	tracker, err := validateAndTrack(files, permitGaps)
	if err != nil {
		return nil, err
	}

	if r.cfg.CompactLastFileOnStartup && tracker.Count() > 0 {
		if err := r.compactLastFile(tracker); err != nil {
			return nil, err
		}
	}

	if err := r.resolveDiscontinuities(tracker, startingRound); err != nil {
		return nil, err
	}

	r.metrics.FilesTracked.Set(float64(tracker.Count()))
	r.metrics.ReadDuration.Observe(time.Since(start).Seconds())
	return tracker, nil
}

// scan walks the directory tree and returns every segment in sequence order.
// Files that are not segments are skipped silently, as is the recycle bin.
func (r *fileReader) scan() ([]File, error) {
	var files []File
	err := filepath.WalkDir(r.databaseDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if r.isRecycleDir(path) {
				return fs.SkipDir
			}
			return nil
		}
		r.metrics.FilesScanned.Inc()

		file, err := ParseFile(path)
		if err != nil {
			if errors.Is(err, ErrNotSegmentFile) {
				r.metrics.FilesIgnored.Inc()
				return nil
			}
			return err
		}
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan event stream directory %s: %w", r.databaseDirectory, err)
	}

	// order by the parsed sequence number, not the name: unpadded names
	// parse fine but do not sort as text.
	slices.SortStableFunc(files, File.Compare)
	return files, nil
}

func (r *fileReader) isRecycleDir(path string) bool {
	if r.recycleDir == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	return err == nil && abs == r.recycleDir
}

// foldState is what validation carries from one segment to the next.
type foldState struct {
	previous File
	seen     bool
}

func (s foldState) step(permitGaps bool, next File) (foldState, error) {
	if s.seen {
		if err := SanityCheck(permitGaps, s.previous, next); err != nil {
			return s, err
		}
	}
	return foldState{previous: next, seen: true}, nil
}

// validateAndTrack folds over files in order, checking each against the one
// before it, and tracks all of them. Segments after an origin change are
// tracked too.
func validateAndTrack(files []File, permitGaps bool) (*FileTracker, error) {
	tracker := NewFileTracker(permitGaps)

	var (
		state foldState
		err   error
	)
	for _, file := range files {
		state, err = state.step(permitGaps, file)
		if err != nil {
			return nil, err
		}
		if err := tracker.Add(file); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptedStream, err)
		}
	}
	return tracker, nil
}

// compactLastFile narrows the last segment using the maximum generation of
// the segment before it as its new minimum.
func (r *fileReader) compactLastFile(tracker *FileTracker) error {
	lastIndex := tracker.Count() - 1
	last := tracker.Get(lastIndex)

	var previousMaximumGeneration uint64
	if lastIndex > 0 {
		previousMaximumGeneration = tracker.Get(lastIndex - 1).maximumGeneration
	}

	compacted, err := CompactTailSpan(last, previousMaximumGeneration, r.syncer)
	if err != nil {
		return err
	}
	if compacted == last {
		return nil
	}
	if err := tracker.Replace(lastIndex, compacted); err != nil {
		return err
	}

	r.metrics.FilesCompacted.Inc()
	r.logger.Info("[pces]",
		slog.String("message", "Compacted generational span of last event stream file"),
		slog.Any("original", last),
		slog.Any("compacted", compacted),
	)
	return nil
}

// resolveDiscontinuities drops every segment from the first origin change
// after the segment covering startingRound up to the tail.
func (r *fileReader) resolveDiscontinuities(tracker *FileTracker, startingRound uint64) error {
	origin := AuthoritativeOrigin(tracker, startingRound)

	firstIndexToDelete := 0
	if i, ok := tracker.FirstRelevantIndex(startingRound); ok {
		firstIndexToDelete = i + 1
	}
	for ; firstIndexToDelete < tracker.Count(); firstIndexToDelete++ {
		if tracker.Get(firstIndexToDelete).origin != origin {
			break
		}
	}

	if firstIndexToDelete == tracker.Count() {
		return nil
	}

	lastRetained := slog.String("last_retained", "none")
	if firstIndexToDelete > 0 {
		lastRetained = slog.Any("last_retained", tracker.Get(firstIndexToDelete-1))
	}
	lastDeleted, _ := tracker.Last()

	r.logger.Warn("[pces]",
		slog.String("message", "Discontinuity detected in the preconsensus event stream, purging files"),
		slog.Int("purged", tracker.Count()-firstIndexToDelete),
		slog.Uint64("origin", origin),
		lastRetained,
		slog.Any("first_deleted", tracker.Get(firstIndexToDelete)),
		slog.Any("last_deleted", lastDeleted),
	)

	// tail first: a crash part way through leaves a shorter stream, never a gap.
	for tracker.Count() > firstIndexToDelete {
		file, err := tracker.RemoveLast()
		if err != nil {
			return err
		}
		if err := file.DeleteFile(r.databaseDirectory, r.recycler); err != nil {
			return fmt.Errorf("purge segment %d: %w", file.sequenceNumber, err)
		}
		r.metrics.FilesPurged.Inc()
	}
	return nil
}
