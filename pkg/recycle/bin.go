// Package recycle implements a recycle bin for files removed from the event
// stream. Recycled files are moved aside and only erased once their retention
// period has passed, leaving a window in which an operator can restore them.
package recycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/unijord/pces/pkg/config"
	"github.com/unijord/pces/pkg/fsutil"
)

const dirPerm = 0755

var ErrInvalidEntry = errors.New("not a recycle bin entry")

type Option func(*Bin)

// WithRetention sets how long recycled files are kept. Zero erases them on
// the next purge.
func WithRetention(retention time.Duration) Option {
	return func(b *Bin) {
		if retention >= 0 {
			b.retention = retention
		}
	}
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(b *Bin) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bin) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDirectorySyncer overrides how directories are synced after moves.
func WithDirectorySyncer(syncer fsutil.DirectorySyncer) Option {
	return func(b *Bin) {
		if syncer != nil {
			b.syncer = syncer
		}
	}
}

// WithRegisterer registers the bin's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bin) {
		b.registerer = reg
	}
}

// Bin stores recycled files under dir, each in its own entry directory named
// <unix nanos>-<uuid>, so that equal file names never collide and the age of
// an entry is known without reading it.
type Bin struct {
	dir        string
	retention  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	syncer     fsutil.DirectorySyncer
	registerer prometheus.Registerer

	mu sync.Mutex

	recycled prometheus.Counter
	erased   prometheus.Counter
}

// New creates the bin directory if needed.
func New(dir string, opts ...Option) (*Bin, error) {
	if dir == "" {
		return nil, errors.New("recycle bin directory cannot be empty")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create recycle bin directory: %w", err)
	}

	b := &Bin{
		dir:       dir,
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
		logger:    slog.Default(),
		syncer:    fsutil.DefaultSyncer,
		recycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recycle_bin_files_recycled_total",
			Help: "Total number of files moved into the recycle bin",
		}),
		erased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recycle_bin_entries_erased_total",
			Help: "Total number of recycle bin entries permanently erased",
		}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.registerer != nil {
		if err := b.registerer.Register(b.recycled); err != nil {
			return nil, fmt.Errorf("register recycle bin metrics: %w", err)
		}
		if err := b.registerer.Register(b.erased); err != nil {
			return nil, fmt.Errorf("register recycle bin metrics: %w", err)
		}
	}
	return b, nil
}

// NewFromConfig builds a bin from the recycle_bin section of the configuration.
func NewFromConfig(cfg config.RecycleBinConfig, opts ...Option) (*Bin, error) {
	return New(cfg.Directory, append([]Option{WithRetention(cfg.Retention)}, opts...)...)
}

func (b *Bin) Dir() string {
	return b.dir
}

// Recycle moves the file at path into the bin. A path that no longer exists
// has nothing left to recycle and is not an error, so a purge that was
// interrupted can be repeated.
func (b *Bin) Recycle(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot recycle directory %s", path)
	}

	entry := filepath.Join(b.dir, entryName(b.now(), uuid.New()))
	if err := os.Mkdir(entry, dirPerm); err != nil {
		return fmt.Errorf("create recycle bin entry: %w", err)
	}

	dst := filepath.Join(entry, filepath.Base(path))
	if err := fsutil.MoveFile(path, dst, b.syncer); err != nil {
		_ = os.Remove(entry)
		return fmt.Errorf("move %s into recycle bin: %w", path, err)
	}
	if err := b.syncer.SyncDir(b.dir); err != nil {
		return fmt.Errorf("fsync recycle bin directory: %w", err)
	}

	b.recycled.Inc()
	b.logger.Debug("[recycle]",
		slog.String("message", "Recycled file"),
		slog.String("path", path),
		slog.String("entry", entry),
	)
	return nil
}

// Entry is one recycled file.
type Entry struct {
	Path       string
	RecycledAt time.Time
}

// Entries lists the recycled files, oldest first.
func (b *Bin) Entries() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dirs, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read recycle bin: %w", err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		recycledAt, err := parseEntryName(d.Name())
		if err != nil {
			// not ours
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.dir, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read recycle bin entry %s: %w", d.Name(), err)
		}
		for _, f := range files {
			entries = append(entries, Entry{
				Path:       filepath.Join(b.dir, d.Name(), f.Name()),
				RecycledAt: recycledAt,
			})
		}
	}
	// entry names lead with a fixed width timestamp, ReadDir sorts by name.
	return entries, nil
}

// PurgeExpired erases entries recycled longer ago than the retention period
// and returns how many were erased.
func (b *Bin) PurgeExpired(now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dirs, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("read recycle bin: %w", err)
	}

	erased := 0
	var errs []error
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		recycledAt, err := parseEntryName(d.Name())
		if err != nil {
			continue
		}
		if now.Sub(recycledAt) < b.retention {
			// sorted oldest first
			break
		}
		if err := os.RemoveAll(filepath.Join(b.dir, d.Name())); err != nil {
			errs = append(errs, fmt.Errorf("erase recycle bin entry %s: %w", d.Name(), err))
			continue
		}
		erased++
		b.erased.Inc()
	}

	if erased > 0 {
		b.logger.Debug("[recycle]",
			slog.String("message", "Erased expired recycle bin entries"),
			slog.Int("count", erased),
		)
	}
	return erased, errors.Join(errs...)
}

// Clear erases every entry regardless of age.
func (b *Bin) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dirs, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("read recycle bin: %w", err)
	}
	var errs []error
	for _, d := range dirs {
		if _, err := parseEntryName(d.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.dir, d.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		b.erased.Inc()
	}
	return errors.Join(errs...)
}

// Start runs PurgeExpired every interval until ctx is cancelled.
func (b *Bin) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.PurgeExpired(b.now()); err != nil {
					b.logger.Error("[recycle]",
						slog.String("message", "Failed to erase expired recycle bin entries"),
						slog.Any("error", err),
					)
				}
			}
		}
	}()
}

// e.g. "01710496800000000000-0b5e...". Nanoseconds are padded to 20 digits
// so that names sort by time.
func entryName(at time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%020d-%s", at.UnixNano(), id.String())
}

func parseEntryName(name string) (time.Time, error) {
	stamp, id, ok := strings.Cut(name, "-")
	if !ok || len(stamp) != 20 {
		return time.Time{}, ErrInvalidEntry
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, ErrInvalidEntry
	}
	if _, err := uuid.Parse(id); err != nil {
		return time.Time{}, ErrInvalidEntry
	}
	return time.Unix(0, nanos), nil
}
