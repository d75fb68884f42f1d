// Package archive moves failed print jobs that nobody reprinted out of the
// live store into monthly SQLite files, keeping the device store small.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orrn/posqueue/internal/codec"
	"github.com/orrn/posqueue/internal/config"
	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/store"
)

const (
	filePrefix = "archive_"
	fileSuffix = ".db"
)

type Archiver struct {
	live     *store.Store
	path     string
	maxAge   time.Duration
	interval time.Duration
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	JobCount  int       `json:"jobCount"`
}

func NewArchiver(live *store.Store, cfg config.ArchiveConfig, bus *events.Bus, logger *slog.Logger) (*Archiver, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/archives"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		live:     live,
		path:     cfg.Path,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		bus:      bus,
		logger:   logger.With("component", "archive"),
		now:      time.Now,
	}, nil
}

// Run archives once, then on every interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.RunArchive(ctx); err != nil {
			a.logger.Error("archive run failed", "error", err)
			if a.bus != nil {
				a.bus.Notify(events.LevelWarning, "Archive failed", "Old failed print jobs were not archived", err.Error())
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunArchive moves failed jobs older than the configured age into the archive
// file for the month they failed in and returns how many were moved. Jobs are
// written to the archive before they are deleted from the live store.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.maxAge)

	byMonth, err := a.getJobsForArchival(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to get jobs for archival: %w", err)
	}
	if len(byMonth) == 0 {
		return 0, nil
	}

	moved := 0
	for month, jobs := range byMonth {
		file := filepath.Join(a.path, filePrefix+month+fileSuffix)
		if err := a.writeArchive(ctx, file, jobs); err != nil {
			return moved, fmt.Errorf("failed to write %s: %w", filepath.Base(file), err)
		}

		if err := a.deleteArchivedJobs(ctx, jobs); err != nil {
			return moved, fmt.Errorf("failed to delete archived jobs: %w", err)
		}
		moved += len(jobs)
		a.logger.Info("archived failed print jobs", "file", filepath.Base(file), "jobs", len(jobs))
	}

	return moved, nil
}

func (a *Archiver) getJobsForArchival(ctx context.Context, cutoff time.Time) (map[string][]core.PrintJob, error) {
	keys, err := a.live.Keys(ctx, store.CollectionPrintFailures)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]core.PrintJob)
	for _, key := range keys {
		var j core.PrintJob
		if err := a.live.Get(ctx, store.CollectionPrintFailures, key, &j); err != nil {
			return nil, err
		}
		failedAt := j.CreatedAt
		if j.FailedAt != nil {
			failedAt = *j.FailedAt
		}
		if !failedAt.Before(cutoff) {
			continue
		}
		month := failedAt.UTC().Format("2006_01")
		out[month] = append(out[month], j)
	}
	return out, nil
}

func openArchive(file string) (*store.Store, error) {
	backend, err := store.OpenSQLite(file)
	if err != nil {
		return nil, err
	}
	return store.New(backend, codec.JSON{}), nil
}

func (a *Archiver) writeArchive(ctx context.Context, file string, jobs []core.PrintJob) error {
	archive, err := openArchive(file)
	if err != nil {
		return err
	}
	defer archive.Close()

	return archive.Update(ctx, func(b *store.Batch) error {
		for _, j := range jobs {
			if err := b.Put(store.CollectionPrintFailures, j.ID, j); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Archiver) deleteArchivedJobs(ctx context.Context, jobs []core.PrintJob) error {
	return a.live.Update(ctx, func(b *store.Batch) error {
		for _, j := range jobs {
			b.Delete(store.CollectionPrintFailures, j.ID)
		}
		return nil
	})
}

func (a *Archiver) ListArchives(ctx context.Context) ([]ArchiveFile, error) {
	entries, err := os.ReadDir(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []ArchiveFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		count, err := a.getArchiveJobCount(ctx, filepath.Join(a.path, name))
		if err != nil {
			a.logger.Warn("unreadable archive", "file", name, "error", err)
		}

		archives = append(archives, ArchiveFile{
			Filename:  name,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			JobCount:  count,
		})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename > archives[j].Filename })
	return archives, nil
}

func (a *Archiver) getArchiveJobCount(ctx context.Context, file string) (int, error) {
	archive, err := openArchive(file)
	if err != nil {
		return 0, err
	}
	defer archive.Close()

	keys, err := archive.Keys(ctx, store.CollectionPrintFailures)
	return len(keys), err
}

// ArchivedJobs returns the jobs stored in one archive file.
func (a *Archiver) ArchivedJobs(ctx context.Context, filename string) ([]core.PrintJob, error) {
	if filepath.Base(filename) != filename || !strings.HasPrefix(filename, filePrefix) {
		return nil, fmt.Errorf("invalid archive name %q", filename)
	}
	file := filepath.Join(a.path, filename)
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("archive not found: %w", err)
	}

	archive, err := openArchive(file)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	keys, err := archive.Keys(ctx, store.CollectionPrintFailures)
	if err != nil {
		return nil, err
	}
	jobs := make([]core.PrintJob, 0, len(keys))
	for _, key := range keys {
		var j core.PrintJob
		if err := archive.Get(ctx, store.CollectionPrintFailures, key, &j); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
