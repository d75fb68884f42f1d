package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/posqueue/internal/codec"
	"github.com/orrn/posqueue/internal/config"
	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/store"
)

func failedJob(id string, at time.Time) core.PrintJob {
	return core.PrintJob{
		ID:          id,
		OrderID:     "ORD-" + id,
		Destination: core.DestinationKitchen,
		Status:      core.JobFailed,
		CreatedAt:   at.Add(-time.Minute),
		FailedAt:    &at,
	}
}

func TestRunArchive_MovesOldFailures(t *testing.T) {
	ctx := context.Background()
	live := store.New(store.NewMemoryBackend(), codec.JSON{})
	now := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)

	jobs := []core.PrintJob{
		failedJob("march", time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)),
		failedJob("april", time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC)),
		failedJob("recent", now.Add(-24*time.Hour)),
	}
	require.NoError(t, live.Update(ctx, func(b *store.Batch) error {
		for _, j := range jobs {
			if err := b.Put(store.CollectionPrintFailures, j.ID, j); err != nil {
				return err
			}
		}
		return nil
	}))

	a, err := NewArchiver(live, config.ArchiveConfig{Path: t.TempDir(), MaxAge: 30 * 24 * time.Hour}, nil, nil)
	require.NoError(t, err)
	a.now = func() time.Time { return now }

	moved, err := a.RunArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	keys, err := live.Keys(ctx, store.CollectionPrintFailures)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, keys)

	archives, err := a.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "archive_2024_04.db", archives[0].Filename)
	assert.Equal(t, "archive_2024_03.db", archives[1].Filename)
	assert.Equal(t, 1, archives[0].JobCount)

	archived, err := a.ArchivedJobs(ctx, "archive_2024_03.db")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "ORD-march", archived[0].OrderID)

	moved, err = a.RunArchive(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestArchivedJobs_RejectsPaths(t *testing.T) {
	a, err := NewArchiver(store.New(store.NewMemoryBackend(), codec.JSON{}), config.ArchiveConfig{Path: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	_, err = a.ArchivedJobs(context.Background(), "../archive_2024_01.db")
	assert.Error(t, err)
	_, err = a.ArchivedJobs(context.Background(), "archive_1999_01.db")
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, err := NewArchiver(store.New(store.NewMemoryBackend(), codec.JSON{}), config.ArchiveConfig{Path: t.TempDir(), Interval: time.Hour}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx))
}
