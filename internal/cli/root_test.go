package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/posqueue/internal/config"
	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/store"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "posqueue", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "status", "device-id", "hash-key", "archive"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

// writeConfig points the sqlite store at a temp dir and returns the file path.
func writeConfig(t *testing.T) (string, config.StoreConfig) {
	t.Helper()
	dir := t.TempDir()
	storeCfg := config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "pos.db"), Codec: "json"}
	yaml := "store:\n  driver: sqlite\n  path: " + storeCfg.Path + "\n  codec: json\n" +
		"archive:\n  path: " + filepath.Join(dir, "archives") + "\n"
	path := filepath.Join(dir, "posqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path, storeCfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInvalidFormat(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := run(t, "status", "-c", path, "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStatusCommand(t *testing.T) {
	path, storeCfg := writeConfig(t)
	ctx := context.Background()

	s, err := store.Open(ctx, storeCfg)
	require.NoError(t, err)
	last := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, func(b *store.Batch) error {
		if err := b.Put(store.CollectionSyncQueue, "a", core.QueueItem{ID: "a", Type: "orders"}); err != nil {
			return err
		}
		if err := b.Put(store.CollectionSyncQueue, "b", core.QueueItem{ID: "b", Type: "products"}); err != nil {
			return err
		}
		if err := b.Put(store.CollectionPrintJobs, core.DestinationKitchen, []core.PrintJob{{ID: "j1"}}); err != nil {
			return err
		}
		if err := b.Put(store.CollectionPrintFailures, "j2", core.PrintJob{ID: "j2"}); err != nil {
			return err
		}
		return b.Put(store.CollectionMeta, "lastSync", last)
	}))
	require.NoError(t, s.Close())

	out, err := run(t, "status", "-c", path, "--format", "json")
	require.NoError(t, err)

	var sum core.PersistedSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 2, sum.SyncPending)
	assert.Equal(t, map[string]int{"orders": 1, "products": 1}, sum.SyncByType)
	assert.Equal(t, 1, sum.PrintByDest[core.DestinationKitchen])
	assert.Equal(t, 1, sum.PrintFailures)
	require.NotNil(t, sum.LastSync)
	assert.True(t, last.Equal(*sum.LastSync))

	out, err = run(t, "status", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Sync queue: 2 pending")
	assert.Contains(t, out, "Failed prints: 1")
}

func TestDeviceIDCommand_IsStable(t *testing.T) {
	path, _ := writeConfig(t)

	first, err := run(t, "device-id", "-c", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "device_"))

	second, err := run(t, "device-id", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashKeyCommand(t *testing.T) {
	out, err := run(t, "hash-key", "till-secret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("till-secret")))

	_, err = run(t, "hash-key")
	assert.Error(t, err)
}

func TestArchiveCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "archive", "-c", path, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "No archives")

	out, err = run(t, "archive", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Archived 0 failed print jobs")
}
