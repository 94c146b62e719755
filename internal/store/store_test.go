package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "routing_db.json")
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(tempDB(t))
	require.NoError(t, err)
	require.Empty(t, s.Routes())
	require.EqualValues(t, 0, s.Watermark("0.0.1234"))
	require.Nil(t, s.GetRSAKeys())
}

func TestUpdateRoutesMergesAndPersists(t *testing.T) {
	path := tempDB(t)
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.UpdateRoutes(map[string]string{
		"0xAAAA953df9df8d1c6073ce57f7493e50515fa73f": "https://u1",
	}))
	require.NoError(t, s.UpdateRoutes(map[string]string{"0xabc": "https://new.example.com"}))

	// Merge preserved the unrelated key and lowercased the new one.
	url, ok := s.GetTarget("0xaaaa953df9df8d1c6073ce57f7493e50515fa73f")
	require.True(t, ok)
	require.Equal(t, "https://u1", url)
	url, ok = s.GetTarget("0xABC")
	require.True(t, ok)
	require.Equal(t, "https://new.example.com", url)

	// Reload sees exactly the committed state.
	reloaded, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, s.Routes(), reloaded.Routes())
	require.NotEmpty(t, reloaded.Snapshot().Metadata.LastUpdated)
}

func TestFlatMapMigration(t *testing.T) {
	path := tempDB(t)
	legacy := map[string]string{
		"0xAbC1953df9df8d1c6073ce57f7493e50515fa73f": "https://legacy.example.com",
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	url, ok := s.GetTarget("0xabc1953df9df8d1c6073ce57f7493e50515fa73f")
	require.True(t, ok)
	require.Equal(t, "https://legacy.example.com", url)
	require.Equal(t, "1.0", s.Snapshot().Metadata.Version)
}

func TestVersionDefaultedOnLoad(t *testing.T) {
	path := tempDB(t)
	doc := `{"routes":{"0xabc":"https://u"},"metadata":{"sequences":{"0.0.7":5}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "1.0", s.Snapshot().Metadata.Version)
	require.EqualValues(t, 5, s.Watermark("0.0.7"))
}

func TestWatermarkMonotone(t *testing.T) {
	path := tempDB(t)
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.AdvanceWatermark("0.0.7", 5))
	require.EqualValues(t, 5, s.Watermark("0.0.7"))

	// Stale and duplicate sequences are ignored.
	require.NoError(t, s.AdvanceWatermark("0.0.7", 3))
	require.NoError(t, s.AdvanceWatermark("0.0.7", 5))
	require.EqualValues(t, 5, s.Watermark("0.0.7"))

	require.NoError(t, s.AdvanceWatermark("0.0.7", 6))
	require.EqualValues(t, 6, s.Watermark("0.0.7"))

	// Independent per topic, and durable.
	require.EqualValues(t, 0, s.Watermark("0.0.8"))
	reloaded, err := Open(path)
	require.NoError(t, err)
	require.EqualValues(t, 6, reloaded.Watermark("0.0.7"))
}

func TestRSAKeysPersist(t *testing.T) {
	path := tempDB(t)
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetRSAKeys("PUB-PEM", "PRIV-PEM"))

	reloaded, err := Open(path)
	require.NoError(t, err)
	keys := reloaded.GetRSAKeys()
	require.NotNil(t, keys)
	require.Equal(t, "PUB-PEM", keys.PublicKey)
	require.Equal(t, "PRIV-PEM", keys.PrivateKey)
	require.NotEmpty(t, keys.CreatedAt)
}

// A failed write must leave both the file and the in-memory state untouched.
func TestWriteFailureDoesNotMutate(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind for root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpdateRoutes(map[string]string{"0xabc": "https://u"}))

	// Make the directory unwritable so the temp-file create fails.
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	err = s.UpdateRoutes(map[string]string{"0xdef": "https://v"})
	require.True(t, errors.Is(err, ErrWriteFailed))
	_, ok := s.GetTarget("0xdef")
	require.False(t, ok)

	require.NoError(t, os.Chmod(dir, 0o755))
	reloaded, err := Open(path)
	require.NoError(t, err)
	_, ok = reloaded.GetTarget("0xdef")
	require.False(t, ok)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, err := Open(tempDB(t))
	require.NoError(t, err)
	require.NoError(t, s.UpdateRoutes(map[string]string{"0xabc": "https://u"}))

	snap := s.Snapshot()
	snap.Routes["0xabc"] = "https://mutated"
	url, _ := s.GetTarget("0xabc")
	require.Equal(t, "https://u", url)
}
