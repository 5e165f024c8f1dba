package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinequeue/manager/pkg/storage"
)

func TestCategoryStatsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir, "")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveCategoryStats(storage.CategorySnapshot{Name: "analysis", TasksDone: 12}))
	snaps, err := s.LoadCategoryStats()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "analysis", snaps[0].Name)
	require.Equal(t, 12, snaps[0].TasksDone)
}

func TestBlocklistSnapshotReplacesWholesale(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir, "")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveBlocklist([]storage.BlocklistSnapshot{{Hostname: "a"}, {Hostname: "b"}}))
	require.NoError(t, s.SaveBlocklist([]storage.BlocklistSnapshot{{Hostname: "c"}}))

	snaps, err := s.LoadBlocklist()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "c", snaps[0].Hostname)
}

func TestTxLogOffsetDefaultsToZero(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir, "")
	require.NoError(t, err)
	defer s.Close()

	offset, err := s.LoadTxLogOffset()
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	require.NoError(t, s.SaveTxLogOffset(4096))
	offset, err = s.LoadTxLogOffset()
	require.NoError(t, err)
	require.Equal(t, int64(4096), offset)
}
