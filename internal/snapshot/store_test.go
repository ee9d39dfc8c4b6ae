package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/nova-driver/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestLoadEmpty(t *testing.T) {
	store := openStore(t)
	_, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveOverwritesSingleRow(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	fix := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, domain.Coordinates{Lat: 1, Lng: 2, AccuracyMeters: 30, FixTimestamp: fix}))
	require.NoError(t, store.Save(ctx, domain.Coordinates{Lat: 59.9139, Lng: 10.7522, AccuracyMeters: 12, FixTimestamp: fix.Add(time.Minute)}))

	got, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 59.9139, got.Lat)
	assert.Equal(t, 10.7522, got.Lng)
	assert.Equal(t, 12.0, got.AccuracyMeters)
	assert.True(t, got.FixTimestamp.Equal(fix.Add(time.Minute)))

	var rows int
	require.NoError(t, store.sqlDB.QueryRow(`SELECT COUNT(*) FROM last_location`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), domain.Coordinates{Lat: 3, Lng: 4, FixTimestamp: time.Now()}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	got, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.0, got.Lat)
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	fresh := domain.Coordinates{Lat: 1, Lng: 2, FixTimestamp: now.Add(-time.Hour)}
	old := domain.Coordinates{Lat: 1, Lng: 2, FixTimestamp: now.Add(-48 * time.Hour)}

	tests := []struct {
		name       string
		coords     domain.Coordinates
		ok         bool
		wantBrowse bool
	}{
		{"no snapshot", domain.Coordinates{}, false, true},
		{"stale snapshot", old, true, true},
		{"fresh snapshot", fresh, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.coords, tt.ok, now, 24*time.Hour)
			assert.Equal(t, tt.wantBrowse, got.Browse)
			if tt.wantBrowse {
				assert.Nil(t, got.Seed)
			} else {
				require.NotNil(t, got.Seed)
				assert.Equal(t, tt.coords, *got.Seed)
			}
		})
	}
}
