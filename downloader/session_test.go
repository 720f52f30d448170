package downloader

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionPath = "/state/sessions.json"

func readSessionFile(t *testing.T, fs afero.Fs) map[string]map[string]interface{} {
	t.Helper()
	data, err := afero.ReadFile(fs, sessionPath)
	require.NoError(t, err)
	var table map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &table))
	return table
}

func TestSessionStore_UpdateGetRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()
	store := OpenSessionStore(fs, sessionPath, WithSessionClock(clock.Now))

	store.Update("https://example.com/a", 0.25, 250, 1000)
	rec, ok := store.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a", rec.URL)
	assert.Equal(t, 0.25, rec.ProgressFraction)
	assert.Equal(t, int64(250), rec.BytesDownloaded)
	assert.Equal(t, int64(1000), rec.TotalBytes)
	assert.True(t, rec.LastUpdated.Equal(clock.Now()))

	table := readSessionFile(t, fs)
	assert.Contains(t, table, "https://example.com/a")
	assert.Equal(t, 0.25, table["https://example.com/a"]["progress_fraction"])

	store.Remove("https://example.com/a")
	_, ok = store.Get("https://example.com/a")
	assert.False(t, ok)
	writes := store.Writes()

	// second removal is a no-op
	store.Remove("https://example.com/a")
	assert.Equal(t, writes, store.Writes())
	assert.Empty(t, readSessionFile(t, fs))
}

func TestSessionStore_ThrottlesWrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := OpenSessionStore(fs, sessionPath)

	url := "https://example.com/big"
	total := int64(1_000_000)
	for downloaded := int64(0); downloaded <= total; downloaded += 1000 {
		store.Update(url, float64(downloaded)/float64(total), downloaded, total)
	}

	// one write for the new record plus one per percentage point
	assert.Equal(t, 101, store.Writes())

	rec, ok := store.Get(url)
	require.True(t, ok)
	assert.Equal(t, 1.0, rec.ProgressFraction)
}

func TestSessionStore_InMemoryAheadOfDiskUntilFlush(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := OpenSessionStore(fs, sessionPath)

	url := "https://example.com/a"
	store.Update(url, 0.401, 401, 1000)
	store.Update(url, 0.405, 405, 1000) // same percentage, not persisted

	onDisk := readSessionFile(t, fs)[url]
	assert.Equal(t, 0.401, onDisk["progress_fraction"])

	store.Flush()
	onDisk = readSessionFile(t, fs)[url]
	assert.Equal(t, 0.405, onDisk["progress_fraction"])

	writes := store.Writes()
	store.Flush()
	assert.Equal(t, writes, store.Writes(), "clean flush must not rewrite")
}

func TestSessionStore_ReloadsFromDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	clock := newFakeClock()

	first := OpenSessionStore(fs, sessionPath, WithSessionClock(clock.Now))
	first.Update("https://example.com/a", 0.4, 400, 1000)
	clock.Advance(time.Minute)
	first.Update("https://example.com/b", 0.1, 100, 1000)
	require.NoError(t, first.Close())

	second := OpenSessionStore(fs, sessionPath)
	rec, ok := second.Get("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, 0.4, rec.ProgressFraction)
	assert.Equal(t, int64(400), rec.BytesDownloaded)

	list := second.List()
	require.Len(t, list, 2)
	assert.Equal(t, "https://example.com/b", list[0].URL, "most recent first")
}

func TestSessionStore_CorruptFileIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, sessionPath, []byte("not json at all"), 0644))

	store := OpenSessionStore(fs, sessionPath)
	assert.Empty(t, store.List())

	// the store stays usable and overwrites the corrupt file
	store.Update("https://example.com/a", 0.5, 0, 0)
	assert.Contains(t, readSessionFile(t, fs), "https://example.com/a")
}

func TestSessionStore_ClampsFraction(t *testing.T) {
	store := OpenSessionStore(afero.NewMemMapFs(), sessionPath)

	store.Update("u", 1.7, 0, 0)
	rec, _ := store.Get("u")
	assert.Equal(t, 1.0, rec.ProgressFraction)

	store.Update("u", -0.3, 0, 0)
	rec, _ = store.Get("u")
	assert.Equal(t, 0.0, rec.ProgressFraction)
}

func TestSessionStore_WriteFailuresAreIgnored(t *testing.T) {
	store := OpenSessionStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), sessionPath)

	store.Update("https://example.com/a", 0.3, 30, 100)
	rec, ok := store.Get("https://example.com/a")
	require.True(t, ok, "in-memory view works without persistence")
	assert.Equal(t, 0.3, rec.ProgressFraction)

	store.Remove("https://example.com/a")
	_, ok = store.Get("https://example.com/a")
	assert.False(t, ok)
	assert.NoError(t, store.Close())
}
