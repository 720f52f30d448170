package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"mediafetch/internal"
	"mediafetch/utils"
)

const (
	cacheEntryExt = ".json"

	// DefaultCacheBudget bounds the on-disk size of cached metadata
	DefaultCacheBudget = 50 * 1024 * 1024
)

// cacheEntry is the on-disk form of a cached record. The file's mtime is the
// last access time.
type cacheEntry struct {
	URL      string                   `json:"url"`
	StoredAt int64                    `json:"stored_at"`
	Record   *internal.MetadataRecord `json:"record"`
}

// MetadataCache maps URLs to resolved metadata, one file per URL, bounded by
// a byte budget with least-recently-accessed eviction. Every failure degrades
// to a miss.
type MetadataCache struct {
	fs      afero.Fs
	fileOps *utils.FileOperations
	dir     string
	budget  int64
	ttl     time.Duration
	now     func() time.Time
	logger  *internal.Logger
	mutex   sync.Mutex
}

// CacheOption configures a MetadataCache
type CacheOption func(*MetadataCache)

// WithCacheBudget sets the byte budget
func WithCacheBudget(bytes int64) CacheOption {
	return func(c *MetadataCache) {
		if bytes > 0 {
			c.budget = bytes
		}
	}
}

// WithCacheTTL sets the freshness window
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *MetadataCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock injects the clock
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *MetadataCache) { c.now = now }
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger *internal.Logger) CacheOption {
	return func(c *MetadataCache) { c.logger = logger }
}

// NewMetadataCache creates a cache rooted at dir on fs
func NewMetadataCache(fs afero.Fs, dir string, opts ...CacheOption) *MetadataCache {
	c := &MetadataCache{
		fs:      fs,
		fileOps: utils.NewFileOperationsFs(fs),
		dir:     dir,
		budget:  DefaultCacheBudget,
		ttl:     internal.DefaultCacheTTL,
		now:     time.Now,
		logger:  internal.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "cache")
	return c
}

// CacheKey is the content address of a URL
func CacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (c *MetadataCache) entryPath(url string) string {
	return filepath.Join(c.dir, CacheKey(url)+cacheEntryExt)
}

// Lookup returns the cached record for url if present and fresh
func (c *MetadataCache) Lookup(url string) (*internal.MetadataRecord, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	path := c.entryPath(url)
	entry, info, ok := c.readEntry(path)
	if !ok {
		return nil, false
	}
	if entry.URL != url {
		return nil, false
	}

	now := c.now()
	if c.expired(entry, info, now) {
		c.logger.Debug("stale entry for %s", url)
		return nil, false
	}

	if err := c.fs.Chtimes(path, now, now); err != nil {
		c.logger.Warn("failed to touch cache entry %s: %v", path, err)
	}
	return entry.Record, true
}

// readEntry decodes an entry file; corrupt files are removed
func (c *MetadataCache) readEntry(path string) (*cacheEntry, os.FileInfo, bool) {
	info, err := c.fs.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to stat cache entry %s: %v", path, err)
		}
		return nil, nil, false
	}

	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		c.logger.Warn("failed to read cache entry %s: %v", path, err)
		return nil, nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Record == nil {
		c.logger.Warn("discarding corrupt cache entry %s", path)
		if rmErr := c.fs.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			c.logger.Warn("failed to remove corrupt cache entry %s: %v", path, rmErr)
		}
		return nil, nil, false
	}
	return &entry, info, true
}

func (c *MetadataCache) expired(entry *cacheEntry, info os.FileInfo, now time.Time) bool {
	stored := info.ModTime()
	if entry.StoredAt > 0 {
		stored = time.Unix(0, entry.StoredAt)
	}
	return now.Sub(stored) > c.ttl
}

// Store writes the record for url and then enforces the byte budget
func (c *MetadataCache) Store(url string, record *internal.MetadataRecord) {
	if record == nil {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	data, err := json.Marshal(cacheEntry{URL: url, StoredAt: now.UnixNano(), Record: record})
	if err != nil {
		c.logger.Warn("failed to encode metadata for %s: %v", url, err)
		return
	}

	path := c.entryPath(url)
	if err := c.fileOps.WriteFileAtomic(path, data, 0644); err != nil {
		c.logger.Warn("failed to write cache entry for %s: %v", url, err)
		return
	}
	if err := c.fs.Chtimes(path, now, now); err != nil {
		c.logger.Warn("failed to stamp cache entry %s: %v", path, err)
	}

	c.evictLocked()
}

type cacheFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *MetadataCache) listEntries() []cacheFile {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to list cache directory %s: %v", c.dir, err)
		}
		return nil
	}

	files := make([]cacheFile, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, cacheEntryExt) {
			continue
		}
		files = append(files, cacheFile{
			path:    filepath.Join(c.dir, name),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files
}

// EvictIfOverBudget removes least recently accessed entries until the total
// size fits the budget. It returns the number of entries removed.
func (c *MetadataCache) EvictIfOverBudget() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evictLocked()
}

func (c *MetadataCache) evictLocked() int {
	files := c.listEntries()

	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= c.budget {
		return 0
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	removed := 0
	for _, f := range files {
		if total <= c.budget {
			break
		}
		if err := c.fs.Remove(f.path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to evict %s: %v", f.path, err)
			continue
		}
		total -= f.size
		removed++
	}

	if removed > 0 {
		c.logger.Debug("evicted %d entries, %d bytes remain", removed, total)
	}
	return removed
}

// Prune deletes entries older than the TTL and returns how many were removed
func (c *MetadataCache) Prune() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for _, f := range c.listEntries() {
		entry, info, ok := c.readEntry(f.path)
		if !ok {
			// corrupt entries are already gone
			if _, err := c.fs.Stat(f.path); os.IsNotExist(err) {
				removed++
			}
			continue
		}
		if !c.expired(entry, info, now) {
			continue
		}
		if err := c.fs.Remove(f.path); err != nil {
			c.logger.Warn("failed to prune %s: %v", f.path, err)
			continue
		}
		removed++
	}
	return removed
}

// Clear deletes every entry
func (c *MetadataCache) Clear() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for _, f := range c.listEntries() {
		if err := c.fs.Remove(f.path); err != nil {
			c.logger.Warn("failed to remove %s: %v", f.path, err)
			continue
		}
		removed++
	}
	return removed
}

// CacheStats summarises the cache directory
type CacheStats struct {
	Dir     string
	Entries int
	Bytes   int64
	Budget  int64
	Oldest  time.Time
	Newest  time.Time
}

// Stats reports entry count and footprint
func (c *MetadataCache) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := CacheStats{Dir: c.dir, Budget: c.budget}
	for _, f := range c.listEntries() {
		stats.Entries++
		stats.Bytes += f.size
		if stats.Oldest.IsZero() || f.modTime.Before(stats.Oldest) {
			stats.Oldest = f.modTime
		}
		if f.modTime.After(stats.Newest) {
			stats.Newest = f.modTime
		}
	}
	return stats
}
