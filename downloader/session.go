package downloader

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"mediafetch/internal"
	"mediafetch/utils"
)

// SessionStore persists per-URL progress so interrupted downloads can resume.
// The whole table is rewritten atomically, and only when a record is new or
// its integral percentage changes.
type SessionStore struct {
	fs      afero.Fs
	fileOps *utils.FileOperations
	path    string
	now     func() time.Time
	logger  *internal.Logger

	mutex   sync.Mutex
	records map[string]*internal.SessionRecord
	dirty   bool
	writes  int
}

// SessionOption configures a SessionStore
type SessionOption func(*SessionStore)

// WithSessionClock injects the clock
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) { s.now = now }
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger *internal.Logger) SessionOption {
	return func(s *SessionStore) { s.logger = logger }
}

// OpenSessionStore loads the table at path. A missing or corrupt file yields
// an empty table.
func OpenSessionStore(fs afero.Fs, path string, opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		fs:      fs,
		fileOps: utils.NewFileOperationsFs(fs),
		path:    path,
		now:     time.Now,
		logger:  internal.NewNopLogger(),
		records: make(map[string]*internal.SessionRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "sessions")
	s.load()
	return s
}

func (s *SessionStore) load() {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read session file %s: %v", s.path, err)
		}
		return
	}

	var table map[string]*internal.SessionRecord
	if err := json.Unmarshal(data, &table); err != nil {
		s.logger.Warn("ignoring corrupt session file %s: %v", s.path, err)
		return
	}

	for url, rec := range table {
		if rec == nil || url == "" {
			continue
		}
		rec.URL = url
		rec.ProgressFraction = clampFraction(rec.ProgressFraction)
		s.records[url] = rec
	}
}

func clampFraction(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func percentPoint(f float64) int {
	return int(math.Floor(f * 100))
}

// Update upserts progress for url. The in-memory view always changes; the
// file is rewritten only for new records or a new integral percentage.
func (s *SessionStore) Update(url string, fraction float64, downloaded, total int64) {
	fraction = clampFraction(fraction)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.records[url]
	persist := !exists || percentPoint(rec.ProgressFraction) != percentPoint(fraction)
	if !exists {
		rec = &internal.SessionRecord{URL: url}
		s.records[url] = rec
	}

	rec.ProgressFraction = fraction
	rec.BytesDownloaded = downloaded
	if total > 0 {
		rec.TotalBytes = total
	}
	rec.LastUpdated = s.now()
	s.dirty = true

	if persist {
		s.persistLocked()
	}
}

// Remove deletes the record for url; removing an absent record is a no-op
func (s *SessionStore) Remove(url string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.records[url]; !ok {
		return
	}
	delete(s.records, url)
	s.dirty = true
	s.persistLocked()
}

// Get returns a copy of the record for url
func (s *SessionStore) Get(url string) (internal.SessionRecord, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.records[url]
	if !ok {
		return internal.SessionRecord{}, false
	}
	return *rec, true
}

// List returns every record, most recently updated first
func (s *SessionStore) List() []internal.SessionRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	list := make([]internal.SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, *rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].LastUpdated.Equal(list[j].LastUpdated) {
			return list[i].URL < list[j].URL
		}
		return list[i].LastUpdated.After(list[j].LastUpdated)
	})
	return list
}

// Flush writes the in-memory table if it changed since the last write
func (s *SessionStore) Flush() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.dirty {
		s.persistLocked()
	}
}

// Close flushes pending state
func (s *SessionStore) Close() error {
	s.Flush()
	return nil
}

// Writes reports how many times the table was persisted
func (s *SessionStore) Writes() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writes
}

func (s *SessionStore) persistLocked() {
	table := make(map[string]*internal.SessionRecord, len(s.records))
	for url, rec := range s.records {
		table[url] = rec
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode session table: %v", err)
		return
	}

	s.writes++
	if err := s.fileOps.WriteFileAtomic(s.path, data, 0644); err != nil {
		s.logger.Warn("failed to persist session table: %v", err)
		return
	}
	s.dirty = false
}
