package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediafetch/internal"
	"mediafetch/utils"
)

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// servePayload serves data with Range support at any path
func servePayload(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Unix(0, 0), bytes.NewReader(data))
	}
}

type progressLog struct {
	mutex  sync.Mutex
	values []int64
	totals []int64
}

func (p *progressLog) record(downloaded, total int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.values = append(p.values, downloaded)
	p.totals = append(p.totals, total)
}

// countingLimiter records how many bytes passed through
type countingLimiter struct {
	mutex sync.Mutex
	bytes int
}

func (l *countingLimiter) Wait(ctx context.Context, n int) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.bytes += n
	return nil
}

func (l *countingLimiter) SetRate(int64) {}

func newTestHTTPExecutor(fs afero.Fs, limiter internal.RateLimiter) *HTTPExecutor {
	return NewHTTPExecutor(utils.NewHTTPClient(), fs, limiter, nil)
}

func TestHTTPExecutor_FreshDownload(t *testing.T) {
	data := testPayload(100_000)
	server := httptest.NewServer(servePayload(data))
	defer server.Close()

	fs := afero.NewMemMapFs()
	limiter := &countingLimiter{}
	exec := newTestHTTPExecutor(fs, limiter)
	log := &progressLog{}

	req := &internal.TransferRequest{URL: server.URL + "/media/clip.mp4", Destination: "/out", ChunkSize: 8 * 1024}
	res, err := exec.Transfer(context.Background(), req, log.record)
	require.NoError(t, err)

	assert.Equal(t, "/out/clip.mp4", res.Path)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.False(t, res.Resumed)

	got, err := afero.ReadFile(fs, "/out/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := afero.Exists(fs, "/out/clip.mp4.part")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NotEmpty(t, log.values)
	assert.Equal(t, int64(len(data)), log.values[len(log.values)-1])
	assert.Equal(t, int64(len(data)), log.totals[0])
	assert.Equal(t, len(data), limiter.bytes)
}

func TestHTTPExecutor_ResumesPartFile(t *testing.T) {
	data := testPayload(100_000)
	server := httptest.NewServer(servePayload(data))
	defer server.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/clip.mp4.part", data[:40_000], 0644))
	exec := newTestHTTPExecutor(fs, nil)
	log := &progressLog{}

	req := &internal.TransferRequest{URL: server.URL + "/clip.mp4", Destination: "/out", StartOffset: 30_000}
	res, err := exec.Transfer(context.Background(), req, log.record)
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Greater(t, log.values[0], int64(40_000), "progress continues from the part file size")
	assert.Equal(t, int64(len(data)), log.totals[0])

	got, err := afero.ReadFile(fs, "/out/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHTTPExecutor_ServerIgnoringRangeRestarts(t *testing.T) {
	data := testPayload(20_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/clip.mp4.part", []byte(strings.Repeat("x", 500)), 0644))
	exec := newTestHTTPExecutor(fs, nil)

	req := &internal.TransferRequest{URL: server.URL + "/clip.mp4", Destination: "/out", StartOffset: 500}
	res, err := exec.Transfer(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, res.Resumed)

	got, err := afero.ReadFile(fs, "/out/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHTTPExecutor_ZeroOffsetDiscardsStalePart(t *testing.T) {
	data := testPayload(5_000)
	server := httptest.NewServer(servePayload(data))
	defer server.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/clip.mp4.part", testPayload(9_000), 0644))
	exec := newTestHTTPExecutor(fs, nil)

	_, err := exec.Transfer(context.Background(), &internal.TransferRequest{URL: server.URL + "/clip.mp4", Destination: "/out"}, nil)
	require.NoError(t, err)

	got, err := afero.ReadFile(fs, "/out/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHTTPExecutor_CompletePartFile(t *testing.T) {
	data := testPayload(4_000)
	server := httptest.NewServer(servePayload(data))
	defer server.Close()

	tests := []struct {
		name     string
		metadata *internal.MetadataRecord
	}{
		{"size from metadata", &internal.MetadataRecord{Size: int64(len(data))}},
		{"size from content range", &internal.MetadataRecord{}},
		{"no metadata", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/out/clip.mp4.part", data, 0644))
			exec := newTestHTTPExecutor(fs, nil)

			req := &internal.TransferRequest{
				URL:         server.URL + "/clip.mp4",
				Destination: "/out",
				StartOffset: int64(len(data)),
				Metadata:    tt.metadata,
			}
			res, err := exec.Transfer(context.Background(), req, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), res.Bytes)
			assert.True(t, res.Resumed)

			got, err := afero.ReadFile(fs, "/out/clip.mp4")
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestHTTPExecutor_OversizedPartRestarts(t *testing.T) {
	data := testPayload(4_000)
	server := httptest.NewServer(servePayload(data))
	defer server.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/clip.mp4.part", testPayload(6_000), 0644))
	exec := newTestHTTPExecutor(fs, nil)

	req := &internal.TransferRequest{URL: server.URL + "/clip.mp4", Destination: "/out", StartOffset: 6_000}
	res, err := exec.Transfer(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, int64(len(data)), res.Bytes)

	got, err := afero.ReadFile(fs, "/out/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHTTPExecutor_UsesMetadataFilename(t *testing.T) {
	server := httptest.NewServer(servePayload(testPayload(100)))
	defer server.Close()

	fs := afero.NewMemMapFs()
	exec := newTestHTTPExecutor(fs, nil)
	req := &internal.TransferRequest{
		URL:         server.URL + "/download.mp4",
		Destination: "/out",
		Metadata:    &internal.MetadataRecord{Title: "report: final.mp4", Kind: internal.KindFile},
	}

	res, err := exec.Transfer(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "/out/report_ final.mp4", res.Path)
}

func TestHTTPExecutor_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  internal.ErrorClass
	}{
		{"not_found", http.StatusNotFound, internal.ClassPermanent},
		{"forbidden", http.StatusForbidden, internal.ClassPermanent},
		{"unavailable", http.StatusServiceUnavailable, internal.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			exec := newTestHTTPExecutor(afero.NewMemMapFs(), nil)
			_, err := exec.Transfer(context.Background(), &internal.TransferRequest{URL: server.URL + "/a.mp4", Destination: "/out"}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.class, internal.ClassifyError(err))
		})
	}
}

func TestHTTPExecutor_TruncatedBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000")
		w.WriteHeader(http.StatusOK)
		w.Write(testPayload(2_000))
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	exec := newTestHTTPExecutor(fs, nil)
	_, err := exec.Transfer(context.Background(), &internal.TransferRequest{URL: server.URL + "/a.mp4", Destination: "/out"}, nil)
	require.Error(t, err)
	assert.Equal(t, internal.ClassTransient, internal.ClassifyError(err))

	// what arrived stays on disk for a resumed attempt
	size, err := utils.NewFileOperationsFs(fs).GetFileSize("/out/a.mp4.part")
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), size)
}

func TestHTTPExecutor_Cancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(testPayload(1_000))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newTestHTTPExecutor(afero.NewMemMapFs(), nil)
	_, err := exec.Transfer(ctx, &internal.TransferRequest{URL: server.URL + "/a.mp4", Destination: "/out"},
		func(downloaded, total int64) { cancel() })
	require.Error(t, err)
	assert.Equal(t, internal.ClassCancelled, internal.ClassifyError(err))
}

func TestRoutingExecutor(t *testing.T) {
	direct := &stubExecutor{}
	extractor := &stubExecutor{}
	router := &RoutingExecutor{Direct: direct, Extractor: extractor}

	_, err := router.Transfer(context.Background(), &internal.TransferRequest{URL: "https://cdn.example.com/a.mp3", Destination: "/out"}, func(int64, int64) {})
	require.NoError(t, err)
	_, err = router.Transfer(context.Background(), &internal.TransferRequest{URL: "https://www.youtube.com/watch?v=x", Destination: "/out"}, func(int64, int64) {})
	require.NoError(t, err)

	assert.Len(t, direct.requestsFor("https://cdn.example.com/a.mp3"), 1)
	assert.Len(t, extractor.requestsFor("https://www.youtube.com/watch?v=x"), 1)
	assert.Empty(t, direct.requestsFor("https://www.youtube.com/watch?v=x"))
}

func TestNewestMatching(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	write := func(name string, age time.Duration) {
		require.NoError(t, afero.WriteFile(fs, "/out/"+name, []byte("x"), 0644))
		require.NoError(t, fs.Chtimes("/out/"+name, base.Add(-age), base.Add(-age)))
	}
	write("Song [abc].webm", 2*time.Minute)
	write("Song [abc].mp3", time.Minute)
	write("Song [abc].mp3.part", 0)
	write("Other [xyz].mp3", 0)

	assert.Equal(t, "/out/Song [abc].mp3", newestMatching(fs, "/out", "abc"))
	assert.Equal(t, "", newestMatching(fs, "/out", "missing"))
	assert.Equal(t, "", newestMatching(fs, "/nowhere", "abc"))
}
