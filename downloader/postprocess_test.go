package downloader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/memblob"

	"mediafetch/internal"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestTranscoder_BuildArgs(t *testing.T) {
	audio := NewTranscoder("", "MP3", nil)
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.webm", "-vn", "in.mp3"},
		audio.BuildArgs("in.webm", "in.mp3"))

	remux := NewTranscoder("", ".mkv", nil)
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.webm", "-c", "copy", "in.mkv"},
		remux.BuildArgs("in.webm", "in.mkv"))

	other := NewTranscoder("", "avi", nil)
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-y", "-i", "in.webm", "in.avi"},
		other.BuildArgs("in.webm", "in.avi"))
}

func TestTranscoder_Converts(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, "for last; do :; done\nprintf converted > \"$last\"\n")
	dir := t.TempDir()
	input := filepath.Join(dir, "Song [abc].webm")
	require.NoError(t, os.WriteFile(input, []byte("source"), 0644))

	out, err := NewTranscoder(ffmpeg, "mp3", nil).Process(context.Background(), input, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Song [abc].mp3"), out)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "converted", string(got))

	_, err = os.Stat(input)
	assert.True(t, os.IsNotExist(err), "source removed after conversion")
}

func TestTranscoder_KeepSource(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, "for last; do :; done\nprintf converted > \"$last\"\n")
	input := filepath.Join(t.TempDir(), "clip.webm")
	require.NoError(t, os.WriteFile(input, []byte("source"), 0644))

	transcoder := NewTranscoder(ffmpeg, "mkv", nil)
	transcoder.KeepSource = true
	_, err := transcoder.Process(context.Background(), input, nil)
	require.NoError(t, err)

	_, err = os.Stat(input)
	assert.NoError(t, err)
}

func TestTranscoder_SkipsMatchingFormat(t *testing.T) {
	transcoder := NewTranscoder("/nonexistent/ffmpeg", "mp3", nil)
	out, err := transcoder.Process(context.Background(), "/out/track.MP3", nil)
	require.NoError(t, err)
	assert.Equal(t, "/out/track.MP3", out)
}

func TestTranscoder_Failure(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, "echo 'first line' >&2\necho 'Invalid data found when processing input' >&2\nexit 1\n")
	input := filepath.Join(t.TempDir(), "broken.webm")
	require.NoError(t, os.WriteFile(input, []byte("junk"), 0644))

	_, err := NewTranscoder(ffmpeg, "mp3", nil).Process(context.Background(), input, nil)
	var fetchErr *internal.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, internal.ErrTranscodeFailed, fetchErr.Type)
	assert.Contains(t, fetchErr.Message, "Invalid data found")
	assert.Equal(t, internal.ClassPermanent, internal.ClassifyError(err))

	_, err = os.Stat(input)
	assert.NoError(t, err, "source kept when conversion fails")
}

// id3v1File returns audio bytes followed by an ID3v1 tag
func id3v1File(title, artist, album string) []byte {
	block := make([]byte, 128)
	copy(block, "TAG")
	copy(block[3:33], title)
	copy(block[33:63], artist)
	copy(block[63:93], album)
	copy(block[93:97], "2001")
	return append(make([]byte, 1024), block...)
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestOrganizer(t *testing.T) {
	tests := []struct {
		name   string
		root   string
		source string
		data   []byte
		record *internal.MetadataRecord
		want   string
	}{
		{
			name:   "embedded tags",
			root:   "/library",
			source: "/out/one.mp3",
			data:   id3v1File("One More Time", "Daft Punk", "Discovery"),
			record: &internal.MetadataRecord{Uploader: "Channel"},
			want:   "/library/Daft Punk/Discovery/one.mp3",
		},
		{
			name:   "record extras",
			root:   "/library",
			source: "/out/clip.m4a",
			data:   []byte("no tags here"),
			record: &internal.MetadataRecord{Extra: map[string]json.RawMessage{
				"artist": rawJSON(t, "Band"),
				"album":  rawJSON(t, "Record"),
			}},
			want: "/library/Band/Record/clip.m4a",
		},
		{
			name:   "uploader next to the file",
			source: "/out/video.mp4",
			data:   []byte("video"),
			record: &internal.MetadataRecord{Uploader: "Some Channel"},
			want:   "/out/Some Channel/video.mp4",
		},
		{
			name:   "unknown artist",
			source: "/out/file.bin",
			data:   []byte("data"),
			want:   "/out/Unknown Artist/file.bin",
		},
		{
			name:   "sanitized names",
			root:   "/library",
			source: "/out/track.mp3",
			data:   id3v1File("T.N.T.", "AC/DC", "High Voltage"),
			want:   "/library/AC_DC/High Voltage/track.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, tt.source, tt.data, 0644))

			got, err := NewOrganizer(fs, tt.root, nil).Process(context.Background(), tt.source, tt.record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			content, err := afero.ReadFile(fs, got)
			require.NoError(t, err)
			assert.Equal(t, tt.data, content)

			exists, err := afero.Exists(fs, tt.source)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestOrganizer_AlreadyInPlace(t *testing.T) {
	fs := afero.NewMemMapFs()
	source := "/library/Band/Record/song.mp3"
	require.NoError(t, afero.WriteFile(fs, source, []byte("x"), 0644))

	record := &internal.MetadataRecord{Extra: map[string]json.RawMessage{
		"artist": rawJSON(t, "Band"),
		"album":  rawJSON(t, "Record"),
	}}
	got, err := NewOrganizer(fs, "/library", nil).Process(context.Background(), source, record)
	require.NoError(t, err)
	assert.Equal(t, source, got)
}

func TestOrganizer_ReadTagsUntaggedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	organizer := NewOrganizer(fs, "/library", nil)

	files := map[string][]byte{
		"/out/empty.mp3": nil,
		"/out/short.mp3": []byte("no tags here"),
		"/out/plain.mp3": make([]byte, 300),
	}
	for path, data := range files {
		require.NoError(t, afero.WriteFile(fs, path, data, 0644))
		assert.NotPanics(t, func() {
			artist, album := organizer.readTags(path)
			assert.Empty(t, artist, path)
			assert.Empty(t, album, path)
		})
	}

	artist, album := organizer.readTags("/out/missing.mp3")
	assert.Empty(t, artist)
	assert.Empty(t, album)

	require.NoError(t, afero.WriteFile(fs, "/out/tagged.mp3", id3v1File("Title", "Artist", "Album"), 0644))
	artist, album = organizer.readTags("/out/tagged.mp3")
	assert.Equal(t, "Artist", artist)
	assert.Equal(t, "Album", album)
}

func newMemPublisher(t *testing.T, fs afero.Fs) *Publisher {
	t.Helper()
	publisher, err := NewPublisher(context.Background(), "mem://", "/media/", fs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })
	return publisher
}

func TestPublisher_Uploads(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/song.mp3", []byte("first"), 0644))

	publisher := newMemPublisher(t, fs)
	assert.Equal(t, "media/song.mp3", publisher.Key("/out/song.mp3"))

	got, err := publisher.Process(ctx, "/out/song.mp3", nil)
	require.NoError(t, err)
	assert.Equal(t, "/out/song.mp3", got, "local path is unchanged")

	data, err := publisher.bucket.ReadAll(ctx, "media/song.mp3")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	// same size: the existing object is kept
	require.NoError(t, afero.WriteFile(fs, "/out/song.mp3", []byte("other"), 0644))
	_, err = publisher.Process(ctx, "/out/song.mp3", nil)
	require.NoError(t, err)
	data, err = publisher.bucket.ReadAll(ctx, "media/song.mp3")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, afero.WriteFile(fs, "/out/song.mp3", []byte("replaced"), 0644))
	_, err = publisher.Process(ctx, "/out/song.mp3", nil)
	require.NoError(t, err)
	data, err = publisher.bucket.ReadAll(ctx, "media/song.mp3")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}

func TestPublisher_MissingFile(t *testing.T) {
	publisher := newMemPublisher(t, afero.NewMemMapFs())

	_, err := publisher.Process(context.Background(), "/out/missing.mp3", nil)
	var fetchErr *internal.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, internal.ErrPublishFailed, fetchErr.Type)
}

func TestPublisher_CancelledUpload(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/song.mp3", []byte("data"), 0644))
	publisher := newMemPublisher(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := publisher.Process(ctx, "/out/song.mp3", nil)
	require.Error(t, err)
	assert.Equal(t, internal.ClassCancelled, internal.ClassifyError(err))
}

func TestNewPublisher_UnknownScheme(t *testing.T) {
	_, err := NewPublisher(context.Background(), "nosuchscheme://bucket", "", afero.NewMemMapFs(), nil)
	assert.Error(t, err)
}
