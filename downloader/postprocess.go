package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/spf13/afero"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"mediafetch/internal"
	"mediafetch/utils"
)

// audioFormats are transcode targets that carry no video stream
var audioFormats = map[string]bool{
	"mp3": true, "m4a": true, "aac": true, "opus": true,
	"ogg": true, "flac": true, "wav": true,
}

// remuxFormats can take the source streams unchanged
var remuxFormats = map[string]bool{
	"mp4": true, "mkv": true, "mov": true,
}

// Transcoder converts finished files to another container with ffmpeg
type Transcoder struct {
	ffmpeg     string
	format     string
	KeepSource bool
	fs         afero.Fs
	logger     *internal.Logger
}

// NewTranscoder creates a transcoder targeting format (an extension such as "mp3")
func NewTranscoder(ffmpegPath, format string, logger *internal.Logger) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &Transcoder{
		ffmpeg: ffmpegPath,
		format: strings.ToLower(strings.TrimPrefix(format, ".")),
		fs:     afero.NewOsFs(),
		logger: logger.WithField("component", "transcode"),
	}
}

// Name implements internal.PostProcessor
func (t *Transcoder) Name() string { return "transcode" }

// BuildArgs returns the ffmpeg arguments converting input into output
func (t *Transcoder) BuildArgs(input, output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input}
	switch {
	case audioFormats[t.format]:
		args = append(args, "-vn")
	case remuxFormats[t.format]:
		args = append(args, "-c", "copy")
	}
	return append(args, output)
}

// Process implements internal.PostProcessor
func (t *Transcoder) Process(ctx context.Context, input string, record *internal.MetadataRecord) (string, error) {
	ext := filepath.Ext(input)
	if strings.EqualFold(strings.TrimPrefix(ext, "."), t.format) {
		return input, nil
	}
	output := strings.TrimSuffix(input, ext) + "." + t.format

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.ffmpeg, t.BuildArgs(input, output)...)
	cmd.Stderr = &stderr

	t.logger.Debug("transcoding %s to %s", input, t.format)
	if err := cmd.Run(); err != nil {
		t.fs.Remove(output)
		if ctx.Err() != nil {
			return "", internal.NewCancelledError(input, ctx.Err())
		}
		message := "ffmpeg failed"
		if last := lastLine(stderr.String()); last != "" {
			message = fmt.Sprintf("ffmpeg failed: %s", last)
		}
		return "", internal.WrapFetchError(internal.ErrTranscodeFailed, message, err).
			WithContext("format", t.format)
	}

	if !t.KeepSource {
		if err := t.fs.Remove(input); err != nil {
			t.logger.Warn("failed to remove %s after transcoding: %v", input, err)
		}
	}
	return output, nil
}

const unknownArtist = "Unknown Artist"

// Organizer moves finished files into <root>/<Artist>/<Album>/ using the
// file's embedded tags, falling back to the metadata record
type Organizer struct {
	fs     afero.Fs
	root   string
	logger *internal.Logger
}

// NewOrganizer creates an organizer. An empty root organizes next to the file.
func NewOrganizer(fs afero.Fs, root string, logger *internal.Logger) *Organizer {
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &Organizer{fs: fs, root: root, logger: logger.WithField("component", "organize")}
}

// Name implements internal.PostProcessor
func (o *Organizer) Name() string { return "organize" }

// Process implements internal.PostProcessor
func (o *Organizer) Process(ctx context.Context, source string, record *internal.MetadataRecord) (string, error) {
	artist, album := o.readTags(source)
	if artist == "" {
		artist = extraString(record, "artist")
	}
	if artist == "" && record != nil {
		artist = record.Uploader
	}
	if artist == "" {
		artist = unknownArtist
	}
	if album == "" {
		album = extraString(record, "album")
	}

	root := o.root
	if root == "" {
		root = filepath.Dir(source)
	}
	dir := filepath.Join(root, utils.SanitizeFilename(artist))
	if album != "" {
		dir = filepath.Join(dir, utils.SanitizeFilename(album))
	}
	target := filepath.Join(dir, filepath.Base(source))
	if target == source {
		return source, nil
	}

	if err := o.fs.MkdirAll(dir, 0755); err != nil {
		return "", internal.WrapFetchError(internal.ErrDiskSpace, "failed to create library directory", err)
	}
	if err := o.fs.Rename(source, target); err != nil {
		return "", internal.WrapFetchError(internal.ErrTransferFailed, "failed to move file into library", err)
	}
	o.logger.Debug("organized %s into %s", filepath.Base(source), dir)
	return target, nil
}

// minTaggedSize is the size of an ID3v1 trailer, the smallest tag block
// the parser falls back to
const minTaggedSize = 128

// readTags returns the artist and album tags, empty when the file has none
// or its tags cannot be parsed
func (o *Organizer) readTags(source string) (artist, album string) {
	file, err := o.fs.Open(source)
	if err != nil {
		o.logger.Debug("could not open %s for tags: %v", source, err)
		return "", ""
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.Size() < minTaggedSize {
		return "", ""
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Debug("tag parser failed on %s: %v", source, r)
			artist, album = "", ""
		}
	}()

	meta, err := tag.ReadFrom(file)
	if err != nil {
		if !errors.Is(err, tag.ErrNoTagsFound) {
			o.logger.Debug("could not parse tags from %s: %v", source, err)
		}
		return "", ""
	}

	artist = strings.TrimSpace(meta.AlbumArtist())
	if artist == "" {
		artist = strings.TrimSpace(meta.Artist())
	}
	return artist, strings.TrimSpace(meta.Album())
}

func extraString(record *internal.MetadataRecord, key string) string {
	if record == nil {
		return ""
	}
	raw, ok := record.Extra[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

// Publisher copies finished files into a blob bucket. The local file stays.
type Publisher struct {
	bucket *blob.Bucket
	prefix string
	fs     afero.Fs
	logger *internal.Logger
}

// NewPublisher opens bucketURL (file://, mem:// or any registered driver).
// Objects are written under prefix.
func NewPublisher(ctx context.Context, bucketURL, prefix string, fs afero.Fs, logger *internal.Logger) (*Publisher, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &Publisher{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		fs:     fs,
		logger: logger.WithField("component", "publish"),
	}, nil
}

// Name implements internal.PostProcessor
func (p *Publisher) Name() string { return "publish" }

// Key returns the object key a local file is published under
func (p *Publisher) Key(source string) string {
	if p.prefix == "" {
		return filepath.Base(source)
	}
	return path.Join(p.prefix, filepath.Base(source))
}

// Process implements internal.PostProcessor. An existing object of the same
// size is left alone.
func (p *Publisher) Process(ctx context.Context, source string, record *internal.MetadataRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", internal.NewCancelledError(source, err)
	}

	info, err := p.fs.Stat(source)
	if err != nil {
		return "", internal.WrapFetchError(internal.ErrPublishFailed, "failed to stat finished file", err)
	}

	key := p.Key(source)
	attrs, err := p.bucket.Attributes(ctx, key)
	switch {
	case err == nil && attrs.Size == info.Size():
		p.logger.Debug("%s already published", key)
		return source, nil
	case err != nil && gcerrors.Code(err) != gcerrors.NotFound:
		return "", publishError(ctx, "failed to inspect bucket", err)
	}

	file, err := p.fs.Open(source)
	if err != nil {
		return "", internal.WrapFetchError(internal.ErrPublishFailed, "failed to open finished file", err)
	}
	defer file.Close()

	writer, err := p.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return "", publishError(ctx, "failed to create object writer", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", publishError(ctx, "failed to upload object", err)
	}
	if err := writer.Close(); err != nil {
		return "", publishError(ctx, "failed to finish upload", err)
	}

	p.logger.Info("published %s (%s)", key, utils.FormatBytes(info.Size()))
	return source, nil
}

// Close releases the bucket
func (p *Publisher) Close() error {
	return p.bucket.Close()
}

func publishError(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil {
		return internal.NewCancelledError("", ctx.Err())
	}
	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied:
		return internal.WrapFetchError(internal.ErrAccessDenied, message, err)
	case gcerrors.ResourceExhausted:
		return internal.WrapFetchError(internal.ErrServerError, message, err)
	default:
		return internal.WrapFetchError(internal.ErrPublishFailed, message, err)
	}
}

var (
	_ internal.PostProcessor = (*Transcoder)(nil)
	_ internal.PostProcessor = (*Organizer)(nil)
	_ internal.PostProcessor = (*Publisher)(nil)
)
