package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/lrstanley/go-ytdlp"

	"mediafetch/internal"
	"mediafetch/utils"
)

// YtdlpOptions are passed to every yt-dlp invocation
type YtdlpOptions struct {
	Executable  string
	ProxyURL    string
	CookiesFile string
	RateLimit   string // yt-dlp syntax, e.g. "2M"
}

func (o YtdlpOptions) command() *ytdlp.Command {
	cmd := ytdlp.New().NoPlaylist()
	if o.Executable != "" {
		cmd.SetExecutable(o.Executable)
	}
	if o.ProxyURL != "" {
		cmd.Proxy(o.ProxyURL)
	}
	if o.CookiesFile != "" {
		cmd.Cookies(o.CookiesFile)
	}
	return cmd
}

// YtdlpResolver reads metadata for extractor-backed URLs via yt-dlp
type YtdlpResolver struct {
	options   YtdlpOptions
	validator *utils.URLValidator
	logger    *internal.Logger
}

// NewYtdlpResolver creates a resolver using the given yt-dlp options
func NewYtdlpResolver(options YtdlpOptions, logger *internal.Logger) *YtdlpResolver {
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &YtdlpResolver{
		options:   options,
		validator: utils.NewURLValidator(false),
		logger:    logger.WithField("component", "ytdlp"),
	}
}

// Resolve runs yt-dlp with --skip-download --dump-json
func (r *YtdlpResolver) Resolve(ctx context.Context, url string) (*internal.MetadataRecord, error) {
	if err := r.validator.ValidateURL(url); err != nil {
		return nil, internal.WrapFetchError(internal.ErrInvalidURL, "invalid URL", err).WithURL(url)
	}

	r.logger.Debug("resolving %s", url)
	res, err := r.options.command().SkipDownload().DumpJSON().Run(ctx, url)
	if err != nil {
		return nil, ytdlpError(ctx, url, "metadata extraction failed", err, res)
	}
	if res == nil {
		return nil, internal.NewFetchError(internal.ErrUnsupportedFormat, "yt-dlp produced no output").WithURL(url)
	}

	return parseInfoOutput([]byte(res.Stdout))
}

// parseInfoOutput decodes the last JSON object yt-dlp printed
func parseInfoOutput(stdout []byte) (*internal.MetadataRecord, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' {
			return parseInfoJSON(line)
		}
	}
	return nil, internal.NewFetchError(internal.ErrUnsupportedFormat, "no metadata in yt-dlp output")
}

// infoJSON is the subset of yt-dlp's info dict the downloader reads.
// yt-dlp reports sizes as floats.
type infoJSON struct {
	ID             string  `json:"id"`
	Type           string  `json:"_type"`
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
	Ext            string  `json:"ext"`
	Uploader       string  `json:"uploader"`
	Channel        string  `json:"channel"`
	VCodec         string  `json:"vcodec"`
	Formats        []struct {
		ID       string  `json:"format_id"`
		Ext      string  `json:"ext"`
		Filesize float64 `json:"filesize"`
		Note     string  `json:"format_note"`
		Protocol string  `json:"protocol"`
	} `json:"formats"`
}

// retainedInfoKeys survive in MetadataRecord.Extra; the rest of the info
// dict is dropped to keep cache entries small
var retainedInfoKeys = []string{
	"webpage_url", "extractor", "upload_date", "thumbnail",
	"artist", "album", "track", "genre", "release_year",
}

func parseInfoJSON(data []byte) (*internal.MetadataRecord, error) {
	var info infoJSON
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, internal.WrapFetchError(internal.ErrUnsupportedFormat, "malformed yt-dlp metadata", err)
	}

	rec := &internal.MetadataRecord{
		ID:       info.ID,
		Title:    info.Title,
		Duration: info.Duration,
		Ext:      info.Ext,
		Uploader: info.Uploader,
	}
	if rec.Uploader == "" {
		rec.Uploader = info.Channel
	}

	rec.Size = int64(info.Filesize)
	if rec.Size == 0 {
		rec.Size = int64(info.FilesizeApprox)
	}

	switch {
	case info.Type == "playlist":
		rec.Kind = internal.KindPlaylist
	case info.VCodec == "none":
		rec.Kind = internal.KindAudio
	default:
		rec.Kind = internal.KindVideo
	}

	for _, f := range info.Formats {
		rec.Formats = append(rec.Formats, internal.FormatInfo{
			ID:       f.ID,
			Ext:      f.Ext,
			Size:     int64(f.Filesize),
			Note:     f.Note,
			Protocol: f.Protocol,
		})
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err == nil {
		for _, key := range retainedInfoKeys {
			if raw, ok := all[key]; ok && string(raw) != "null" {
				if rec.Extra == nil {
					rec.Extra = make(map[string]json.RawMessage)
				}
				rec.Extra[key] = raw
			}
		}
	}

	return rec, nil
}

// ytdlpError turns a failed yt-dlp run into a classified FetchError
func ytdlpError(ctx context.Context, url, message string, err error, res *ytdlp.Result) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return internal.NewCancelledError(url, context.Canceled)
	}

	detail := err.Error()
	if res != nil && strings.TrimSpace(res.Stderr) != "" {
		detail = lastLine(res.Stderr)
	}
	lower := strings.ToLower(detail)
	cause := fmt.Errorf("%s: %w", detail, err)

	switch {
	case strings.Contains(lower, "unsupported url"):
		return internal.NewInvalidURLError(url, detail)
	case strings.Contains(lower, "http error 404"), strings.Contains(lower, "not found"),
		strings.Contains(lower, "video unavailable"), strings.Contains(lower, "has been removed"):
		return internal.WrapFetchError(internal.ErrNotFound, "media not found", cause).WithURL(url)
	case strings.Contains(lower, "private video"), strings.Contains(lower, "sign in"),
		strings.Contains(lower, "http error 403"), strings.Contains(lower, "http error 401"):
		return internal.WrapFetchError(internal.ErrAccessDenied, detail, cause).WithURL(url)
	case strings.Contains(lower, "http error 429"), strings.Contains(lower, "too many requests"):
		return internal.NewRateLimitError(0).WithURL(url)
	}

	errType := internal.ErrTransferFailed
	if internal.ClassifyError(errors.New(lower)) == internal.ClassTransient {
		errType = internal.ErrNetworkTimeout
	}
	return internal.WrapFetchError(errType, message, cause).WithURL(url)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// HTTPResolver describes direct file URLs from a HEAD request
type HTTPResolver struct {
	client    *utils.HTTPClient
	validator *utils.URLValidator
	logger    *internal.Logger
}

// NewHTTPResolver creates a resolver. allowLocal permits loopback hosts.
func NewHTTPResolver(client *utils.HTTPClient, allowLocal bool, logger *internal.Logger) *HTTPResolver {
	if client == nil {
		client = utils.NewHTTPClient()
	}
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &HTTPResolver{
		client:    client,
		validator: utils.NewURLValidator(allowLocal),
		logger:    logger.WithField("component", "http"),
	}
}

// Resolve issues a HEAD request, falling back to GET for servers that
// reject HEAD
func (r *HTTPResolver) Resolve(ctx context.Context, url string) (*internal.MetadataRecord, error) {
	if err := r.validator.ValidateURL(url); err != nil {
		return nil, internal.WrapFetchError(internal.ErrInvalidURL, "invalid URL", err).WithURL(url)
	}

	resp, err := r.client.Head(ctx, url)
	if err != nil {
		var fetchErr *internal.FetchError
		if !errors.As(err, &fetchErr) || fetchErr.Type != internal.ErrTransferFailed {
			return nil, err
		}
		r.logger.Debug("HEAD rejected for %s, retrying with GET: %v", url, err)
		resp, err = r.client.GetRange(ctx, url, 0)
		if err != nil {
			return nil, err
		}
	}
	resp.Body.Close()

	return describeResponse(url, resp), nil
}

func describeResponse(url string, resp *http.Response) *internal.MetadataRecord {
	name := utils.FilenameFromURL(url)
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			name = utils.SanitizeFilename(params["filename"])
		}
	}

	ext := strings.TrimPrefix(path.Ext(name), ".")
	rec := &internal.MetadataRecord{
		ID:    strings.TrimSuffix(name, path.Ext(name)),
		Title: name,
		Ext:   ext,
		Kind:  internal.KindFile,
	}
	if resp.ContentLength > 0 {
		rec.Size = resp.ContentLength
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.HasPrefix(mediaType, "audio/"):
			rec.Kind = internal.KindAudio
		case strings.HasPrefix(mediaType, "video/"):
			rec.Kind = internal.KindVideo
		}
		rec.Extra = map[string]json.RawMessage{"content_type": jsonString(mediaType)}
	}
	if resp.Header.Get("Accept-Ranges") == "bytes" {
		if rec.Extra == nil {
			rec.Extra = make(map[string]json.RawMessage)
		}
		rec.Extra["accept_ranges"] = json.RawMessage("true")
	}
	return rec
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// RoutingResolver sends direct media file URLs to Direct and everything
// else to Extractor
type RoutingResolver struct {
	Direct    internal.MetadataResolver
	Extractor internal.MetadataResolver
}

// Resolve implements internal.MetadataResolver
func (r *RoutingResolver) Resolve(ctx context.Context, url string) (*internal.MetadataRecord, error) {
	if utils.IsDirectMediaURL(url) {
		return r.Direct.Resolve(ctx, url)
	}
	return r.Extractor.Resolve(ctx, url)
}

var (
	_ internal.MetadataResolver = (*YtdlpResolver)(nil)
	_ internal.MetadataResolver = (*HTTPResolver)(nil)
	_ internal.MetadataResolver = (*RoutingResolver)(nil)
)
