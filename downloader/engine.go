package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/spf13/afero"

	"mediafetch/internal"
	"mediafetch/utils"
)

const (
	defaultCopyBuffer = 32 * 1024
	partSuffix        = ".part"
	progressInterval  = 500 * time.Millisecond
)

// HTTPExecutor downloads direct file URLs into <destination>/<name>.part with
// ranged requests and renames the file once complete
type HTTPExecutor struct {
	client  *utils.HTTPClient
	fileOps *utils.FileOperations
	limiter internal.RateLimiter
	logger  *internal.Logger
}

// NewHTTPExecutor creates an executor writing to fs. limiter may be nil.
func NewHTTPExecutor(client *utils.HTTPClient, fs afero.Fs, limiter internal.RateLimiter, logger *internal.Logger) *HTTPExecutor {
	if client == nil {
		client = utils.NewHTTPClient()
	}
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &HTTPExecutor{
		client:  client,
		fileOps: utils.NewFileOperationsFs(fs),
		limiter: limiter,
		logger:  logger.WithField("component", "http"),
	}
}

// targetName picks the local filename for a request
func targetName(req *internal.TransferRequest) string {
	if req.Metadata != nil && req.Metadata.Kind == internal.KindFile && req.Metadata.Title != "" {
		return utils.SanitizeFilename(req.Metadata.Title)
	}
	return utils.FilenameFromURL(req.URL)
}

// Transfer implements internal.TransferExecutor. A positive StartOffset
// continues an existing part file; servers that ignore Range restart from zero.
func (e *HTTPExecutor) Transfer(ctx context.Context, req *internal.TransferRequest, progress internal.ProgressFunc) (*internal.TransferResult, error) {
	finalPath := filepath.Join(req.Destination, targetName(req))
	partPath := finalPath + partSuffix

	if err := e.fileOps.EnsureDir(finalPath); err != nil {
		return nil, internal.WrapFetchError(internal.ErrDiskSpace, "failed to create output directory", err).WithURL(req.URL)
	}

	var offset int64
	if req.StartOffset > 0 {
		if exists, size, err := e.fileOps.DetectPartialDownload(finalPath); err == nil && exists {
			// the part file is authoritative; the recorded offset may lag behind it
			offset = size
		}
	}

	resp, err := e.client.GetRange(ctx, req.URL, offset)
	if total, known, unsatisfied := utils.RangeNotSatisfiable(err); unsatisfied && offset > 0 {
		if !known {
			total = expectedSize(req)
		}
		if total > 0 && offset == total {
			// the part file already holds everything
			return e.complete(req, partPath, finalPath, offset, offset)
		}
		e.logger.Info("part file for %s does not match the remote size, restarting from zero", req.URL)
		offset = 0
		resp, err = e.client.GetRange(ctx, req.URL, 0)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		e.logger.Info("server ignored range request for %s, restarting from zero", req.URL)
		offset = 0
	}

	total := responseTotal(resp, offset)
	if total <= 0 {
		total = expectedSize(req)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := e.fileOps.Fs().OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, internal.WrapFetchError(internal.ErrDiskSpace, "failed to open part file", err).WithURL(req.URL)
	}

	downloaded, copyErr := e.copy(ctx, file, resp.Body, offset, total, req.ChunkSize, progress)
	if closeErr := file.Close(); closeErr != nil && copyErr == nil {
		copyErr = internal.WrapFetchError(internal.ErrDiskSpace, "failed to close part file", closeErr)
	}
	if copyErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, internal.NewCancelledError(req.URL, context.Canceled)
		}
		var fetchErr *internal.FetchError
		if errors.As(copyErr, &fetchErr) {
			return nil, fetchErr.WithURL(req.URL)
		}
		return nil, internal.WrapFetchError(internal.ErrConnectionReset, "transfer interrupted", copyErr).WithURL(req.URL)
	}

	if total > 0 && downloaded < total {
		return nil, internal.NewFetchError(internal.ErrConnectionReset,
			fmt.Sprintf("connection closed after %d of %d bytes", downloaded, total)).WithURL(req.URL)
	}

	return e.complete(req, partPath, finalPath, downloaded, offset)
}

func (e *HTTPExecutor) complete(req *internal.TransferRequest, partPath, finalPath string, downloaded, resumedFrom int64) (*internal.TransferResult, error) {
	if err := e.fileOps.Fs().Rename(partPath, finalPath); err != nil {
		return nil, internal.WrapFetchError(internal.ErrTransferFailed, "failed to finalize download", err).WithURL(req.URL)
	}
	e.logger.Debug("completed %s (%d bytes)", finalPath, downloaded)
	return &internal.TransferResult{
		Path:    finalPath,
		Bytes:   downloaded,
		Resumed: resumedFrom > 0,
	}, nil
}

// copy streams body into w and reports cumulative progress from offset
func (e *HTTPExecutor) copy(ctx context.Context, w io.Writer, body io.Reader, offset, total int64, chunk int, progress internal.ProgressFunc) (int64, error) {
	if chunk <= 0 {
		chunk = defaultCopyBuffer
	}
	buf := make([]byte, chunk)
	downloaded := offset

	for {
		if err := ctx.Err(); err != nil {
			return downloaded, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx, n); err != nil {
					return downloaded, err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return downloaded, internal.WrapFetchError(internal.ErrDiskSpace, "failed to write part file", err)
			}
			downloaded += int64(n)
			if progress != nil {
				progress(downloaded, total)
			}
		}

		if readErr == io.EOF {
			return downloaded, nil
		}
		if readErr != nil {
			return downloaded, readErr
		}
	}
}

// responseTotal derives the full size from Content-Range or Content-Length
func responseTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if slash := strings.LastIndex(cr, "/"); slash >= 0 {
				if total, err := strconv.ParseInt(cr[slash+1:], 10, 64); err == nil {
					return total
				}
			}
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength + offset
	}
	return 0
}

func expectedSize(req *internal.TransferRequest) int64 {
	if req.Metadata != nil {
		return req.Metadata.Size
	}
	return 0
}

// YtdlpExecutor downloads extractor-backed URLs with yt-dlp
type YtdlpExecutor struct {
	options YtdlpOptions
	fs      afero.Fs
	logger  *internal.Logger
}

// NewYtdlpExecutor creates an executor; files land on the OS filesystem
func NewYtdlpExecutor(options YtdlpOptions, logger *internal.Logger) *YtdlpExecutor {
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &YtdlpExecutor{
		options: options,
		fs:      afero.NewOsFs(),
		logger:  logger.WithField("component", "ytdlp"),
	}
}

// outputTemplate embeds the media id so the result can be found on disk
const outputTemplate = "%(title)s [%(id)s].%(ext)s"

// Transfer runs yt-dlp with --continue when resuming and --no-continue otherwise
func (e *YtdlpExecutor) Transfer(ctx context.Context, req *internal.TransferRequest, progress internal.ProgressFunc) (*internal.TransferResult, error) {
	if err := e.fs.MkdirAll(req.Destination, 0755); err != nil {
		return nil, internal.WrapFetchError(internal.ErrDiskSpace, "failed to create output directory", err).WithURL(req.URL)
	}

	cmd := e.options.command().
		RestrictFilenames().
		Output(filepath.Join(req.Destination, outputTemplate))
	if req.StartOffset > 0 {
		cmd.Continue()
	} else {
		cmd.NoContinue()
	}
	if e.options.RateLimit != "" {
		cmd.LimitRate(e.options.RateLimit)
	}

	var downloaded int64
	cmd.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
		downloaded = int64(update.DownloadedBytes)
		if progress != nil {
			progress(downloaded, int64(update.TotalBytes))
		}
	})

	e.logger.Debug("downloading %s to %s", req.URL, req.Destination)
	res, err := cmd.Run(ctx, req.URL)
	if err != nil {
		return nil, ytdlpError(ctx, req.URL, "download failed", err, res)
	}

	path := e.resultPath(res, req)
	if path == "" {
		return nil, internal.NewFetchError(internal.ErrTransferFailed, "yt-dlp finished without an output file").WithURL(req.URL)
	}

	result := &internal.TransferResult{Path: path, Bytes: downloaded, Resumed: req.StartOffset > 0}
	if info, err := e.fs.Stat(path); err == nil {
		result.Bytes = info.Size()
	}
	return result, nil
}

// resultPath reads the filename yt-dlp reported, falling back to the newest
// file in the destination carrying the media id
func (e *YtdlpExecutor) resultPath(res *ytdlp.Result, req *internal.TransferRequest) string {
	if res != nil {
		if info, err := res.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
			return *info[0].Filename
		}
	}

	id := ""
	if req.Metadata != nil {
		id = req.Metadata.ID
	}
	return newestMatching(e.fs, req.Destination, id)
}

func newestMatching(fs afero.Fs, dir, id string) string {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return ""
	}

	var best os.FileInfo
	marker := "[" + id + "]"
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, partSuffix) || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		if id != "" && !strings.Contains(name, marker) {
			continue
		}
		if best == nil || entry.ModTime().After(best.ModTime()) {
			best = entry
		}
	}
	if best == nil {
		return ""
	}
	return filepath.Join(dir, best.Name())
}

// RoutingExecutor sends direct media file URLs to Direct and everything
// else to Extractor
type RoutingExecutor struct {
	Direct    internal.TransferExecutor
	Extractor internal.TransferExecutor
}

// Transfer implements internal.TransferExecutor
func (r *RoutingExecutor) Transfer(ctx context.Context, req *internal.TransferRequest, progress internal.ProgressFunc) (*internal.TransferResult, error) {
	if utils.IsDirectMediaURL(req.URL) {
		return r.Direct.Transfer(ctx, req, progress)
	}
	return r.Extractor.Transfer(ctx, req, progress)
}

var (
	_ internal.TransferExecutor = (*HTTPExecutor)(nil)
	_ internal.TransferExecutor = (*YtdlpExecutor)(nil)
	_ internal.TransferExecutor = (*RoutingExecutor)(nil)
)
