package cmd

import (
	"context"
	"strconv"

	"github.com/spf13/afero"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"mediafetch/downloader"
	"mediafetch/internal"
	"mediafetch/utils"
)

// app holds the components of one command invocation
type app struct {
	config      *internal.Config
	cache       *downloader.MetadataCache
	sessions    *downloader.SessionStore
	governor    *downloader.ResourceGovernor
	cookies     *downloader.CookieStore
	publisher   *downloader.Publisher
	coordinator *downloader.Coordinator
}

// openStores opens the metadata cache and the session store only
func openStores(config *internal.Config) *app {
	logger := internal.GetLogger()
	fs := afero.NewOsFs()

	return &app{
		config: config,
		cache: downloader.NewMetadataCache(fs, config.CacheDir,
			downloader.WithCacheBudget(config.CacheSizeBudget),
			downloader.WithCacheTTL(config.CacheTTL),
			downloader.WithCacheLogger(logger)),
		sessions: downloader.OpenSessionStore(fs, config.SessionFile,
			downloader.WithSessionLogger(logger)),
	}
}

// newApp wires the full download pipeline from config
func newApp(ctx context.Context, config *internal.Config) (*app, error) {
	logger := internal.GetLogger()
	fs := afero.NewOsFs()
	a := openStores(config)

	a.governor = downloader.NewResourceGovernor(
		downloader.WithPerDownloadMemory(config.PerDownloadMemory),
		downloader.WithGovernorLogger(logger))

	client, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{ProxyURL: config.ProxyURL})
	if err != nil {
		a.Close()
		return nil, err
	}

	if config.CookiesFile != "" {
		a.cookies = downloader.NewCookieStore(fs)
		n, err := a.cookies.Load(config.CookiesFile)
		if err != nil {
			a.Close()
			return nil, internal.NewValidationErrorWithValue("cookies_file", err.Error(), config.CookiesFile).
				WithSuggestion("Ensure the file exists and is in Netscape cookie format")
		}
		internal.LogDebug("Loaded %d cookies from %s", n, config.CookiesFile)
		client.SetCookieSource(a.cookies)
	}

	var limiter internal.RateLimiter
	ytdlpOptions := downloader.YtdlpOptions{
		Executable:  config.YtdlpPath,
		ProxyURL:    config.ProxyURL,
		CookiesFile: config.CookiesFile,
	}
	if config.RateLimit > 0 {
		limiter = utils.NewTokenBucketLimiter(config.RateLimit)
		ytdlpOptions.RateLimit = strconv.FormatInt(config.RateLimit, 10)
	}

	resolver := &downloader.RoutingResolver{
		Direct:    downloader.NewHTTPResolver(client, allowLocal, logger),
		Extractor: downloader.NewYtdlpResolver(ytdlpOptions, logger),
	}
	executor := &downloader.RoutingExecutor{
		Direct:    downloader.NewHTTPExecutor(client, fs, limiter, logger),
		Extractor: downloader.NewYtdlpExecutor(ytdlpOptions, logger),
	}

	var processors []internal.PostProcessor
	if config.TranscodeFormat != "" {
		processors = append(processors, downloader.NewTranscoder(config.FFmpegPath, config.TranscodeFormat, logger))
	}
	if config.Organize {
		processors = append(processors, downloader.NewOrganizer(fs, config.OutputDir, logger))
	}
	if config.PublishBucket != "" {
		a.publisher, err = downloader.NewPublisher(ctx, config.PublishBucket, "", fs, logger)
		if err != nil {
			a.Close()
			return nil, internal.NewValidationErrorWithValue("publish_bucket", err.Error(), config.PublishBucket).
				WithSuggestion("Use a bucket URL such as file:///srv/media")
		}
		processors = append(processors, a.publisher)
	}

	a.coordinator = downloader.NewCoordinator(resolver, executor, a.cache, a.sessions, a.governor,
		downloader.CoordinatorConfig{
			MaxConcurrency: config.MaxConcurrency,
			RetryCeiling:   config.RetryCeiling,
			BackoffBase:    config.BackoffBase,
			OutputDir:      config.OutputDir,
		},
		downloader.WithPostProcessors(processors...),
		downloader.WithCoordinatorLogger(logger))
	return a, nil
}

// Close persists sessions and releases the bucket and cookies
func (a *app) Close() {
	if err := a.sessions.Close(); err != nil {
		internal.LogWarn("Failed to save sessions: %v", err)
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			internal.LogDebug("Failed to close bucket: %v", err)
		}
	}
	if a.cookies != nil {
		a.cookies.Cleanup()
	}
}
