package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mediafetch/downloader"
	"mediafetch/internal"
	"mediafetch/utils"
)

var (
	configPath    string
	envFile       string
	batchFile     string
	outputDir     string
	cookiesPath   string
	concurrency   int
	retries       int
	rateLimit     string
	proxyURL      string
	transcode     string
	organize      bool
	publishBucket string
	allowLocal    bool
	quiet         bool
	debug         bool
	logLevel      string
	logFile       string
	config        *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "mediafetch [flags] URL...",
	Short:   "Download media from many URLs concurrently with resumable sessions",
	Version: "v0.3.0",
	Long: `mediafetch downloads a batch of media URLs concurrently. Site pages are
handled by yt-dlp; direct file links are fetched over HTTP with range resumption.

Metadata is cached on disk, partial downloads are remembered in a session file,
and concurrency adapts to the memory and CPU available on the host.

Examples:
  mediafetch https://www.youtube.com/watch?v=dQw4w9WgXcQ
  mediafetch -j 8 -o ~/Music --transcode mp3 --organize URL1 URL2
  mediafetch -a urls.txt -r 5M --proxy socks5://127.0.0.1:1080
  mediafetch resume

Environment Variables:
  MEDIAFETCH_CONCURRENCY   Maximum parallel downloads (1-64)
  MEDIAFETCH_OUTPUT_DIR    Destination directory
  MEDIAFETCH_RATE_LIMIT    Bandwidth limit (e.g., 5M)
  MEDIAFETCH_PROXY         Proxy URL
  MEDIAFETCH_COOKIES       Netscape cookies file
  MEDIAFETCH_CACHE_DIR     Metadata cache directory
  MEDIAFETCH_SESSION_FILE  Resumable session file`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(cmd.Flags()); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.LogDebug("Configuration loaded: concurrency=%d, retries=%d, backoff=%s, cache=%s, sessions=%s",
			config.MaxConcurrency, config.RetryCeiling, config.BackoffBase, config.CacheDir, config.SessionFile)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return internal.CloseLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := collectURLs(args, batchFile)
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return cmd.Help()
		}

		internal.LogInfo("Processing %d URL(s)", len(urls))
		return runBatch(cmd.Context(), urls)
	},
}

// loadConfiguration layers defaults, the YAML file, the env file, the
// environment and finally the flags that were set explicitly
func loadConfiguration(flags *pflag.FlagSet) error {
	config = internal.DefaultConfig()

	if err := internal.LoadDotEnv(envFile); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = os.Getenv("MEDIAFETCH_CONFIG")
	}
	if path != "" {
		if err := config.LoadFromFile(path); err != nil {
			return err
		}
	}

	config.LoadFromEnv()

	if err := applyFlags(flags); err != nil {
		return err
	}

	return config.ValidateConfig()
}

func applyFlags(flags *pflag.FlagSet) error {
	if flags.Changed("concurrency") {
		config.MaxConcurrency = concurrency
	}
	if flags.Changed("retries") {
		config.RetryCeiling = retries
	}
	if flags.Changed("output") {
		config.OutputDir = outputDir
	}
	if flags.Changed("cookies") {
		config.CookiesFile = cookiesPath
	}
	if flags.Changed("proxy") {
		config.ProxyURL = proxyURL
	}
	if flags.Changed("transcode") {
		config.TranscodeFormat = transcode
	}
	if flags.Changed("organize") {
		config.Organize = organize
	}
	if flags.Changed("publish") {
		config.PublishBucket = publishBucket
	}
	if flags.Changed("limit-rate") {
		bytesPerSecond, err := utils.ParseRateLimit(rateLimit)
		if err != nil {
			return internal.NewValidationErrorWithValue("rate_limit", "invalid format", rateLimit).
				WithSuggestion("Use formats like 1M (1 MB/s), 500K (500 KB/s), 2G (2 GB/s), or 1024 (1024 bytes/s)")
		}
		config.RateLimit = bytesPerSecond
	}

	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}
	return nil
}

// collectURLs validates and normalizes the arguments plus any batch file lines,
// dropping duplicates while keeping first-seen order
func collectURLs(args []string, batchPath string) ([]string, error) {
	inputs := append([]string(nil), args...)
	if batchPath != "" {
		lines, err := readBatchFile(batchPath)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, lines...)
	}

	validator := utils.NewURLValidator(allowLocal)
	seen := make(map[string]bool, len(inputs))
	urls := make([]string, 0, len(inputs))
	for _, raw := range inputs {
		raw = strings.TrimSpace(raw)
		if err := validator.ValidateURL(raw); err != nil {
			var validationErr *internal.ValidationError
			if errors.As(err, &validationErr) {
				internal.LogValidationError(validationErr)
			}
			return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		normalized := utils.NormalizeURL(raw)
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		urls = append(urls, normalized)
	}
	return urls, nil
}

// readBatchFile reads one URL per line; blank lines and # comments are skipped
func readBatchFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading batch file: %w", err)
	}
	return lines, nil
}

// runBatch submits urls and reports the outcome. SIGINT and SIGTERM cancel
// the batch; partial progress stays in the session file.
func runBatch(parent context.Context, urls []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

	board := utils.NewProgressBoard(config.QuietMode)
	if err := board.Start(); err != nil {
		internal.LogWarn("Progress display unavailable: %v", err)
	}

	results := app.coordinator.SubmitBatch(ctx, urls, downloader.BatchOptions{
		Observer: boardObserver(board),
	})

	if err := board.Stop(); err != nil {
		internal.LogDebug("Failed to stop progress display: %v", err)
	}

	if !config.QuietMode {
		utils.WriteSummary(os.Stdout, summaryRows(results))
	}
	internal.LogDebug("Peak concurrency: %d", app.coordinator.Active().Peak())

	if ctx.Err() != nil {
		internal.LogInfo("Batch cancelled by user")
		if !config.QuietMode {
			fmt.Println("\nDownload cancelled. Progress has been saved.")
			fmt.Println("   Use 'mediafetch resume' to continue later.")
		}
		return fmt.Errorf("download cancelled by user")
	}

	return batchError(results)
}

// boardObserver drives the progress board from coordinator events
func boardObserver(board *utils.ProgressBoard) downloader.Observer {
	return func(ev downloader.Event) {
		switch ev.Kind {
		case downloader.EventProgress:
			board.Update(ev.TaskID, utils.BarSnapshot{
				Downloaded: ev.Downloaded,
				Total:      ev.Total,
				Speed:      ev.Speed,
				ETA:        ev.ETA,
				ETAKnown:   ev.ETAKnown,
			})
		case downloader.EventState:
			switch ev.State {
			case downloader.StateQueued:
				board.Track(ev.TaskID, ev.URL)
			case downloader.StateFinished:
				board.Done(ev.TaskID, true)
			case downloader.StateFailed:
				board.Done(ev.TaskID, false)
				if ev.Err != nil {
					internal.LogDebug("%s failed: %v", ev.URL, ev.Err)
				}
			default:
				board.SetStatus(ev.TaskID, ev.State.String())
			}
		}
	}
}

func summaryRows(results []downloader.Result) []utils.SummaryRow {
	rows := make([]utils.SummaryRow, 0, len(results))
	for _, r := range results {
		row := utils.SummaryRow{
			URL:      r.URL,
			Status:   "ok",
			Attempts: r.Attempts,
			Bytes:    r.Bytes,
			Duration: r.Duration,
			Peak:     r.PeakSpeed,
			Path:     r.Path,
		}
		if !r.Success {
			row.Status = "failed"
			row.Reason = r.Reason.String()
		}
		rows = append(rows, row)
	}
	return rows
}

// batchError logs each failure and summarizes them in one error
func batchError(results []downloader.Result) error {
	failed := 0
	for _, r := range results {
		if r.Success {
			continue
		}
		failed++
		var fetchErr *internal.FetchError
		if errors.As(r.Err, &fetchErr) {
			internal.LogFetchError(fetchErr)
		} else if r.Err != nil {
			internal.LogError("%s: %v", r.URL, r.Err)
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d download(s) failed", failed, len(results))
}

func init() {
	defaults := internal.DefaultConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file (env: MEDIAFETCH_CONFIG)")
	flags.StringVar(&envFile, "env-file", ".env", "File of KEY=VALUE environment overrides")
	flags.StringVarP(&outputDir, "output", "o", "", "Destination directory (env: MEDIAFETCH_OUTPUT_DIR) (default \".\")")
	flags.StringVarP(&cookiesPath, "cookies", "c", "", "Path to Netscape-format cookie file (env: MEDIAFETCH_COOKIES)")
	flags.IntVarP(&concurrency, "concurrency", "j", defaults.MaxConcurrency,
		fmt.Sprintf("Maximum parallel downloads (1-%d) (env: MEDIAFETCH_CONCURRENCY)", internal.MaxConcurrencyLimit))
	flags.IntVar(&retries, "retries", defaults.RetryCeiling, "Attempts per download for transient failures (env: MEDIAFETCH_RETRIES)")
	flags.StringVarP(&rateLimit, "limit-rate", "r", "", "Bandwidth limit (e.g., 5M for 5MB/s) (env: MEDIAFETCH_RATE_LIMIT)")
	flags.StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS proxy URL (env: MEDIAFETCH_PROXY)")
	flags.StringVar(&transcode, "transcode", "", "Convert finished files to this format with ffmpeg, e.g. mp3 (env: MEDIAFETCH_TRANSCODE)")
	flags.BoolVar(&organize, "organize", false, "Move finished files into Artist/Album directories (env: MEDIAFETCH_ORGANIZE)")
	flags.StringVar(&publishBucket, "publish", "", "Copy finished files to a bucket URL such as file:///srv/media (env: MEDIAFETCH_PUBLISH_BUCKET)")
	flags.BoolVar(&allowLocal, "allow-local", false, "Allow URLs pointing at this machine")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bar output")

	flags.BoolVarP(&debug, "debug", "d", false, "Enable debug logging with file and line information (env: MEDIAFETCH_DEBUG)")
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: MEDIAFETCH_LOG_LEVEL)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: MEDIAFETCH_LOG_FILE)")

	rootCmd.Flags().StringVarP(&batchFile, "batch-file", "a", "", "File containing URLs to download, one per line")

	rootCmd.AddCommand(resumeCmd, sessionsCmd, cacheCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
