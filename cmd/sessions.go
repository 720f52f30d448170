package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"mediafetch/downloader"
	"mediafetch/internal"
	"mediafetch/utils"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [URL...]",
	Short: "Resume interrupted downloads",
	Long: `Resume downloads recorded in the session file.

Without arguments every recorded session is resubmitted. Transfers continue
from the recorded byte offset where the source supports it.

Examples:
  mediafetch resume
  mediafetch resume -j 2 -r 5M https://example.com/video.mp4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := openStores(config)
		records := stores.sessions.List()
		stores.Close()

		urls := make([]string, 0, len(records))
		if len(args) > 0 {
			requested, err := collectURLs(args, "")
			if err != nil {
				return err
			}
			known := make(map[string]bool, len(records))
			for _, r := range records {
				known[r.URL] = true
			}
			for _, u := range requested {
				if !known[u] {
					internal.LogWarn("No session recorded for %s, starting from scratch", u)
				}
				urls = append(urls, u)
			}
		} else {
			for _, r := range records {
				urls = append(urls, r.URL)
			}
		}

		if len(urls) == 0 {
			fmt.Println("Nothing to resume.")
			return nil
		}

		internal.LogInfo("Resuming %d download(s)", len(urls))
		return runBatch(cmd.Context(), urls)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List resumable downloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := openStores(config)
		defer stores.Close()

		writeSessions(cmd.OutOrStdout(), stores.sessions.List(), time.Now())
		return nil
	},
}

// writeSessions prints session records, most recently updated first
func writeSessions(w io.Writer, records []internal.SessionRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No resumable downloads.")
		return
	}

	sorted := make([]internal.SessionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastUpdated.After(sorted[j].LastUpdated)
	})

	fmt.Fprintf(w, "%-7s  %-21s  %-10s  %s\n", "DONE", "SIZE", "UPDATED", "URL")
	for _, r := range sorted {
		size := "-"
		if r.TotalBytes > 0 {
			size = fmt.Sprintf("%s/%s", utils.FormatBytes(r.BytesDownloaded), utils.FormatBytes(r.TotalBytes))
		} else if r.BytesDownloaded > 0 {
			size = utils.FormatBytes(r.BytesDownloaded)
		}
		fmt.Fprintf(w, "%6.1f%%  %-21s  %-10s  %s\n",
			r.ProgressFraction*100, size, formatAge(now.Sub(r.LastUpdated)), r.URL)
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clean the metadata cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and entry count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := openStores(config)
		defer stores.Close()

		writeCacheStats(cmd.OutOrStdout(), stores.cache.Stats())
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired cache entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := openStores(config)
		defer stores.Close()

		removed := stores.cache.Prune()
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entr%s.\n", removed, plural(removed, "y", "ies"))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stores := openStores(config)
		defer stores.Close()

		removed := stores.cache.Clear()
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entr%s.\n", removed, plural(removed, "y", "ies"))
		return nil
	},
}

func writeCacheStats(w io.Writer, stats downloader.CacheStats) {
	fmt.Fprintf(w, "Directory: %s\n", stats.Dir)
	fmt.Fprintf(w, "Entries:   %d\n", stats.Entries)
	fmt.Fprintf(w, "Size:      %s of %s\n", utils.FormatBytes(stats.Bytes), utils.FormatBytes(stats.Budget))
	if stats.Entries > 0 {
		fmt.Fprintf(w, "Oldest:    %s\n", stats.Oldest.Format(time.RFC3339))
		fmt.Fprintf(w, "Newest:    %s\n", stats.Newest.Format(time.RFC3339))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheClearCmd)
}
