package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

const barTemplate = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{string . "speed"}} {{string . "eta"}}`

// ProgressBoard renders one bar per active download in a shared pb pool
type ProgressBoard struct {
	quiet  bool
	output io.Writer
	pool   *pb.Pool
	bars   map[string]*pb.ProgressBar
	labels map[string]string
	mutex  sync.Mutex
}

// BarSnapshot is what the board displays for one download
type BarSnapshot struct {
	Downloaded int64
	Total      int64
	Speed      float64 // bytes per second
	ETA        time.Duration
	ETAKnown   bool
}

// NewProgressBoard creates a board; quiet boards track state but draw nothing
func NewProgressBoard(quiet bool) *ProgressBoard {
	return &ProgressBoard{
		quiet:  quiet,
		output: os.Stderr,
		bars:   make(map[string]*pb.ProgressBar),
		labels: make(map[string]string),
	}
}

// Start begins rendering
func (b *ProgressBoard) Start() error {
	if b.quiet {
		return nil
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()

	pool := pb.NewPool()
	pool.Output = b.output
	if err := pool.Start(); err != nil {
		return fmt.Errorf("start progress pool: %w", err)
	}
	b.pool = pool
	return nil
}

// Track adds a bar for id
func (b *ProgressBoard) Track(id, label string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.labels[id] = label
	if b.pool == nil {
		return
	}

	bar := pb.New64(0)
	bar.SetTemplateString(barTemplate)
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", truncateLabel(label, 32))
	bar.Set("speed", "")
	bar.Set("eta", "")
	b.pool.Add(bar)
	b.bars[id] = bar
}

// Update refreshes the bar for id
func (b *ProgressBoard) Update(id string, snap BarSnapshot) {
	b.mutex.Lock()
	bar := b.bars[id]
	b.mutex.Unlock()
	if bar == nil {
		return
	}

	if snap.Total > 0 {
		bar.SetTotal(snap.Total)
	}
	bar.SetCurrent(snap.Downloaded)
	bar.Set("speed", FormatSpeed(snap.Speed))
	if snap.ETAKnown {
		bar.Set("eta", "ETA "+FormatETA(snap.ETA))
	} else {
		bar.Set("eta", "ETA --")
	}
}

// SetStatus replaces the speed column with a short status word
func (b *ProgressBoard) SetStatus(id, status string) {
	b.mutex.Lock()
	bar := b.bars[id]
	b.mutex.Unlock()
	if bar == nil {
		return
	}
	bar.Set("speed", status)
	bar.Set("eta", "")
}

// Done finishes the bar for id
func (b *ProgressBoard) Done(id string, ok bool) {
	b.mutex.Lock()
	bar := b.bars[id]
	delete(b.bars, id)
	b.mutex.Unlock()
	if bar == nil {
		return
	}

	if ok {
		bar.Set("eta", "done")
	} else {
		bar.Set("eta", "failed")
	}
	bar.Finish()
}

// Label returns the label registered for id
func (b *ProgressBoard) Label(id string) string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.labels[id]
}

// Stop ends rendering
func (b *ProgressBoard) Stop() error {
	b.mutex.Lock()
	pool := b.pool
	b.pool = nil
	b.mutex.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Stop()
}

// IsQuiet returns whether the board draws anything
func (b *ProgressBoard) IsQuiet() bool {
	return b.quiet
}

// SummaryRow is one line of the end-of-batch report
type SummaryRow struct {
	URL      string
	Status   string
	Reason   string
	Attempts int
	Bytes    int64
	Duration time.Duration
	Peak     float64
	Path     string
}

// WriteSummary prints an aligned table of batch results
func WriteSummary(w io.Writer, rows []SummaryRow) {
	if len(rows) == 0 {
		return
	}

	sorted := make([]SummaryRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Status < sorted[j].Status
	})

	width := 0
	for _, r := range sorted {
		if l := len(truncateLabel(r.URL, 60)); l > width {
			width = l
		}
	}

	fmt.Fprintf(w, "\n%-*s  %-8s  %-20s  %8s  %10s  %10s\n", width, "URL", "STATUS", "REASON", "ATTEMPTS", "SIZE", "PEAK")
	for _, r := range sorted {
		reason := r.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%-*s  %-8s  %-20s  %8d  %10s  %10s\n",
			width, truncateLabel(r.URL, 60), r.Status, reason, r.Attempts, FormatBytes(r.Bytes), FormatSpeed(r.Peak))
		if r.Path != "" {
			fmt.Fprintf(w, "%-*s  -> %s\n", width, "", r.Path)
		}
	}
}

// FormatBytes formats byte count as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats a bytes-per-second rate
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "-"
	}
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}

// FormatETA renders a duration as h:mm:ss or m:ss
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func truncateLabel(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
