package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"mediafetch/internal"
)

// TaskState is a step of the per-URL state machine
type TaskState int

const (
	StateQueued TaskState = iota
	StateResolvingMetadata
	StateTransferring
	StatePostProcessing
	StateFinished
	StateFailed
)

// String returns the state name
func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateResolvingMetadata:
		return "resolving"
	case StateTransferring:
		return "transferring"
	case StatePostProcessing:
		return "post-processing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions happen
func (s TaskState) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// FailureReason classifies a failed task for reporting
type FailureReason int

const (
	ReasonNone FailureReason = iota
	// ReasonTransient means transient failures outlasted the retry ceiling
	ReasonTransient
	ReasonPermanent
	ReasonCancelled
)

// String returns the reason name
func (r FailureReason) String() string {
	switch r {
	case ReasonTransient:
		return "transient-exhausted"
	case ReasonPermanent:
		return "permanent"
	case ReasonCancelled:
		return "cancelled"
	default:
		return ""
	}
}

// Result is the terminal outcome of one submitted URL
type Result struct {
	TaskID    string
	URL       string
	Success   bool
	State     TaskState
	Reason    FailureReason
	Err       error
	Attempts  int
	Bytes     int64
	Path      string
	Metadata  *internal.MetadataRecord
	FromCache bool
	Resumed   bool
	Duration  time.Duration
	PeakSpeed float64
}

// EventKind distinguishes observer events
type EventKind int

const (
	EventState EventKind = iota
	EventProgress
)

// Event is delivered to the batch observer. Events of one task arrive in
// order; events of different tasks interleave freely.
type Event struct {
	Kind         EventKind
	TaskID       string
	URL          string
	State        TaskState
	Attempt      int
	Title        string
	Downloaded   int64
	Total        int64
	Percent      int
	PercentKnown bool
	Speed        float64
	ETA          time.Duration
	ETAKnown     bool
	Err          error
}

// Observer receives events from every task of a batch concurrently
type Observer func(Event)

// BatchOptions tune one SubmitBatch call
type BatchOptions struct {
	// MaxConcurrency overrides the configured maximum when positive
	MaxConcurrency int
	// Destination overrides the configured output directory
	Destination string
	Observer    Observer
}

// CoordinatorConfig is the externally supplied policy
type CoordinatorConfig struct {
	MaxConcurrency int
	RetryCeiling   int
	BackoffBase    time.Duration
	OutputDir      string
	// CriticalPause is the cooperative pause under critical memory pressure
	CriticalPause time.Duration
}

// DefaultCriticalPause is used when CriticalPause is unset
const DefaultCriticalPause = 2 * time.Second

// ActiveDownloadSet tracks in-flight tasks by id
type ActiveDownloadSet struct {
	mutex sync.Mutex
	tasks map[string]string
	peak  int
}

// NewActiveDownloadSet creates an empty set
func NewActiveDownloadSet() *ActiveDownloadSet {
	return &ActiveDownloadSet{tasks: make(map[string]string)}
}

// Add registers a task and returns the new size
func (s *ActiveDownloadSet) Add(id, url string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[id] = url
	if len(s.tasks) > s.peak {
		s.peak = len(s.tasks)
	}
	return len(s.tasks)
}

// Remove unregisters a task
func (s *ActiveDownloadSet) Remove(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tasks, id)
}

// Len returns the number of in-flight tasks
func (s *ActiveDownloadSet) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.tasks)
}

// Peak returns the largest size observed
func (s *ActiveDownloadSet) Peak() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.peak
}

// URLs returns the URLs currently in flight
func (s *ActiveDownloadSet) URLs() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	urls := make([]string, 0, len(s.tasks))
	for _, url := range s.tasks {
		urls = append(urls, url)
	}
	return urls
}

// Coordinator drives each submitted URL through resolve, transfer and
// post-processing with bounded concurrency, caching, resume markers and retries.
type Coordinator struct {
	resolver       internal.MetadataResolver
	executor       internal.TransferExecutor
	postProcessors []internal.PostProcessor
	cache          *MetadataCache
	sessions       *SessionStore
	governor       *ResourceGovernor
	active         *ActiveDownloadSet

	config CoordinatorConfig
	retry  RetryPolicy
	now    func() time.Time
	logger *internal.Logger
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithPostProcessors appends post-processors run in order after a transfer
func WithPostProcessors(pp ...internal.PostProcessor) CoordinatorOption {
	return func(c *Coordinator) { c.postProcessors = append(c.postProcessors, pp...) }
}

// WithSleep replaces the backoff and pause sleep
func WithSleep(sleep SleepFunc) CoordinatorOption {
	return func(c *Coordinator) { c.retry.Sleep = sleep }
}

// WithCoordinatorClock injects the clock used for rate estimation
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithCoordinatorLogger sets the logger
func WithCoordinatorLogger(logger *internal.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator wires the collaborators and stores. A nil governor samples
// the host.
func NewCoordinator(
	resolver internal.MetadataResolver,
	executor internal.TransferExecutor,
	cache *MetadataCache,
	sessions *SessionStore,
	governor *ResourceGovernor,
	config CoordinatorConfig,
	opts ...CoordinatorOption,
) *Coordinator {
	if governor == nil {
		governor = NewResourceGovernor()
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.CriticalPause <= 0 {
		config.CriticalPause = DefaultCriticalPause
	}

	c := &Coordinator{
		resolver: resolver,
		executor: executor,
		cache:    cache,
		sessions: sessions,
		governor: governor,
		active:   NewActiveDownloadSet(),
		config:   config,
		retry: RetryPolicy{
			Ceiling: config.RetryCeiling,
			Base:    config.BackoffBase,
			Sleep:   ContextSleep,
		},
		now:    time.Now,
		logger: internal.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "coordinator")
	return c
}

// Active exposes the in-flight task set
func (c *Coordinator) Active() *ActiveDownloadSet {
	return c.active
}

// SubmitBatch runs every URL to a terminal state and returns results in
// submission order. One failing URL never aborts the rest. Cancelling ctx
// fails queued and in-flight tasks as cancelled and flushes the session store.
func (c *Coordinator) SubmitBatch(ctx context.Context, urls []string, opts BatchOptions) []Result {
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results
	}

	max := c.config.MaxConcurrency
	if opts.MaxConcurrency > 0 {
		max = opts.MaxConcurrency
	}
	workers := c.governor.RecommendedConcurrency(ctx, len(urls), max)
	c.logger.Info("starting batch of %d URLs with %d workers", len(urls), workers)

	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup

	for i, url := range urls {
		id := uuid.NewString()
		c.emit(opts.Observer, Event{Kind: EventState, TaskID: id, URL: url, State: StateQueued})

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = c.cancelledResult(id, url, err)
			c.emit(opts.Observer, Event{Kind: EventState, TaskID: id, URL: url, State: StateFailed, Err: results[i].Err})
			continue
		}

		wg.Add(1)
		go func(i int, id, url string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = c.runTask(ctx, id, url, opts)
		}(i, id, url)
	}

	wg.Wait()

	if ctx.Err() != nil {
		c.sessions.Flush()
	}
	return results
}

func (c *Coordinator) cancelledResult(id, url string, cause error) Result {
	return Result{
		TaskID: id,
		URL:    url,
		State:  StateFailed,
		Reason: ReasonCancelled,
		Err:    internal.NewCancelledError(url, cause),
	}
}

// task carries per-URL state through the pipeline
type task struct {
	id       string
	url      string
	observer Observer
	result   Result
	title    string
}

func (c *Coordinator) emit(observer Observer, ev Event) {
	if observer != nil {
		observer(ev)
	}
}

func (c *Coordinator) transition(t *task, state TaskState, attempt int, err error) {
	t.result.State = state
	c.emit(t.observer, Event{
		Kind:    EventState,
		TaskID:  t.id,
		URL:     t.url,
		State:   state,
		Attempt: attempt,
		Title:   t.title,
		Err:     err,
	})
}

func (c *Coordinator) runTask(ctx context.Context, id, url string, opts BatchOptions) Result {
	start := c.now()
	c.active.Add(id, url)
	defer c.active.Remove(id)

	t := &task{
		id:       id,
		url:      url,
		observer: opts.Observer,
		result:   Result{TaskID: id, URL: url, State: StateQueued},
	}
	logger := c.logger.WithField("task", id)

	c.fail(ctx, t, c.execute(ctx, t, opts, logger))
	t.result.Duration = c.now().Sub(start)

	if t.result.Success {
		logger.Info("finished %s (%d bytes, %d attempts)", url, t.result.Bytes, t.result.Attempts)
	} else {
		logger.Warn("failed %s: %s: %v", url, t.result.Reason, t.result.Err)
	}
	return t.result
}

// fail moves the task to Failed with a classified reason when err is set
func (c *Coordinator) fail(ctx context.Context, t *task, err error) {
	if err == nil {
		return
	}

	switch {
	case ctx.Err() != nil || internal.ClassifyError(err) == internal.ClassCancelled:
		t.result.Reason = ReasonCancelled
		var fetchErr *internal.FetchError
		if !errors.As(err, &fetchErr) || fetchErr.Type != internal.ErrCancelled {
			err = internal.NewCancelledError(t.url, err)
		}
		// keep the newest progress on disk for the next run
		c.sessions.Flush()
	case internal.ClassifyError(err) == internal.ClassTransient:
		t.result.Reason = ReasonTransient
	default:
		t.result.Reason = ReasonPermanent
	}

	t.result.Success = false
	t.result.Err = err
	c.transition(t, StateFailed, t.result.Attempts, err)
}

func (c *Coordinator) execute(ctx context.Context, t *task, opts BatchOptions, logger *internal.Logger) error {
	if err := c.relievePressure(ctx); err != nil {
		return err
	}

	record, err := c.resolve(ctx, t, logger)
	if err != nil {
		return err
	}
	t.result.Metadata = record
	t.title = record.DisplayName()

	path, err := c.transfer(ctx, t, record, opts, logger)
	if err != nil {
		return err
	}

	if len(c.postProcessors) > 0 {
		c.transition(t, StatePostProcessing, t.result.Attempts, nil)
		for _, pp := range c.postProcessors {
			if err := ctx.Err(); err != nil {
				return err
			}
			next, err := pp.Process(ctx, path, record)
			if err != nil {
				return fmt.Errorf("%s: %w", pp.Name(), err)
			}
			logger.Debug("%s: %s -> %s", pp.Name(), path, next)
			path = next
		}
	}

	t.result.Path = path
	t.result.Success = true
	c.sessions.Remove(t.url)
	c.transition(t, StateFinished, t.result.Attempts, nil)
	return nil
}

// resolve returns cached metadata or asks the resolver, caching only success
func (c *Coordinator) resolve(ctx context.Context, t *task, logger *internal.Logger) (*internal.MetadataRecord, error) {
	if record, ok := c.cache.Lookup(t.url); ok {
		logger.Debug("metadata cache hit for %s", t.url)
		t.result.FromCache = true
		return record, nil
	}

	c.transition(t, StateResolvingMetadata, 0, nil)
	record, err := c.resolver.Resolve(ctx, t.url)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, internal.NewFetchError(internal.ErrUnsupportedFormat, "resolver returned no metadata").WithURL(t.url)
	}

	c.cache.Store(t.url, record)
	return record, nil
}

// resumeOffset derives a start offset from a surviving session record
func resumeOffset(prior internal.SessionRecord, record *internal.MetadataRecord) int64 {
	if prior.BytesDownloaded > 0 {
		return prior.BytesDownloaded
	}
	size := prior.TotalBytes
	if size <= 0 && record != nil {
		size = record.Size
	}
	if size > 0 && prior.ProgressFraction > 0 {
		return int64(prior.ProgressFraction * float64(size))
	}
	return 0
}

func (c *Coordinator) transfer(ctx context.Context, t *task, record *internal.MetadataRecord, opts BatchOptions, logger *internal.Logger) (string, error) {
	var offset int64
	if prior, ok := c.sessions.Get(t.url); ok {
		offset = resumeOffset(prior, record)
		t.result.Resumed = offset > 0
		logger.Info("resuming %s from %.0f%% (offset %d)", t.url, prior.ProgressFraction*100, offset)
	}

	destination := c.config.OutputDir
	if opts.Destination != "" {
		destination = opts.Destination
	}
	chunk := c.governor.RecommendedChunkSize(ctx)

	estimator := NewRateEstimatorWithClock(c.now)
	var downloaded int64

	progress := func(current, total int64) {
		downloaded = current
		estimator.Record(current)

		// the store coalesces disk writes to integral percentage changes
		percent, known := Percentage(current, total)
		if known {
			c.sessions.Update(t.url, float64(current)/float64(total), current, total)
		}

		snap := estimator.Snapshot()
		ev := Event{
			Kind:         EventProgress,
			TaskID:       t.id,
			URL:          t.url,
			State:        StateTransferring,
			Attempt:      t.result.Attempts,
			Title:        t.title,
			Downloaded:   current,
			Total:        total,
			Percent:      percent,
			PercentKnown: known,
			Speed:        snap.Smoothed,
		}
		if total > 0 {
			ev.ETA, ev.ETAKnown = estimator.ETA(total-current, total)
		}
		c.emit(t.observer, ev)
	}

	var result *internal.TransferResult
	attempts, err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		t.result.Attempts = attempt
		if attempt > 1 {
			logger.Info("retrying %s (attempt %d/%d)", t.url, attempt, c.retry.Ceiling)
			if downloaded > offset {
				offset = downloaded
			}
		}
		if err := c.relievePressure(ctx); err != nil {
			return err
		}

		estimator.Reset(offset)
		c.transition(t, StateTransferring, attempt, nil)

		req := &internal.TransferRequest{
			URL:         t.url,
			Destination: destination,
			StartOffset: offset,
			ChunkSize:   chunk,
			Metadata:    record,
		}
		res, err := c.executor.Transfer(ctx, req, progress)
		if err != nil {
			logger.Debug("attempt %d for %s failed: %v", attempt, t.url, err)
			return err
		}
		result = res
		return nil
	})
	t.result.Attempts = attempts
	t.result.PeakSpeed = estimator.PeakSpeed()
	t.result.Bytes = downloaded
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", internal.NewFetchError(internal.ErrTransferFailed, "executor returned no result").WithURL(t.url)
	}
	if result.Bytes > 0 {
		t.result.Bytes = result.Bytes
	}
	if result.Resumed {
		t.result.Resumed = true
	}
	return result.Path, nil
}

// relievePressure frees reclaimable memory under high pressure and
// additionally pauses under critical pressure
func (c *Coordinator) relievePressure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	level := c.governor.Pressure(ctx)
	if level == PressureNone {
		return nil
	}

	pruned := c.cache.Prune()
	debug.FreeOSMemory()
	c.logger.Debug("memory pressure %s: pruned %d cache entries", level, pruned)

	if level == PressureCritical {
		c.logger.Warn("critical memory pressure, pausing %v", c.config.CriticalPause)
		return c.retry.Sleep(ctx, c.config.CriticalPause)
	}
	return nil
}
