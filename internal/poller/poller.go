// Package poller tracks jobs to completion by repeatedly querying a status
// source. Each tracked job runs an independent state machine with an
// adaptive interval: queries are frequent while a job is young, sparser in
// steady state, and sparse again near the end. Query errors back off
// exponentially up to a retry budget.
//
// Giving up on polling ends only the client's observation of a job, never
// the job itself. A caller that wants give-up to also cancel the job
// composes Stop with the cancellation API.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lyricdash/analysis-be/internal/jobstore"
)

var (
	// ErrAlreadyPolling is returned when Start is called for a job id that
	// is already being tracked by this poller instance.
	ErrAlreadyPolling = errors.New("job is already being polled")

	// ErrPollingExhausted means the error retry budget ran out. The
	// underlying job may still be running server-side.
	ErrPollingExhausted = errors.New("gave up polling after max error retries")

	// ErrPollingTimeout means the overall polling duration budget ran out.
	ErrPollingTimeout = errors.New("polling exceeded max duration")

	// ErrPollingStopped means Stop or StopAll ended the observation.
	ErrPollingStopped = errors.New("polling stopped")

	// ErrJobFailed is the terminal error reported when the observed job
	// itself reached a failed state.
	ErrJobFailed = errors.New("job failed")
)

// StatusFunc queries the current record for a job. Implementations may hit
// the HTTP status endpoint or read the store directly.
type StatusFunc func(ctx context.Context, jobID string) (*jobstore.Record, error)

// Callbacks holds the caller-supplied handlers. Each is independently
// optional; nil handlers are skipped. Handlers run on the poller's timer
// goroutines, never on the caller's thread.
type Callbacks struct {
	// OnProgress fires after every successful status query.
	OnProgress func(rec *jobstore.Record)
	// OnComplete fires once when the job reaches a successful terminal state.
	OnComplete func(rec *jobstore.Record)
	// OnError fires for every failed query with the running error count,
	// and once more with a terminal error if the job failed or observation
	// gave up.
	OnError func(err error, errorCount int)
}

// Options tunes one polling run
type Options struct {
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	MaxErrorRetries   int
	// MaxDuration bounds the whole observation. Zero means unbounded.
	MaxDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 2 * time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 1.5
	}
	if o.MaxErrorRetries <= 0 {
		o.MaxErrorRetries = 3
	}
	return o
}

// Outcome aggregates the terminal result of observing one job
type Outcome struct {
	JobID  string
	Record *jobstore.Record
	Err    error
}

type pollState struct {
	jobID      string
	opts       Options
	cbs        Callbacks
	ctx        context.Context
	interval   time.Duration
	errorCount int
	startTime  time.Time
	lastKnown  float64
	active     bool
	timer      *time.Timer
	onFinish   func(rec *jobstore.Record, err error)
}

// Poller tracks any number of jobs concurrently. The jobID to state
// mapping is owned by the instance, so independent pollers can coexist.
type Poller struct {
	mu     sync.Mutex
	status StatusFunc
	logger *slog.Logger
	polls  map[string]*pollState
}

// New creates a Poller querying the given status source
func New(status StatusFunc, logger *slog.Logger) *Poller {
	return &Poller{
		status: status,
		logger: logger,
		polls:  make(map[string]*pollState),
	}
}

// Start begins polling a job. The first query is scheduled after the
// initial interval; Start itself never blocks or queries.
func (p *Poller) Start(ctx context.Context, jobID string, cbs Callbacks, opts Options) error {
	return p.start(ctx, jobID, cbs, opts, nil)
}

func (p *Poller) start(ctx context.Context, jobID string, cbs Callbacks, opts Options, onFinish func(*jobstore.Record, error)) error {
	opts = opts.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.polls[jobID]; ok && existing.active {
		return ErrAlreadyPolling
	}

	st := &pollState{
		jobID:     jobID,
		opts:      opts,
		cbs:       cbs,
		ctx:       ctx,
		interval:  opts.InitialInterval,
		startTime: time.Now(),
		active:    true,
		onFinish:  onFinish,
	}
	p.polls[jobID] = st
	st.timer = time.AfterFunc(st.interval, func() { p.poll(st) })

	p.logger.Debug("Polling started",
		slog.String("job_id", jobID),
		slog.Duration("initial_interval", opts.InitialInterval),
	)

	return nil
}

// Stop immediately deactivates polling for a job. An in-flight query is
// allowed to complete but its result is discarded.
func (p *Poller) Stop(jobID string) {
	p.mu.Lock()
	st, ok := p.polls[jobID]
	if !ok || !st.active {
		p.mu.Unlock()
		return
	}
	st.active = false
	st.timer.Stop()
	delete(p.polls, jobID)
	p.mu.Unlock()

	p.logger.Debug("Polling stopped", slog.String("job_id", jobID))

	if st.onFinish != nil {
		st.onFinish(nil, ErrPollingStopped)
	}
}

// StopAll deactivates every tracked job
func (p *Poller) StopAll() {
	p.mu.Lock()
	stopped := make([]*pollState, 0, len(p.polls))
	for id, st := range p.polls {
		if st.active {
			st.active = false
			st.timer.Stop()
			stopped = append(stopped, st)
		}
		delete(p.polls, id)
	}
	p.mu.Unlock()

	for _, st := range stopped {
		if st.onFinish != nil {
			st.onFinish(nil, ErrPollingStopped)
		}
	}
}

// Active reports whether a job is currently being polled
func (p *Poller) Active(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.polls[jobID]
	return ok && st.active
}

// PollAll polls a set of jobs concurrently and blocks until every one
// reaches a terminal state or its observation ends. Outcomes are keyed by
// job id.
func (p *Poller) PollAll(ctx context.Context, jobIDs []string, cbs Callbacks, opts Options) (map[string]Outcome, error) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	outcomes := make(map[string]Outcome, len(jobIDs))

	for _, jobID := range jobIDs {
		wg.Add(1)
		id := jobID
		err := p.start(ctx, id, cbs, opts, func(rec *jobstore.Record, err error) {
			mu.Lock()
			outcomes[id] = Outcome{JobID: id, Record: rec, Err: err}
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			mu.Lock()
			outcomes[id] = Outcome{JobID: id, Err: err}
			mu.Unlock()
			wg.Done()
		}
	}

	wg.Wait()
	return outcomes, nil
}

// poll runs one scheduled query for a job
func (p *Poller) poll(st *pollState) {
	p.mu.Lock()
	if !st.active {
		p.mu.Unlock()
		return
	}
	if st.opts.MaxDuration > 0 && time.Since(st.startTime) > st.opts.MaxDuration {
		p.deactivateLocked(st)
		p.mu.Unlock()
		p.finish(st, nil, ErrPollingTimeout, true)
		return
	}
	p.mu.Unlock()

	rec, err := p.status(st.ctx, st.jobID)

	p.mu.Lock()
	if !st.active {
		// Stopped while the query was in flight; discard the result.
		p.mu.Unlock()
		return
	}

	if err != nil {
		st.errorCount++
		count := st.errorCount
		exhausted := count >= st.opts.MaxErrorRetries
		if exhausted {
			p.deactivateLocked(st)
		} else {
			st.interval = retryInterval(st.interval, st.opts)
			st.timer = time.AfterFunc(st.interval, func() { p.poll(st) })
		}
		p.mu.Unlock()

		p.logger.Warn("Status query failed",
			slog.String("job_id", st.jobID),
			slog.Int("error_count", count),
			slog.Any("error", err),
		)

		if st.cbs.OnError != nil {
			st.cbs.OnError(err, count)
		}
		if exhausted {
			p.finish(st, nil, ErrPollingExhausted, false)
		}
		return
	}

	st.errorCount = 0
	st.lastKnown = rec.Progress
	terminal := recordTerminal(rec)
	if terminal {
		p.deactivateLocked(st)
	} else {
		st.interval = intervalFor(rec.Progress, st.opts)
		st.timer = time.AfterFunc(st.interval, func() { p.poll(st) })
	}
	p.mu.Unlock()

	if st.cbs.OnProgress != nil {
		st.cbs.OnProgress(rec)
	}

	if terminal {
		if failed, cause := recordFailed(rec); failed {
			p.finish(st, rec, fmt.Errorf("%w: %s", ErrJobFailed, cause), true)
		} else {
			if st.cbs.OnComplete != nil {
				st.cbs.OnComplete(rec)
			}
			p.finish(st, rec, nil, false)
		}
	}
}

// deactivateLocked removes the job from the active set; p.mu must be held
func (p *Poller) deactivateLocked(st *pollState) {
	st.active = false
	delete(p.polls, st.jobID)
}

// finish delivers the terminal notification exactly once
func (p *Poller) finish(st *pollState, rec *jobstore.Record, err error, callOnError bool) {
	if err != nil && callOnError && st.cbs.OnError != nil {
		st.cbs.OnError(err, st.errorCount)
	}
	if st.onFinish != nil {
		st.onFinish(rec, err)
	}
}
