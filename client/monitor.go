package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// JobAPI is the slice of the server API the monitor polls. *Client
// implements it; tests substitute fakes.
type JobAPI interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit, offset int) (*JobList, error)
}

// TrackedJob is the monitor's view of one in-flight job. Values returned by
// Jobs are snapshots; the live state never leaves the monitor.
type TrackedJob struct {
	JobID      string
	Type       string
	Meta       map[string]string
	StartTime  time.Time
	PollCount  int
	LastPoll   time.Time
	LastStatus Status
}

// MonitorOptions tunes the polling protocol. Zero fields fall back to the
// production defaults noted per field, so tests can scale the whole protocol
// down to milliseconds.
type MonitorOptions struct {
	// PollInterval is the default gap between polls of one job (3s).
	PollInterval time.Duration
	// FastPollInterval applies once a job has been observed processing more
	// than FastPollThreshold consecutive times (1.5s after 5 polls).
	FastPollInterval  time.Duration
	FastPollThreshold int
	// FloorPollInterval is the steady-state cadence for long runs and the
	// hard lower bound on any poll gap (1s, after FloorPollThreshold=10).
	FloorPollInterval  time.Duration
	FloorPollThreshold int

	// Retry backs off consecutive poll failures (2s × 1.5^(n-1), cap 10s).
	// The poller never gives up on its own; a failure only stretches the
	// next delay.
	Retry Backoff

	// ReconcileInterval is the gap between authoritative list fetches (10s).
	ReconcileInterval time.Duration
	// ReconcileMinGap skips a pass when the previous one ran more recently
	// than this (1s); it matters when Refresh pokes passes in bursts.
	ReconcileMinGap time.Duration
	// FreshnessWindow skips a pass while any tracked job was individually
	// polled this recently; per-job polls carry fresher data than a full
	// list (30s).
	FreshnessWindow time.Duration
	// PreservationWindow keeps a job tracked though absent from the list
	// while its tracking is younger than this, bridging the store's
	// read-after-write lag (30s).
	PreservationWindow time.Duration
	// ReconcileLimit is the list page size for a pass (100). One page per
	// pass; jobs beyond it look absent to reconciliation.
	ReconcileLimit int

	// Logger receives monitor diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.FastPollInterval <= 0 {
		o.FastPollInterval = 1500 * time.Millisecond
	}
	if o.FastPollThreshold <= 0 {
		o.FastPollThreshold = 5
	}
	if o.FloorPollInterval <= 0 {
		o.FloorPollInterval = time.Second
	}
	if o.FloorPollThreshold <= 0 {
		o.FloorPollThreshold = 10
	}
	if o.Retry == (Backoff{}) {
		o.Retry = DefaultBackoff()
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 10 * time.Second
	}
	if o.ReconcileMinGap <= 0 {
		o.ReconcileMinGap = time.Second
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 30 * time.Second
	}
	if o.PreservationWindow <= 0 {
		o.PreservationWindow = 30 * time.Second
	}
	if o.ReconcileLimit <= 0 {
		o.ReconcileLimit = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// cadence returns the gap before the next poll of a job, given how many
// consecutive polls have seen it processing. The schedule accelerates as a
// run keeps going: a long analysis mid-flight is exactly when the caller is
// watching the progress bar. Never faster than the floor.
func (o MonitorOptions) cadence(consecutiveProcessing int) time.Duration {
	d := o.PollInterval
	switch {
	case consecutiveProcessing > o.FloorPollThreshold:
		d = o.FloorPollInterval
	case consecutiveProcessing > o.FastPollThreshold:
		d = o.FastPollInterval
	}
	if d < o.FloorPollInterval {
		d = o.FloorPollInterval
	}
	return d
}

// Monitor watches a set of jobs through the polling API and raises exactly
// one notification per job when it reaches a terminal state.
//
// All tracking state lives in one actor goroutine; per-job pollers and the
// reconcile loop hand it mutations over a command channel and never touch
// the map themselves. That single-writer layout is what makes the
// exactly-once notification guarantee structural rather than best-effort:
// whichever observation path reports a terminal state first deletes the
// entry, and every later report finds nothing to notify about.
type Monitor struct {
	api      JobAPI
	notifier Notifier
	opts     MonitorOptions
	log      *slog.Logger

	cmds    chan func(*monitorState)
	refresh chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// monitorState is owned exclusively by the run goroutine.
type monitorState struct {
	tracked map[string]*trackedEntry
	// notified remembers jobs whose notification already fired, so a stale
	// list page cannot resurrect them into tracking and notify twice.
	notified      map[string]time.Time
	lastReconcile time.Time
}

type trackedEntry struct {
	TrackedJob
	cancel context.CancelFunc
}

// NewMonitor starts a monitor over the given API. Jobs enter tracking either
// through Track right after creation or through the reconcile loop's list
// fetches; Close tears everything down. A nil notifier logs outcomes through
// LogNotifier.
func NewMonitor(api JobAPI, notifier Notifier, opts MonitorOptions) *Monitor {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = LogNotifier{Logger: opts.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		api:      api,
		notifier: notifier,
		opts:     opts,
		log:      opts.Logger,
		cmds:     make(chan func(*monitorState)),
		refresh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.wg.Add(2)
	go m.run()
	go m.reconcileLoop()
	return m
}

// Track registers a job for monitoring the moment it is created, without
// waiting for it to surface in the authoritative list. meta carries display
// fields for notifications, e.g. {"document": "lease-2024.pdf"}. Tracking
// the same job twice is a no-op.
func (m *Monitor) Track(jobID, jobType string, meta map[string]string) {
	meta = cloneMeta(meta)
	m.send(func(s *monitorState) {
		m.track(s, jobID, jobType, meta, time.Now())
	})
}

// Refresh pokes the reconcile loop to run a pass now instead of on the next
// tick. The pass is still subject to the min-gap and freshness skips.
func (m *Monitor) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Jobs returns a snapshot of the tracked jobs, oldest tracking first. After
// Close it returns nil.
func (m *Monitor) Jobs() []TrackedJob {
	out := make(chan []TrackedJob, 1)
	if !m.send(func(s *monitorState) {
		jobs := make([]TrackedJob, 0, len(s.tracked))
		for _, e := range s.tracked {
			tj := e.TrackedJob
			tj.Meta = cloneMeta(tj.Meta)
			jobs = append(jobs, tj)
		}
		sort.Slice(jobs, func(i, k int) bool {
			if jobs[i].StartTime.Equal(jobs[k].StartTime) {
				return jobs[i].JobID < jobs[k].JobID
			}
			return jobs[i].StartTime.Before(jobs[k].StartTime)
		})
		out <- jobs
	}) {
		return nil
	}
	select {
	case jobs := <-out:
		return jobs
	case <-m.ctx.Done():
		return nil
	}
}

// Close cancels the reconcile loop and every per-job poller and forgets all
// tracked jobs. No notification fires for jobs abandoned this way. Stopping
// the monitor never affects server-side execution; it only stops watching.
func (m *Monitor) Close() {
	m.closeOnce.Do(m.cancel)
	m.wg.Wait()
}

// send hands a mutation to the actor. It reports false when the monitor is
// closing and the command was dropped.
func (m *Monitor) send(fn func(*monitorState)) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// run is the actor: the only goroutine that reads or writes monitorState.
func (m *Monitor) run() {
	defer m.wg.Done()

	s := &monitorState{
		tracked:  make(map[string]*trackedEntry),
		notified: make(map[string]time.Time),
	}
	for {
		select {
		case <-m.ctx.Done():
			for _, e := range s.tracked {
				e.cancel()
			}
			clear(s.tracked)
			return
		case fn := <-m.cmds:
			fn(s)
		}
	}
}

// track starts individual monitoring for one job. Actor context only.
func (m *Monitor) track(s *monitorState, jobID, jobType string, meta map[string]string, start time.Time) {
	if m.ctx.Err() != nil {
		return
	}
	if _, ok := s.tracked[jobID]; ok {
		return
	}
	if _, done := s.notified[jobID]; done {
		return
	}

	pollCtx, cancel := context.WithCancel(m.ctx)
	s.tracked[jobID] = &trackedEntry{
		TrackedJob: TrackedJob{JobID: jobID, Type: jobType, Meta: meta, StartTime: start},
		cancel:     cancel,
	}
	m.wg.Add(1)
	go m.pollJob(pollCtx, jobID)
	m.log.Debug("tracking job", "job_id", jobID, "type", jobType)
}

// recordPoll notes a successful poll observation. Actor context only.
func (m *Monitor) recordPoll(s *monitorState, jobID string, at time.Time, status Status) {
	e, ok := s.tracked[jobID]
	if !ok {
		return
	}
	e.PollCount++
	e.LastPoll = at
	e.LastStatus = status
}

// finish retires a tracked job with its terminal record and fires the single
// notification. A job no longer in the map was already notified or dropped,
// so a second terminal report does nothing. Actor context only.
func (m *Monitor) finish(s *monitorState, jobID string, j *Job) {
	e, ok := s.tracked[jobID]
	if !ok {
		return
	}
	delete(s.tracked, jobID)
	e.cancel()
	s.notified[jobID] = time.Now()

	n := successNotification(e.TrackedJob)
	if j.Status == StatusFailed {
		n = failureNotification(e.TrackedJob, j.Error)
	}
	m.notifier.Notify(n)
	m.log.Info("job finished", "job_id", jobID, "status", j.Status, "polls", e.PollCount)
}

// shouldReconcile decides whether a pass may start now and, when it may,
// records the pass. Runs in the actor so it sees the freshest LastPoll
// values. Actor context only.
func (m *Monitor) shouldReconcile(s *monitorState, now time.Time) bool {
	if !s.lastReconcile.IsZero() && now.Sub(s.lastReconcile) < m.opts.ReconcileMinGap {
		return false
	}
	for _, e := range s.tracked {
		if !e.LastPoll.IsZero() && now.Sub(e.LastPoll) < m.opts.FreshnessWindow {
			return false
		}
	}
	s.lastReconcile = now
	return true
}

// applyReconcile merges one authoritative list page into the tracked set:
// unknown active jobs begin individual monitoring, and tracked jobs missing
// from the page are dropped once their tracking is old enough that the
// store's read-after-write lag cannot explain the absence. Dropping never
// notifies. Actor context only.
func (m *Monitor) applyReconcile(s *monitorState, page *JobList, now time.Time) {
	// Notification tombstones older than the preservation window can go: by
	// then the list reflects the terminal state and cannot resurrect the job.
	for id, at := range s.notified {
		if now.Sub(at) > m.opts.PreservationWindow {
			delete(s.notified, id)
		}
	}

	listed := make(map[string]bool, len(page.Jobs))
	for _, j := range page.Jobs {
		listed[j.ID] = true
		if j.Status.IsTerminal() {
			continue
		}
		m.track(s, j.ID, j.Type, nil, now)
	}

	for id, e := range s.tracked {
		if listed[id] {
			continue
		}
		if now.Sub(e.StartTime) <= m.opts.PreservationWindow {
			continue
		}
		e.cancel()
		delete(s.tracked, id)
		m.log.Debug("dropped job absent from list", "job_id", id, "tracked_for", now.Sub(e.StartTime))
	}
}

// reconcileLoop periodically reconciles the tracked set against the server's
// job list. The list fetch happens here, outside the actor, so a slow or
// failing call never stalls command processing.
func (m *Monitor) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.refresh:
		}
		m.reconcileOnce()
	}
}

func (m *Monitor) reconcileOnce() {
	allowed := make(chan bool, 1)
	now := time.Now()
	if !m.send(func(s *monitorState) { allowed <- m.shouldReconcile(s, now) }) {
		return
	}
	select {
	case ok := <-allowed:
		if !ok {
			return
		}
	case <-m.ctx.Done():
		return
	}

	page, err := m.api.ListJobs(m.ctx, m.opts.ReconcileLimit, 0)
	if err != nil {
		if m.ctx.Err() == nil {
			m.log.Warn("reconcile list failed", "error", err)
		}
		return
	}
	m.send(func(s *monitorState) { m.applyReconcile(s, page, time.Now()) })
}

// pollJob drives one job's polling loop. It owns its cadence and failure
// counters; everything shared lives with the actor. The loop exits only when
// it observes a terminal state or its context is cancelled; a transport error
// just stretches the next delay.
func (m *Monitor) pollJob(ctx context.Context, jobID string) {
	defer m.wg.Done()

	var processing int // consecutive polls that saw status=processing
	var failures int   // consecutive poll errors

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		j, err := m.api.GetJob(ctx, jobID)
		now := time.Now()

		var delay time.Duration
		switch {
		case err == nil && j.Status.IsTerminal():
			m.send(func(s *monitorState) { m.finish(s, jobID, j) })
			return
		case err == nil:
			failures = 0
			if j.Status == StatusProcessing {
				processing++
			} else {
				processing = 0
			}
			delay = m.opts.cadence(processing)
			status := j.Status
			m.send(func(s *monitorState) { m.recordPoll(s, jobID, now, status) })
		case errors.Is(err, ErrNotFound):
			// Clean miss: the record has not surfaced yet (read-after-write
			// lag) or was deleted behind our back. Keep polling at the flat
			// cadence; only reconciliation or Close retires the entry.
			failures = 0
			processing = 0
			delay = m.opts.cadence(0)
			m.send(func(s *monitorState) { m.recordPoll(s, jobID, now, "") })
		case ctx.Err() != nil:
			return
		default:
			failures++
			delay = m.opts.Retry.Delay(failures)
			m.log.Warn("job poll failed, backing off",
				"job_id", jobID, "consecutive_failures", failures, "retry_in", delay, "error", err)
		}
		timer.Reset(delay)
	}
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	c := make(map[string]string, len(meta))
	for k, v := range meta {
		c[k] = v
	}
	return c
}
