package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/retry"
	"github.com/orrn/posqueue/internal/store"
)

type PrintDeps struct {
	Store     *store.Store
	Sender    Sender
	Renderers *Renderers
	Bus       *events.Bus
	Logger    *slog.Logger
}

type PrintOptions struct {
	Policy        retry.Policy
	MaxConcurrent int
	PollInterval  time.Duration
}

type QueueState struct {
	Queued   int `json:"queued"`
	Retry    int `json:"retry"`
	Printing int `json:"printing"`
	Total    int `json:"total"`
}

type PrintState struct {
	Running       bool                  `json:"isRunning"`
	Active        int                   `json:"activeJobs"`
	MaxConcurrent int                   `json:"maxConcurrent"`
	Queues        map[string]QueueState `json:"queues"`
	TotalPending  int                   `json:"totalPending"`
}

// PrintScheduler keeps one persisted queue per destination and prints jobs
// with bounded concurrency.
type PrintScheduler struct {
	store         *store.Store
	sender        Sender
	renderers     *Renderers
	bus           *events.Bus
	logger        *slog.Logger
	policy        retry.Policy
	maxConcurrent int
	pollInterval  time.Duration
	now           func() time.Time

	sem  *semaphore.Weighted
	wake chan struct{}

	mu      sync.Mutex
	queues  map[string][]*PrintJob
	busy    map[string]bool
	seq     uint64
	running bool
	active  int
	timers  map[string]*time.Timer
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPrintScheduler(deps PrintDeps, opts PrintOptions) *PrintScheduler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Renderers == nil {
		deps.Renderers = DefaultRenderers()
	}
	if opts.Policy.MaxRetries == 0 {
		opts.Policy = retry.PrintDefaults()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &PrintScheduler{
		store:         deps.Store,
		sender:        deps.Sender,
		renderers:     deps.Renderers,
		bus:           deps.Bus,
		logger:        deps.Logger.With("component", "print"),
		policy:        opts.Policy,
		maxConcurrent: opts.MaxConcurrent,
		pollInterval:  opts.PollInterval,
		now:           time.Now,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:          make(chan struct{}, 1),
		queues:        make(map[string][]*PrintJob),
		busy:          make(map[string]bool),
		timers:        make(map[string]*time.Timer),
		runCtx:        runCtx,
		cancel:        cancel,
	}
}

// Start loads the persisted queues and resumes printing if anything is left.
// Jobs interrupted mid-print are queued again; retry jobs wait out their
// backoff first. A stopped scheduler can be started again.
func (s *PrintScheduler) Start(ctx context.Context) error {
	loaded, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load print queue: %w", err)
	}

	s.mu.Lock()
	if s.runCtx.Err() != nil {
		s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	s.stopped = false
	for dest, jobs := range loaded {
		for _, j := range jobs {
			if findJob(s.queues[dest], j.ID) == nil {
				s.queues[dest] = insertJob(s.queues[dest], j)
			}
		}
	}
	for _, q := range s.queues {
		for _, j := range q {
			if j.Seq > s.seq {
				s.seq = j.Seq
			}
			switch j.Status {
			case JobPrinting, "":
				if !s.busy[j.slot()] {
					j.Status = JobQueued
				}
			case JobRetry:
				if _, armed := s.timers[j.ID]; !armed {
					s.armRetryLocked(j, s.policy.Delay(j.Retries))
				}
			}
		}
	}
	perr := s.persistLocked(ctx, nil)
	pending := pendingJobs(s.queues)
	s.mu.Unlock()

	s.persistFailed(perr)
	if pending > 0 {
		s.logger.Info("resuming persisted print jobs", "pending", pending)
	}
	s.ensureRunning()
	return nil
}

func (s *PrintScheduler) load(ctx context.Context) (map[string][]*PrintJob, error) {
	dests, err := s.store.Keys(ctx, store.CollectionPrintJobs)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]*PrintJob, len(dests))
	for _, dest := range dests {
		var jobs []*PrintJob
		if err := s.store.Get(ctx, store.CollectionPrintJobs, dest, &jobs); err != nil {
			return nil, err
		}
		out[dest] = jobs
	}
	return out, nil
}

// Stop halts the loop and waits for in-flight sends. Interrupted jobs go back
// to queued without using up a retry.
func (s *PrintScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// AddPrintJob renders order for each destination and queues the non-empty
// tickets. It returns the new job ids; printing happens in the background.
func (s *PrintScheduler) AddPrintJob(ctx context.Context, order *Order, destinations []string) ([]string, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if len(destinations) == 0 {
		destinations = DefaultDestinations
	}

	now := s.now()
	var jobs []*PrintJob
	for _, dest := range destinations {
		payload, ok, err := s.renderers.Render(dest, order)
		if errors.Is(err, ErrUnknownDestination) {
			s.logger.Warn("no renderer for destination", "destination", dest, "order", order.Order.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("nothing to print", "destination", dest, "order", order.Order.ID)
			continue
		}
		jobs = append(jobs, &PrintJob{
			ID:          uuid.NewString(),
			OrderID:     order.Order.ID,
			Destination: dest,
			Payload:     payload,
			Status:      JobQueued,
			Priority:    PrintPriority(dest),
			CreatedAt:   now,
			Attempts:    []Attempt{},
		})
	}

	ids := make([]string, len(jobs))
	s.mu.Lock()
	for i, j := range jobs {
		s.seq++
		j.Seq = s.seq
		s.queues[j.Destination] = insertJob(s.queues[j.Destination], j)
		ids[i] = j.ID
	}
	var perr error
	if len(jobs) > 0 {
		perr = s.persistLocked(ctx, nil)
	}
	s.mu.Unlock()

	s.persistFailed(perr)
	s.logger.Info("print jobs queued", "order", order.Order.ID, "jobs", len(ids))
	s.bus.Publish(events.TopicPrintQueued, events.PrintQueued{OrderID: order.Order.ID, JobIDs: ids})
	s.bus.Notify(events.LevelInfo, "Print System",
		fmt.Sprintf("Queued %d print jobs for Order #%s", len(ids), order.Order.ID), "")

	s.ensureRunning()
	return ids, nil
}

// ensureRunning moves the scheduler from idle to running when there is work,
// or nudges a running loop.
func (s *PrintScheduler) ensureRunning() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.signal()
		return
	}
	if s.stopped || pendingJobs(s.queues) == 0 {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("print scheduler started")
	s.bus.Publish(events.TopicPrintScheduler, events.SchedulerState{Running: true})
	s.bus.Notify(events.LevelInfo, "Print System", "Print scheduler started", "")

	go s.loop(ctx)
}

func (s *PrintScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PrintScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)

		s.mu.Lock()
		done := ctx.Err() != nil || (pendingJobs(s.queues) == 0 && s.active == 0)
		if done {
			s.running = false
		}
		s.mu.Unlock()

		if done {
			s.logger.Info("print scheduler stopped")
			s.bus.Publish(events.TopicPrintScheduler, events.SchedulerState{Running: false})
			if ctx.Err() == nil {
				s.bus.Notify(events.LevelInfo, "Print System", "Print scheduler stopped - all jobs completed", "")
			}
			return
		}

		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts queued jobs until the concurrency limit is reached.
func (s *PrintScheduler) dispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler panicked", "panic", fmt.Sprint(r))
			s.bus.Notify(events.LevelError, "Print System Error", "Scheduler encountered an error", fmt.Sprint(r))
		}
	}()

	for ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return
		}

		s.mu.Lock()
		j := nextJob(s.queues, s.busy)
		if j == nil {
			s.mu.Unlock()
			s.sem.Release(1)
			return
		}
		j.Status = JobPrinting
		s.busy[j.slot()] = true
		s.active++
		job := *j
		perr := s.persistLocked(ctx, nil)
		s.wg.Add(1)
		s.mu.Unlock()

		s.persistFailed(perr)
		s.logger.Debug("printing", "job", job.ID, "order", job.OrderID, "destination", job.Destination)
		go s.process(ctx, job)
	}
}

func (s *PrintScheduler) process(ctx context.Context, job PrintJob) {
	defer s.wg.Done()

	err := s.send(ctx, &job)

	s.mu.Lock()
	s.active--
	delete(s.busy, job.slot())
	j := findJob(s.queues[job.Destination], job.ID)
	if j == nil {
		s.mu.Unlock()
		s.sem.Release(1)
		return
	}

	var (
		outcome  string
		terminal bool
		perr     error
	)
	switch {
	case err == nil:
		outcome = "completed"
		j.Status = JobCompleted
		s.queues[job.Destination] = removeJob(s.queues[job.Destination], job.ID)
		perr = s.persistLocked(ctx, nil)
	case ctx.Err() != nil:
		outcome = "interrupted"
		j.Status = JobQueued
		perr = s.persistLocked(ctx, nil)
	default:
		outcome = "failed"
		terminal = applyPrintFailure(j, err, s.policy, s.now())
		if terminal {
			s.queues[job.Destination] = removeJob(s.queues[job.Destination], job.ID)
			perr = s.persistLocked(ctx, j)
		} else {
			s.armRetryLocked(j, s.policy.Delay(j.Retries))
			perr = s.persistLocked(ctx, nil)
		}
	}
	snapshot := *j
	s.mu.Unlock()

	s.sem.Release(1)
	s.persistFailed(perr)

	switch outcome {
	case "completed":
		s.logger.Info("print completed", "job", job.ID, "order", job.OrderID, "destination", job.Destination)
		s.bus.Publish(events.TopicPrintSucceeded, jobEvent(&snapshot, ""))
		s.bus.Notify(events.LevelSuccess, "Print System",
			fmt.Sprintf("Print completed: Order #%s (%s)", job.OrderID, job.Destination), "")
	case "interrupted":
		s.logger.Info("print interrupted, job requeued", "job", job.ID)
	default:
		s.reportFailure(&snapshot, err, terminal)
	}
	s.signal()
}

// send calls the sender and turns a panic into an ordinary failure.
func (s *PrintScheduler) send(ctx context.Context, job *PrintJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	if s.sender == nil {
		return errors.New("no print sender configured")
	}
	return s.sender.Send(ctx, job)
}

func (s *PrintScheduler) reportFailure(j *PrintJob, cause error, terminal bool) {
	if terminal {
		s.logger.Error("print job failed permanently",
			"job", j.ID, "order", j.OrderID, "destination", j.Destination, "retries", j.Retries, "error", cause)
		s.bus.Publish(events.TopicPrintFailed, jobEvent(j, cause.Error()))
		s.bus.Notify(events.LevelError, "Print System Error",
			fmt.Sprintf("Print job failed permanently: Order #%s", j.OrderID),
			fmt.Sprintf("Failed after %d attempts: %v", j.Retries, cause))
		return
	}

	s.logger.Warn("print job will retry",
		"job", j.ID, "order", j.OrderID, "destination", j.Destination, "retries", j.Retries, "error", cause)
	s.bus.Publish(events.TopicPrintRetrying, jobEvent(j, cause.Error()))
	s.bus.Notify(events.LevelWarning, "Print System Warning",
		fmt.Sprintf("Print job retrying: Order #%s (attempt %d)", j.OrderID, j.Retries+1), cause.Error())
}

func jobEvent(j *PrintJob, errMsg string) events.PrintJobEvent {
	return events.PrintJobEvent{
		JobID:       j.ID,
		OrderID:     j.OrderID,
		Destination: j.Destination,
		Retries:     j.Retries,
		Error:       errMsg,
	}
}

// armRetryLocked re-inserts j as queued once delay has passed.
func (s *PrintScheduler) armRetryLocked(j *PrintJob, delay time.Duration) {
	if s.stopped {
		return
	}
	id, dest := j.ID, j.Destination
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		job := findJob(s.queues[dest], id)
		if job == nil || job.Status != JobRetry {
			s.mu.Unlock()
			return
		}
		s.queues[dest] = removeJob(s.queues[dest], id)
		job.Status = JobQueued
		s.queues[dest] = insertJob(s.queues[dest], job)
		perr := s.persistLocked(s.runCtx, nil)
		s.mu.Unlock()

		s.persistFailed(perr)
		s.ensureRunning()
	})
}

// persistLocked writes every destination queue, and failed when a job just
// became terminal, in one batch. The caller holds s.mu.
func (s *PrintScheduler) persistLocked(ctx context.Context, failed *PrintJob) error {
	return s.store.Update(context.WithoutCancel(ctx), func(b *store.Batch) error {
		for dest, q := range s.queues {
			if err := b.Put(store.CollectionPrintJobs, dest, q); err != nil {
				return err
			}
		}
		if failed != nil {
			return b.Put(store.CollectionPrintFailures, failed.ID, failed)
		}
		return nil
	})
}

func (s *PrintScheduler) persistFailed(err error) {
	if err == nil {
		return
	}
	s.logger.Error("failed to persist print queue", "error", err)
	s.bus.Notify(events.LevelError, "Print System Error", "Failed to save print queue", err.Error())
}

// State is a snapshot of the scheduler and its queues.
func (s *PrintScheduler) State() PrintState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := PrintState{
		Running:       s.running,
		Active:        s.active,
		MaxConcurrent: s.maxConcurrent,
		Queues:        make(map[string]QueueState, len(s.queues)),
		TotalPending:  pendingJobs(s.queues),
	}
	for dest, q := range s.queues {
		var qs QueueState
		for _, j := range q {
			switch j.Status {
			case JobQueued:
				qs.Queued++
			case JobRetry:
				qs.Retry++
			case JobPrinting:
				qs.Printing++
			}
		}
		qs.Total = len(q)
		st.Queues[dest] = qs
	}
	return st
}

// Jobs returns copies of every non-terminal job, ordered by destination then
// queue position.
func (s *PrintScheduler) Jobs() []PrintJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	dests := make([]string, 0, len(s.queues))
	for d := range s.queues {
		dests = append(dests, d)
	}
	sort.Strings(dests)

	var out []PrintJob
	for _, d := range dests {
		for _, j := range s.queues[d] {
			out = append(out, *j)
		}
	}
	return out
}

// Failed lists jobs that exhausted their retries and await a manual reprint.
func (s *PrintScheduler) Failed(ctx context.Context) ([]PrintJob, error) {
	keys, err := s.store.Keys(ctx, store.CollectionPrintFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed print jobs: %w", err)
	}

	out := make([]PrintJob, 0, len(keys))
	for _, key := range keys {
		var j PrintJob
		if err := s.store.Get(ctx, store.CollectionPrintFailures, key, &j); err != nil {
			return nil, fmt.Errorf("failed to load print job %s: %w", key, err)
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// Reprint queues a failed job again with a clean retry budget. The failure
// record is read and removed under the scheduler lock, so concurrent reprints
// of one job queue it once.
func (s *PrintScheduler) Reprint(ctx context.Context, jobID string) (*PrintJob, error) {
	s.mu.Lock()
	var j PrintJob
	err := s.store.Get(ctx, store.CollectionPrintFailures, jobID, &j)
	if err == nil && findJob(s.queues[j.Destination], j.ID) != nil {
		err = store.ErrNotFound
	}
	if errors.Is(err, store.ErrNotFound) {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to load print job: %w", err)
	}

	s.seq++
	resetForReprint(&j, s.seq)
	s.queues[j.Destination] = insertJob(s.queues[j.Destination], &j)
	perr := s.store.Update(context.WithoutCancel(ctx), func(b *store.Batch) error {
		b.Delete(store.CollectionPrintFailures, j.ID)
		return b.Put(store.CollectionPrintJobs, j.Destination, s.queues[j.Destination])
	})
	out := j
	s.mu.Unlock()

	s.persistFailed(perr)
	s.logger.Info("reprinting job", "job", j.ID, "order", j.OrderID, "destination", j.Destination)
	s.bus.Publish(events.TopicPrintQueued, events.PrintQueued{OrderID: j.OrderID, JobIDs: []string{j.ID}})
	s.ensureRunning()
	return &out, nil
}
