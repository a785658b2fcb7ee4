package relaysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100

	defaultWorkers        = 4
	defaultJobTimeout     = 2 * time.Minute
	defaultRequeueDelay   = 5 * time.Second
	defaultStoreRetryWait = time.Minute
)

type EngineOptions struct {
	Store    BackingStore
	Queue    JobQueue
	Remote   RemoteProvider
	Sink     EventSink
	Governor *PeakGovernor
	Clock    Clock
	Logger   zerolog.Logger

	Workers      int
	JobQueueSize int
	JobTimeout   time.Duration
	// MetricsTTL is the probe cache lifetime. Zero uses 30s and a negative
	// value disables the cache.
	MetricsTTL time.Duration
	ItemSchema string

	PhaseTwoDelay   time.Duration
	PhaseThreeDelay time.Duration
	BatchDelay      time.Duration

	BackendProfile string
	NewID          func() string
	// DisableWorkers leaves the queue to be drained by the caller.
	DisableWorkers bool
}

type armedTimer struct {
	timer  Timer
	nextAt time.Time
}

// Engine owns the recurring timers, the worker pool and the per-pair locks of
// the sync engine.
type Engine struct {
	store     BackingStore
	queue     JobQueue
	remote    RemoteProvider
	sink      EventSink
	governor  *PeakGovernor
	clock     Clock
	logger    zerolog.Logger
	probe     *MetricsProbe
	validator *itemValidator
	locks     *pairLocks
	newID     func() string

	workers         int
	jobTimeout      time.Duration
	phaseTwoDelay   time.Duration
	phaseThreeDelay time.Duration
	batchDelay      time.Duration
	backendProfile  string

	mu            sync.Mutex
	timers        map[string]*armedTimer
	continuations map[string]map[string]Timer
	sessions      map[string]string
	running       map[string]int
	started       bool
	stopped       bool

	workerCtx    context.Context
	workerCancel context.CancelFunc
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote provider is required", ErrInvalidInput)
	}
	validator, err := newItemValidator(opts.ItemSchema)
	if err != nil {
		return nil, err
	}
	store := opts.Store
	if store == nil {
		store = NewInMemoryBackingStore()
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryJobQueue(opts.JobQueueSize)
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	governor := opts.Governor
	if governor == nil {
		governor = NewPeakGovernor(DefaultPeakWindow())
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	metricsTTL := opts.MetricsTTL
	if metricsTTL == 0 {
		metricsTTL = defaultMetricsTTL
	}
	phaseTwoDelay := opts.PhaseTwoDelay
	if phaseTwoDelay <= 0 {
		phaseTwoDelay = defaultPhaseTwoDelay
	}
	phaseThreeDelay := opts.PhaseThreeDelay
	if phaseThreeDelay <= 0 {
		phaseThreeDelay = defaultPhaseThreeDelay
	}
	batchDelay := opts.BatchDelay
	if batchDelay <= 0 {
		batchDelay = defaultBatchDelay
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	backendProfile := strings.ToLower(strings.TrimSpace(opts.BackendProfile))
	if backendProfile == "" {
		backendProfile = "custom"
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:           store,
		queue:           queue,
		remote:          opts.Remote,
		sink:            opts.Sink,
		governor:        governor,
		clock:           clock,
		logger:          opts.Logger,
		probe:           NewMetricsProbe(opts.Remote, metricsTTL),
		validator:       validator,
		locks:           newPairLocks(),
		newID:           newID,
		workers:         workers,
		jobTimeout:      jobTimeout,
		phaseTwoDelay:   phaseTwoDelay,
		phaseThreeDelay: phaseThreeDelay,
		batchDelay:      batchDelay,
		backendProfile:  backendProfile,
		timers:          map[string]*armedTimer{},
		continuations:   map[string]map[string]Timer{},
		sessions:        map[string]string{},
		running:         map[string]int{},
		workerCtx:       workerCtx,
		workerCancel:    workerCancel,
	}
	if opts.DisableWorkers {
		return e, nil
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer e.wg.Done()
			e.worker()
		}()
	}
	return e, nil
}

func (e *Engine) Governor() *PeakGovernor {
	return e.governor
}

// Start arms a timer for every enabled schedule at its stored nextSyncAt.
// Calling it again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}
	now := e.clock.Now()
	for _, schedule := range schedules {
		at := now
		if schedule.NextSyncAt != nil {
			at = *schedule.NextSyncAt
		}
		e.arm(pairKey(schedule.WorkspaceID, schedule.AccountID), at)
	}
	e.logger.Info().Int("schedules", len(schedules)).Msg("sync engine started")
	return nil
}

// Stop cancels timers, lets in-flight jobs finish and closes the queue and
// the store.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		for key, entry := range e.timers {
			entry.timer.Stop()
			delete(e.timers, key)
		}
		for key := range e.continuations {
			e.stopContinuationsLocked(key)
		}
		e.mu.Unlock()

		e.workerCancel()
		e.wg.Wait()
		if e.queue != nil {
			_ = e.queue.Close()
		}
		if closer, ok := e.store.(backingStoreCloser); ok && closer != nil {
			_ = closer.Close()
		}
		e.logger.Info().Msg("sync engine stopped")
	})
}

func (e *Engine) Enable(ctx context.Context, workspaceID, accountID string, intervalMinutes int, syncType SyncType) (SyncSchedule, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	accountID = strings.TrimSpace(accountID)
	if workspaceID == "" || accountID == "" {
		return SyncSchedule{}, fmt.Errorf("%w: workspace and account are required", ErrInvalidInput)
	}
	if syncType == "" {
		syncType = SyncBoth
	}
	if !syncType.Valid() {
		return SyncSchedule{}, fmt.Errorf("%w: sync type %q", ErrInvalidInput, syncType)
	}
	existing, err := e.store.GetSchedule(ctx, workspaceID, accountID)
	if err != nil {
		return SyncSchedule{}, err
	}

	var strategy SyncStrategy
	metrics, err := e.probe.Probe(ctx, workspaceID, accountID)
	switch {
	case err == nil:
		strategy = SelectStrategyForMetrics(metrics)
	case existing != nil:
		strategy = existing.Strategy()
		e.logger.Warn().Err(err).Str("workspace", workspaceID).Str("account", accountID).Msg("metrics probe failed, keeping stored strategy")
	default:
		strategy = SelectStrategy(0)
		e.logger.Warn().Err(err).Str("workspace", workspaceID).Str("account", accountID).Msg("metrics probe failed, using smallest tier")
	}
	if intervalMinutes <= 0 {
		intervalMinutes = strategy.SyncIntervalMinutes
	}

	now := e.clock.Now()
	nextSyncAt := now.Add(time.Duration(intervalMinutes) * time.Minute)
	schedule := SyncSchedule{
		WorkspaceID:      workspaceID,
		AccountID:        accountID,
		Enabled:          true,
		IntervalMinutes:  intervalMinutes,
		SyncType:         syncType,
		BatchSize:        strategy.BatchSize,
		MaxItemsPerCycle: strategy.MaxItemsPerCycle,
		PriorityMode:     strategy.PriorityMode,
		NextSyncAt:       &nextSyncAt,
		CreatedAt:        now,
	}
	if err := e.store.UpsertSchedule(ctx, schedule); err != nil {
		return SyncSchedule{}, err
	}
	saved, err := e.store.GetSchedule(ctx, workspaceID, accountID)
	if err != nil {
		return SyncSchedule{}, err
	}
	if saved == nil {
		return SyncSchedule{}, &ConfigurationError{WorkspaceID: workspaceID, AccountID: accountID, Reason: "schedule vanished after enable"}
	}

	key := pairKey(workspaceID, accountID)
	e.arm(key, nextSyncAt)
	e.emit(ctx, newScheduleEvent(EventScheduleEnabled, *saved, StateArmed, now))
	job := CycleJob{
		ID:          e.newID(),
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Kind:        TriggerEnable,
		SyncType:    syncType,
		EnqueuedAt:  now,
	}
	if !e.queue.TryEnqueue(job) {
		e.logger.Warn().Str("workspace", workspaceID).Str("account", accountID).Msg("job queue full, initial cycle skipped")
	}
	e.logger.Info().
		Str("workspace", workspaceID).
		Str("account", accountID).
		Int("interval_minutes", intervalMinutes).
		Str("sync_type", string(syncType)).
		Msg("sync schedule enabled")
	return *saved, nil
}

func (e *Engine) Disable(ctx context.Context, workspaceID, accountID string) error {
	if err := e.store.SetEnabled(ctx, workspaceID, accountID, false); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &ConfigurationError{WorkspaceID: workspaceID, AccountID: accountID}
		}
		return err
	}
	key := pairKey(workspaceID, accountID)
	e.mu.Lock()
	if entry, ok := e.timers[key]; ok {
		entry.timer.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()
	e.endSession(key)
	e.probe.Forget(workspaceID, accountID)

	e.logger.Info().Str("workspace", workspaceID).Str("account", accountID).Msg("sync schedule disabled")
	schedule, err := e.store.GetSchedule(ctx, workspaceID, accountID)
	if err == nil && schedule != nil {
		e.emit(ctx, newScheduleEvent(EventScheduleDisabled, *schedule, StateDisabled, e.clock.Now()))
	}
	return nil
}

// TriggerNow runs a sync session immediately and returns its first pass.
// It waits for any cycle already running for the pair, ignores the peak
// window and leaves the enabled flag and cadence alone.
func (e *Engine) TriggerNow(ctx context.Context, workspaceID, accountID string, syncType SyncType) (SyncOutcome, error) {
	schedule, err := e.loadSchedule(ctx, workspaceID, accountID)
	if err != nil {
		return e.configurationOutcome(workspaceID, accountID, TriggerManual, err), err
	}
	if syncType != "" && !syncType.Valid() {
		return SyncOutcome{}, fmt.Errorf("%w: sync type %q", ErrInvalidInput, syncType)
	}
	if syncType == "" {
		syncType = schedule.SyncType
	}
	job := CycleJob{
		ID:          e.newID(),
		WorkspaceID: schedule.WorkspaceID,
		AccountID:   schedule.AccountID,
		Kind:        TriggerManual,
		SyncType:    syncType,
		EnqueuedAt:  e.clock.Now(),
	}
	outcome, result, err := e.plan(ctx, job, *schedule)
	if err != nil {
		return SyncOutcome{}, err
	}
	if result.rateLimited {
		e.pushAfterRateLimit(ctx, *schedule, result.retryAfter)
	}
	return outcome, nil
}

// RunCycle performs exactly one bounded fetch-and-persist cycle from the
// stored cursor, without probing or phase planning.
func (e *Engine) RunCycle(ctx context.Context, workspaceID, accountID string) (SyncOutcome, error) {
	key := pairKey(workspaceID, accountID)
	release, err := e.locks.acquire(ctx, key)
	if err != nil {
		return SyncOutcome{}, err
	}
	defer release()
	schedule, err := e.loadSchedule(ctx, workspaceID, accountID)
	if err != nil {
		return e.configurationOutcome(workspaceID, accountID, TriggerManual, err), err
	}
	done := e.markRunning(key)
	defer done()
	job := CycleJob{
		ID:          e.newID(),
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Kind:        TriggerManual,
		SyncType:    schedule.SyncType,
		EnqueuedAt:  e.clock.Now(),
	}
	outcome, result := e.runPass(ctx, cyclePlan(job, *schedule))
	if result.rateLimited {
		e.pushAfterRateLimit(ctx, *schedule, result.retryAfter)
	}
	return outcome, nil
}

func (e *Engine) Status(ctx context.Context, workspaceID, accountID string, historyLimit int) (ScheduleStatus, error) {
	schedule, err := e.loadSchedule(ctx, workspaceID, accountID)
	if err != nil {
		return ScheduleStatus{}, err
	}
	history, err := e.store.ListRecentHistory(ctx, workspaceID, accountID, clampHistoryLimit(historyLimit))
	if err != nil {
		return ScheduleStatus{}, err
	}
	storedItems, err := e.store.CountItems(ctx, workspaceID)
	if err != nil {
		return ScheduleStatus{}, err
	}
	return ScheduleStatus{
		WorkspaceID:          schedule.WorkspaceID,
		AccountID:            schedule.AccountID,
		IsEnabled:            schedule.Enabled,
		State:                e.stateOf(*schedule),
		LastSyncAt:           cloneTime(schedule.LastSyncAt),
		NextSyncAt:           cloneTime(schedule.NextSyncAt),
		IntervalMinutes:      schedule.IntervalMinutes,
		SyncType:             schedule.SyncType,
		BatchSize:            schedule.BatchSize,
		MaxItemsPerCycle:     schedule.MaxItemsPerCycle,
		PriorityMode:         schedule.PriorityMode,
		TotalItemsSynced:     schedule.TotalItemsSynced,
		LastCursor:           cloneString(schedule.LastCursor),
		StoredItems:          storedItems,
		PendingContinuations: e.pendingContinuations(pairKey(workspaceID, accountID)),
		History:              history,
	}, nil
}

// History lists the most recent outcomes across every account of a workspace.
func (e *Engine) History(ctx context.Context, workspaceID string, limit int) ([]SyncOutcome, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, ErrInvalidInput
	}
	return e.store.ListRecentHistory(ctx, workspaceID, "", clampHistoryLimit(limit))
}

func (e *Engine) BackendStatus() BackendStatus {
	e.mu.Lock()
	armed := len(e.timers)
	runningCycles := 0
	for _, count := range e.running {
		runningCycles += count
	}
	pending := 0
	for _, timers := range e.continuations {
		pending += len(timers)
	}
	e.mu.Unlock()
	return BackendStatus{
		BackendProfile:       e.backendProfile,
		StoreBackend:         BackendKind(e.store),
		JobQueue:             BackendKind(e.queue),
		JobQueueDepth:        e.queue.Depth(),
		JobQueueCapacity:     e.queue.Capacity(),
		Workers:              e.workers,
		ArmedSchedules:       armed,
		RunningCycles:        runningCycles,
		PendingContinuations: pending,
	}
}

func (e *Engine) worker() {
	for {
		job, ok := e.queue.Dequeue(e.workerCtx)
		if !ok {
			if e.workerCtx.Err() != nil {
				return
			}
			continue
		}
		e.runJob(job)
	}
}

// runJob executes one queued job on its own deadline so that Stop waits for
// it instead of aborting remote calls halfway.
func (e *Engine) runJob(job CycleJob) {
	ctx, cancel := context.WithTimeout(context.Background(), e.jobTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			e.recordPanic(job, recovered)
		}
	}()
	switch job.Kind {
	case TriggerScheduled, TriggerEnable, TriggerManual:
		e.runScheduled(ctx, job)
	case TriggerPhase, TriggerBatch:
		e.runContinuation(ctx, job)
	default:
		e.logger.Warn().Str("trigger", string(job.Kind)).Msg("unknown job kind dropped")
	}
}

func (e *Engine) runScheduled(ctx context.Context, job CycleJob) {
	key := job.pairKey()
	schedule, err := e.store.GetSchedule(ctx, job.WorkspaceID, job.AccountID)
	if err != nil {
		e.logger.Error().Err(err).Str("workspace", job.WorkspaceID).Str("account", job.AccountID).Msg("load schedule failed")
		if job.Kind == TriggerScheduled {
			e.arm(key, e.clock.Now().Add(defaultStoreRetryWait))
		}
		return
	}
	if schedule == nil || !schedule.Enabled {
		return
	}
	if job.Kind.Governed() {
		now := e.clock.Now()
		if allowed, until := e.governor.Decide(now); !allowed {
			e.deferCycle(ctx, *schedule, until)
			return
		}
	}
	if job.SyncType == "" {
		job.SyncType = schedule.SyncType
	}
	_, result, err := e.plan(ctx, job, *schedule)
	if err != nil {
		e.logger.Error().Err(err).Str("workspace", job.WorkspaceID).Str("account", job.AccountID).Msg("scheduled cycle aborted")
	}
	if result.rateLimited {
		e.pushAfterRateLimit(ctx, *schedule, result.retryAfter)
		return
	}
	if job.Kind != TriggerScheduled && job.Kind != TriggerEnable {
		return
	}
	current, err := e.store.GetSchedule(ctx, job.WorkspaceID, job.AccountID)
	if err != nil || current == nil || !current.Enabled {
		return
	}
	next := e.clock.Now().Add(current.Interval())
	if err := e.store.SetNextSyncAt(ctx, job.WorkspaceID, job.AccountID, next); err != nil {
		e.logger.Warn().Err(err).Str("workspace", job.WorkspaceID).Str("account", job.AccountID).Msg("persist next sync failed")
	}
	e.arm(key, next)
}

func (e *Engine) deferCycle(ctx context.Context, schedule SyncSchedule, until time.Time) {
	if err := e.store.SetNextSyncAt(ctx, schedule.WorkspaceID, schedule.AccountID, until); err != nil {
		e.logger.Warn().Err(err).Str("workspace", schedule.WorkspaceID).Str("account", schedule.AccountID).Msg("persist deferral failed")
	}
	e.arm(pairKey(schedule.WorkspaceID, schedule.AccountID), until)
	schedule.NextSyncAt = &until
	e.logger.Info().
		Str("workspace", schedule.WorkspaceID).
		Str("account", schedule.AccountID).
		Time("next_sync_at", until).
		Msg("cycle deferred by peak window")
	e.emit(ctx, newScheduleEvent(EventCycleDeferred, schedule, StateArmed, e.clock.Now()))
}

// pushAfterRateLimit moves nextSyncAt to now plus the longer of the interval
// and the provider's Retry-After.
func (e *Engine) pushAfterRateLimit(ctx context.Context, schedule SyncSchedule, retryAfter time.Duration) time.Time {
	wait := schedule.Interval()
	if retryAfter > wait {
		wait = retryAfter
	}
	next := e.clock.Now().Add(wait)
	if err := e.store.SetNextSyncAt(ctx, schedule.WorkspaceID, schedule.AccountID, next); err != nil {
		e.logger.Warn().Err(err).Str("workspace", schedule.WorkspaceID).Str("account", schedule.AccountID).Msg("persist rate limit backoff failed")
	}
	current, err := e.store.GetSchedule(ctx, schedule.WorkspaceID, schedule.AccountID)
	if err == nil && current != nil && current.Enabled {
		e.arm(pairKey(schedule.WorkspaceID, schedule.AccountID), next)
	}
	e.logger.Warn().
		Str("workspace", schedule.WorkspaceID).
		Str("account", schedule.AccountID).
		Dur("retry_after", retryAfter).
		Time("next_sync_at", next).
		Msg("remote rate limited")
	return next
}

func (e *Engine) arm(key string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if existing, ok := e.timers[key]; ok {
		existing.timer.Stop()
	}
	delay := at.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	entry := &armedTimer{nextAt: at}
	entry.timer = e.clock.AfterFunc(delay, func() {
		e.fire(key, entry)
	})
	e.timers[key] = entry
}

func (e *Engine) fire(key string, entry *armedTimer) {
	e.mu.Lock()
	if current, ok := e.timers[key]; !ok || current != entry || e.stopped {
		e.mu.Unlock()
		return
	}
	delete(e.timers, key)
	e.mu.Unlock()

	workspaceID, accountID := splitPairKey(key)
	job := CycleJob{
		ID:          e.newID(),
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Kind:        TriggerScheduled,
		EnqueuedAt:  e.clock.Now(),
	}
	if !e.queue.TryEnqueue(job) {
		e.logger.Warn().Str("workspace", workspaceID).Str("account", accountID).Msg("job queue full, scheduled cycle requeued")
		e.arm(key, e.clock.Now().Add(defaultRequeueDelay))
	}
}

func (e *Engine) recordPanic(job CycleJob, recovered any) {
	e.logger.Error().
		Str("workspace", job.WorkspaceID).
		Str("account", job.AccountID).
		Str("trigger", string(job.Kind)).
		Interface("panic", recovered).
		Msg("sync job panicked")
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	now := e.clock.Now()
	outcome := SyncOutcome{
		ID:          e.newID(),
		WorkspaceID: job.WorkspaceID,
		AccountID:   job.AccountID,
		Trigger:     job.Kind,
		Phase:       job.Phase,
		Status:      StatusFailed,
		Errors:      []string{fmt.Sprintf("panic: %v", recovered)},
		StartedAt:   now,
		FinishedAt:  now,
	}
	if err := e.store.AppendHistory(ctx, outcome); err != nil {
		e.logger.Warn().Err(err).Msg("append panic outcome failed")
	}
	if job.Kind != TriggerScheduled && job.Kind != TriggerEnable {
		return
	}
	schedule, err := e.store.GetSchedule(ctx, job.WorkspaceID, job.AccountID)
	if err == nil && schedule != nil && schedule.Enabled {
		e.arm(job.pairKey(), now.Add(schedule.Interval()))
	}
}

func (e *Engine) loadSchedule(ctx context.Context, workspaceID, accountID string) (*SyncSchedule, error) {
	if strings.TrimSpace(workspaceID) == "" || strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: workspace and account are required", ErrInvalidInput)
	}
	schedule, err := e.store.GetSchedule(ctx, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, &ConfigurationError{WorkspaceID: workspaceID, AccountID: accountID}
	}
	return schedule, nil
}

func (e *Engine) configurationOutcome(workspaceID, accountID string, trigger TriggerKind, err error) SyncOutcome {
	now := e.clock.Now()
	return SyncOutcome{
		ID:          e.newID(),
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Trigger:     trigger,
		Status:      StatusFailed,
		Errors:      []string{err.Error()},
		StartedAt:   now,
		FinishedAt:  now,
	}
}

func (e *Engine) markRunning(key string) func() {
	e.mu.Lock()
	e.running[key]++
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.running[key]--
			if e.running[key] <= 0 {
				delete(e.running, key)
			}
			e.mu.Unlock()
		})
	}
}

func (e *Engine) stateOf(schedule SyncSchedule) ScheduleState {
	e.mu.Lock()
	running := e.running[pairKey(schedule.WorkspaceID, schedule.AccountID)] > 0
	e.mu.Unlock()
	if running {
		return StateRunning
	}
	if !schedule.Enabled {
		return StateDisabled
	}
	return StateArmed
}

func idleState(schedule SyncSchedule) ScheduleState {
	if schedule.Enabled {
		return StateArmed
	}
	return StateDisabled
}

func (e *Engine) emit(ctx context.Context, event StatusEvent) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Warn().Err(err).
			Str("workspace", event.WorkspaceID).
			Str("account", event.AccountID).
			Str("event", string(event.Type)).
			Msg("publish status event failed")
	}
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
