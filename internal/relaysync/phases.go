package relaysync

import (
	"context"
	"time"
)

const (
	defaultPhaseTwoDelay   = 5 * time.Second
	defaultPhaseThreeDelay = 15 * time.Second
	defaultBatchDelay      = 10 * time.Second
)

type phaseSpec struct {
	name            PhaseName
	itemCap         int
	messagesPerItem int
}

var phaseSpecs = map[PhaseName]phaseSpec{
	PhaseRecent:    {name: PhaseRecent, itemCap: 200, messagesPerItem: 10},
	PhaseActive:    {name: PhaseActive, itemCap: 300, messagesPerItem: 20},
	PhaseImportant: {name: PhaseImportant, itemCap: 500, messagesPerItem: 15},
}

type planResult struct {
	rateLimited bool
	retryAfter  time.Duration
}

// plan runs the first pass of a sync session under the pair lock and queues
// the rest of the session. The returned outcome is that first pass.
func (e *Engine) plan(ctx context.Context, job CycleJob, schedule SyncSchedule) (SyncOutcome, planResult, error) {
	key := job.pairKey()
	release, err := e.locks.acquire(ctx, key)
	if err != nil {
		return SyncOutcome{}, planResult{}, err
	}
	defer release()
	done := e.markRunning(key)
	defer done()

	// the schedule may have moved while waiting for the lock
	if current, err := e.store.GetSchedule(ctx, schedule.WorkspaceID, schedule.AccountID); err == nil && current != nil {
		schedule = *current
	}

	total := -1
	metrics, err := e.probe.Probe(ctx, schedule.WorkspaceID, schedule.AccountID)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("workspace", schedule.WorkspaceID).
			Str("account", schedule.AccountID).
			Msg("metrics probe failed, keeping stored strategy")
	} else {
		total = metrics.TotalItems
		strategy := SelectStrategyForMetrics(metrics)
		if strategy.BatchSize != schedule.BatchSize ||
			strategy.MaxItemsPerCycle != schedule.MaxItemsPerCycle ||
			strategy.PriorityMode != schedule.PriorityMode {
			if err := e.store.UpdateStrategy(ctx, schedule.WorkspaceID, schedule.AccountID, strategy); err != nil {
				e.logger.Warn().Err(err).
					Str("workspace", schedule.WorkspaceID).
					Str("account", schedule.AccountID).
					Msg("strategy refresh failed")
			} else {
				// the store drops the cursor of the previous filter
				if schedule.PriorityMode != strategy.PriorityMode {
					schedule.LastCursor = nil
				}
				schedule.BatchSize = strategy.BatchSize
				schedule.MaxItemsPerCycle = strategy.MaxItemsPerCycle
				schedule.PriorityMode = strategy.PriorityMode
			}
		}
	}

	now := e.clock.Now()
	job.SessionID = e.beginSession(key)
	job.SessionStartedAt = now

	switch ShapeForTotal(total) {
	case SessionPhased:
		job.Phase = PhaseRecent
		outcome, result := e.runPass(ctx, phasePlan(job, schedule, PhaseRecent))
		if !result.remoteFailed {
			next := continuationJob(job, TriggerPhase)
			next.Phase = PhaseActive
			next.AnchorAt = e.clock.Now()
			e.scheduleContinuation(next, e.phaseTwoDelay)
		}
		return outcome, planResult{rateLimited: result.rateLimited, retryAfter: result.retryAfter}, nil
	case SessionBatched:
		outcome, result := e.runPass(ctx, cyclePlan(job, schedule))
		batches := BatchCount(total, schedule.Strategy().FetchLimit())
		if outcome.Status != StatusFailed && outcome.NextCursor != nil && batches > 1 {
			next := continuationJob(job, TriggerBatch)
			next.BatchIndex = 1
			next.BatchTotal = batches
			e.scheduleContinuation(next, e.batchDelay)
		}
		return outcome, planResult{rateLimited: result.rateLimited, retryAfter: result.retryAfter}, nil
	default:
		outcome, result := e.runPass(ctx, cyclePlan(job, schedule))
		return outcome, planResult{rateLimited: result.rateLimited, retryAfter: result.retryAfter}, nil
	}
}

func phasePlan(job CycleJob, schedule SyncSchedule, phase PhaseName) passPlan {
	spec := phaseSpecs[phase]
	return passPlan{
		job:             job,
		schedule:        schedule,
		filter:          FilterForPhase(phase),
		itemCap:         spec.itemCap,
		pageSize:        clampFetchLimit(schedule.BatchSize, spec.itemCap),
		messagesPerItem: spec.messagesPerItem,
	}
}

func continuationJob(parent CycleJob, kind TriggerKind) CycleJob {
	return CycleJob{
		WorkspaceID:      parent.WorkspaceID,
		AccountID:        parent.AccountID,
		Kind:             kind,
		SessionID:        parent.SessionID,
		SyncType:         parent.SyncType,
		SessionStartedAt: parent.SessionStartedAt,
		AnchorAt:         parent.AnchorAt,
	}
}

// runContinuation executes a queued phase or batch job and chains the next
// one. Jobs from a superseded session are dropped.
func (e *Engine) runContinuation(ctx context.Context, job CycleJob) {
	key := job.pairKey()
	release, err := e.locks.acquire(ctx, key)
	if err != nil {
		return
	}
	defer release()
	if !e.sessionCurrent(key, job.SessionID) {
		e.logger.Debug().
			Str("workspace", job.WorkspaceID).
			Str("account", job.AccountID).
			Str("trigger", string(job.Kind)).
			Msg("dropping continuation of superseded session")
		return
	}
	schedule, err := e.store.GetSchedule(ctx, job.WorkspaceID, job.AccountID)
	if err != nil || schedule == nil {
		e.logger.Warn().Err(err).
			Str("workspace", job.WorkspaceID).
			Str("account", job.AccountID).
			Msg("continuation without schedule")
		return
	}
	done := e.markRunning(key)
	defer done()

	switch job.Kind {
	case TriggerPhase:
		if !job.Phase.Valid() {
			e.logger.Warn().
				Str("workspace", job.WorkspaceID).
				Str("account", job.AccountID).
				Str("phase", string(job.Phase)).
				Msg("phase job without a known phase dropped")
			return
		}
		_, result := e.runPass(ctx, phasePlan(job, *schedule, job.Phase))
		if result.rateLimited {
			e.pushAfterRateLimit(ctx, *schedule, result.retryAfter)
		}
		if result.remoteFailed {
			return
		}
		if job.Phase == PhaseActive {
			next := continuationJob(job, TriggerPhase)
			next.Phase = PhaseImportant
			delay := job.AnchorAt.Add(e.phaseThreeDelay).Sub(e.clock.Now())
			if delay < 0 {
				delay = 0
			}
			e.scheduleContinuation(next, delay)
		}
	case TriggerBatch:
		outcome, result := e.runPass(ctx, cyclePlan(job, *schedule))
		if result.rateLimited {
			e.pushAfterRateLimit(ctx, *schedule, result.retryAfter)
		}
		if outcome.Status == StatusFailed || result.remoteFailed || outcome.NextCursor == nil || job.BatchIndex+1 >= job.BatchTotal {
			return
		}
		next := continuationJob(job, TriggerBatch)
		next.BatchIndex = job.BatchIndex + 1
		next.BatchTotal = job.BatchTotal
		e.scheduleContinuation(next, e.batchDelay)
	}
}

func (e *Engine) beginSession(key string) string {
	session := e.newID()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopContinuationsLocked(key)
	e.sessions[key] = session
	return session
}

func (e *Engine) endSession(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopContinuationsLocked(key)
	e.sessions[key] = e.newID()
}

// sessionCurrent accepts jobs replayed from a durable queue after a restart,
// when no session is known for the pair.
func (e *Engine) sessionCurrent(key, session string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.sessions[key]
	return !ok || current == session
}

func (e *Engine) scheduleContinuation(job CycleJob, delay time.Duration) {
	job.ID = e.newID()
	job.EnqueuedAt = e.clock.Now().Add(delay)
	key := job.pairKey()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	// Disable or a newer session ended this one while its pass ran.
	if current, ok := e.sessions[key]; ok && current != job.SessionID {
		return
	}
	pending, ok := e.continuations[key]
	if !ok {
		pending = map[string]Timer{}
		e.continuations[key] = pending
	}
	jobID := job.ID
	pending[jobID] = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		if _, ok := e.continuations[key][jobID]; !ok {
			e.mu.Unlock()
			return
		}
		delete(e.continuations[key], jobID)
		if len(e.continuations[key]) == 0 {
			delete(e.continuations, key)
		}
		e.mu.Unlock()
		if !e.queue.TryEnqueue(job) {
			e.logger.Warn().
				Str("workspace", job.WorkspaceID).
				Str("account", job.AccountID).
				Str("trigger", string(job.Kind)).
				Str("phase", string(job.Phase)).
				Msg("job queue full, continuation dropped")
		}
	})
}

func (e *Engine) stopContinuationsLocked(key string) {
	for _, timer := range e.continuations[key] {
		timer.Stop()
	}
	delete(e.continuations, key)
}

func (e *Engine) pendingContinuations(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.continuations[key])
}
