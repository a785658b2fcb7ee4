package relaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// passPlan describes one executor pass. A cursor pass reads one page from the
// schedule cursor and persists the next cursor. A phase pass starts at the
// head of its own filter, pages until its cap and only adds to the counter.
type passPlan struct {
	job             CycleJob
	schedule        SyncSchedule
	filter          PriorityFilter
	itemCap         int
	pageSize        int
	messagesPerItem int
	useCursor       bool
}

type passResult struct {
	remoteFailed bool
	rateLimited  bool
	retryAfter   time.Duration
}

func cyclePlan(job CycleJob, schedule SyncSchedule) passPlan {
	limit := schedule.Strategy().FetchLimit()
	return passPlan{
		job:       job,
		schedule:  schedule,
		filter:    FilterForMode(schedule.PriorityMode),
		itemCap:   limit,
		pageSize:  limit,
		useCursor: true,
	}
}

func (e *Engine) runPass(ctx context.Context, plan passPlan) (SyncOutcome, passResult) {
	schedule := plan.schedule
	outcome := SyncOutcome{
		ID:          e.newID(),
		WorkspaceID: schedule.WorkspaceID,
		AccountID:   schedule.AccountID,
		Trigger:     plan.job.Kind,
		Phase:       plan.job.Phase,
		Status:      StatusSuccess,
		Errors:      []string{},
		StartedAt:   e.clock.Now(),
	}
	syncType := plan.job.SyncType
	if !syncType.Valid() {
		syncType = schedule.SyncType
	}
	var cursor *string
	if plan.useCursor {
		cursor = normalizeCursor(schedule.LastCursor)
	}
	pageSize := clampFetchLimit(plan.pageSize, plan.itemCap)
	remaining := plan.itemCap
	var result passResult

	for remaining > 0 {
		limit := pageSize
		if remaining < limit {
			limit = remaining
		}
		page, err := e.remote.FetchPage(ctx, schedule.AccountID, FetchRequest{
			Filter:          plan.filter,
			Cursor:          cloneString(cursor),
			Limit:           limit,
			SyncType:        syncType,
			MessagesPerItem: plan.messagesPerItem,
		})
		if err != nil {
			remoteErr := asRemoteUnavailable(err, "fetch page")
			// earlier pages of a phase pass stay written
			if outcome.ItemsSynced > 0 {
				outcome.Status = StatusPartial
			} else {
				outcome.Status = StatusFailed
			}
			outcome.Errors = append(outcome.Errors, remoteErr.Error())
			result = passResult{remoteFailed: true, rateLimited: remoteErr.RateLimited, retryAfter: remoteErr.RetryAfter}
			break
		}
		items := page.Items
		if len(items) > limit {
			items = items[:limit]
		}
		written, partial, storeFailures := e.writeItems(ctx, schedule.WorkspaceID, syncType, items)
		if partial != nil {
			for _, itemErr := range partial.Failed {
				outcome.Errors = append(outcome.Errors, itemErr.Error())
			}
		}
		if written == 0 && storeFailures > 0 {
			outcome.Status = StatusFailed
			break
		}
		if partial != nil {
			outcome.Status = StatusPartial
		}

		next := normalizeCursor(page.NextCursor)
		applied, err := e.store.AdvanceCursor(ctx, CursorAdvance{
			WorkspaceID:    schedule.WorkspaceID,
			AccountID:      schedule.AccountID,
			MoveCursor:     plan.useCursor,
			ExpectedCursor: cursor,
			NextCursor:     next,
			Delta:          written,
			SyncedAt:       e.clock.Now(),
		})
		if err != nil {
			outcome.Status = StatusFailed
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("persist cursor: %v", err))
			break
		}
		outcome.ItemsSynced += written
		outcome.NextCursor = cloneString(next)
		if !applied {
			outcome.Status = StatusPartial
			outcome.Errors = append(outcome.Errors, ErrCursorConflict.Error())
			break
		}
		remaining -= len(items)
		cursor = next
		if plan.useCursor || next == nil || len(page.Items) == 0 {
			break
		}
	}

	e.finishOutcome(ctx, &outcome)
	return outcome, result
}

// writeItems validates and upserts each item of a page. It returns the number
// written, the skipped or failed items, and how many of those were store
// failures.
func (e *Engine) writeItems(ctx context.Context, workspaceID string, syncType SyncType, items []json.RawMessage) (int, *PartialWriteError, int) {
	written := 0
	storeFailures := 0
	var failed []ItemError
	for i, raw := range items {
		item, err := e.validator.check(raw, syncType)
		if err != nil {
			failed = append(failed, ItemError{Index: i, Err: err})
			continue
		}
		if err := e.store.UpsertItem(ctx, workspaceID, item.ID, item.Kind, raw); err != nil {
			failed = append(failed, ItemError{RemoteItemID: item.ID, Index: i, Err: err})
			storeFailures++
			continue
		}
		written++
	}
	if len(failed) == 0 {
		return written, nil, 0
	}
	return written, &PartialWriteError{Written: written, Failed: failed}, storeFailures
}

func (e *Engine) finishOutcome(ctx context.Context, outcome *SyncOutcome) {
	outcome.FinishedAt = e.clock.Now()
	outcome.DurationMs = outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds()
	if outcome.DurationMs < 0 {
		outcome.DurationMs = 0
	}
	if err := e.store.AppendHistory(ctx, *outcome); err != nil {
		e.logger.Warn().Err(err).
			Str("workspace", outcome.WorkspaceID).
			Str("account", outcome.AccountID).
			Msg("append sync history failed")
	}
	e.logger.Info().
		Str("workspace", outcome.WorkspaceID).
		Str("account", outcome.AccountID).
		Str("trigger", string(outcome.Trigger)).
		Str("phase", string(outcome.Phase)).
		Str("status", string(outcome.Status)).
		Int("items", outcome.ItemsSynced).
		Int64("duration", outcome.DurationMs).
		Msg("sync pass finished")

	event := StatusEvent{
		Type:        EventCycleCompleted,
		WorkspaceID: outcome.WorkspaceID,
		AccountID:   outcome.AccountID,
		Timestamp:   outcome.FinishedAt,
	}
	if schedule, err := e.store.GetSchedule(ctx, outcome.WorkspaceID, outcome.AccountID); err == nil && schedule != nil {
		event = newScheduleEvent(EventCycleCompleted, *schedule, idleState(*schedule), outcome.FinishedAt)
	}
	snapshot := outcome.clone()
	event.Outcome = &snapshot
	e.emit(ctx, event)
}
