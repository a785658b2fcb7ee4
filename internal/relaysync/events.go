package relaysync

import (
	"context"
	"errors"
	"time"
)

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, event StatusEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newScheduleEvent(eventType StatusEventType, schedule SyncSchedule, state ScheduleState, at time.Time) StatusEvent {
	return StatusEvent{
		Type:             eventType,
		WorkspaceID:      schedule.WorkspaceID,
		AccountID:        schedule.AccountID,
		Enabled:          schedule.Enabled,
		State:            state,
		LastSyncAt:       cloneTime(schedule.LastSyncAt),
		NextSyncAt:       cloneTime(schedule.NextSyncAt),
		TotalItemsSynced: schedule.TotalItemsSynced,
		Timestamp:        at,
	}
}
