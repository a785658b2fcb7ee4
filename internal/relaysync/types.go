package relaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type PriorityMode string

const (
	PriorityAll     PriorityMode = "all"
	PriorityRecent  PriorityMode = "recent"
	PriorityEngaged PriorityMode = "engaged"
)

func (m PriorityMode) Valid() bool {
	switch m {
	case PriorityAll, PriorityRecent, PriorityEngaged:
		return true
	}
	return false
}

func ParsePriorityMode(raw string) (PriorityMode, error) {
	mode := PriorityMode(strings.ToLower(strings.TrimSpace(raw)))
	if !mode.Valid() {
		return "", fmt.Errorf("%w: priority mode %q", ErrInvalidInput, raw)
	}
	return mode, nil
}

type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusPartial OutcomeStatus = "partial"
	StatusFailed  OutcomeStatus = "failed"
)

func (s OutcomeStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	}
	return false
}

func ParseOutcomeStatus(raw string) (OutcomeStatus, error) {
	status := OutcomeStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: outcome status %q", ErrInvalidInput, raw)
	}
	return status, nil
}

type SyncType string

const (
	SyncContacts SyncType = "contacts"
	SyncMessages SyncType = "messages"
	SyncBoth     SyncType = "both"
)

func (t SyncType) Valid() bool {
	switch t {
	case SyncContacts, SyncMessages, SyncBoth:
		return true
	}
	return false
}

func (t SyncType) IncludesMessages() bool {
	return t == SyncMessages || t == SyncBoth
}

// ParseSyncType accepts an empty value as SyncBoth.
func ParseSyncType(raw string) (SyncType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return SyncBoth, nil
	}
	syncType := SyncType(trimmed)
	if !syncType.Valid() {
		return "", fmt.Errorf("%w: sync type %q", ErrInvalidInput, raw)
	}
	return syncType, nil
}

type ScheduleState string

const (
	StateDisabled ScheduleState = "disabled"
	StateArmed    ScheduleState = "armed"
	StateRunning  ScheduleState = "running"
)

type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerEnable    TriggerKind = "enable"
	TriggerPhase     TriggerKind = "phase"
	TriggerBatch     TriggerKind = "batch"
)

func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerManual, TriggerScheduled, TriggerEnable, TriggerPhase, TriggerBatch:
		return true
	}
	return false
}

// Governed reports whether the peak governor applies to the trigger.
func (k TriggerKind) Governed() bool {
	return k == TriggerScheduled
}

type PhaseName string

const (
	PhaseRecent    PhaseName = "recent"
	PhaseActive    PhaseName = "active"
	PhaseImportant PhaseName = "important"
)

func (p PhaseName) Valid() bool {
	switch p {
	case PhaseRecent, PhaseActive, PhaseImportant:
		return true
	}
	return false
}

type ConnectionMetrics struct {
	TotalItems          int `json:"totalItems"`
	ActiveItems         int `json:"activeItems"`
	RecentItems         int `json:"recentItems"`
	HighEngagementItems int `json:"highEngagementItems"`
}

type SyncStrategy struct {
	BatchSize           int          `json:"batchSize"`
	SyncIntervalMinutes int          `json:"syncIntervalMinutes"`
	MaxItemsPerCycle    int          `json:"maxItemsPerCycle"`
	PriorityMode        PriorityMode `json:"priorityMode"`
}

// FetchLimit is the page size of a single cycle.
func (s SyncStrategy) FetchLimit() int {
	return clampFetchLimit(s.BatchSize, s.MaxItemsPerCycle)
}

// SyncSchedule is the single persisted source of truth for one
// (workspace, account) pair.
type SyncSchedule struct {
	WorkspaceID      string       `json:"workspaceId"`
	AccountID        string       `json:"accountId"`
	Enabled          bool         `json:"enabled"`
	IntervalMinutes  int          `json:"intervalMinutes"`
	SyncType         SyncType     `json:"syncType"`
	BatchSize        int          `json:"batchSize"`
	MaxItemsPerCycle int          `json:"maxItemsPerCycle"`
	PriorityMode     PriorityMode `json:"priorityMode"`
	LastSyncAt       *time.Time   `json:"lastSyncAt,omitempty"`
	NextSyncAt       *time.Time   `json:"nextSyncAt,omitempty"`
	LastCursor       *string      `json:"lastCursor,omitempty"`
	TotalItemsSynced int64        `json:"totalItemsSynced"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

func (s SyncSchedule) Strategy() SyncStrategy {
	return SyncStrategy{
		BatchSize:           s.BatchSize,
		SyncIntervalMinutes: s.IntervalMinutes,
		MaxItemsPerCycle:    s.MaxItemsPerCycle,
		PriorityMode:        s.PriorityMode,
	}
}

func (s SyncSchedule) Interval() time.Duration {
	if s.IntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

func (s SyncSchedule) clone() SyncSchedule {
	out := s
	out.LastSyncAt = cloneTime(s.LastSyncAt)
	out.NextSyncAt = cloneTime(s.NextSyncAt)
	out.LastCursor = cloneString(s.LastCursor)
	return out
}

type SyncOutcome struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspaceId"`
	AccountID   string        `json:"accountId"`
	Trigger     TriggerKind   `json:"trigger"`
	Phase       PhaseName     `json:"phase,omitempty"`
	ItemsSynced int           `json:"itemsSynced"`
	NextCursor  *string       `json:"nextCursor"`
	Status      OutcomeStatus `json:"status"`
	DurationMs  int64         `json:"durationMs"`
	Errors      []string      `json:"errors"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

func (o SyncOutcome) clone() SyncOutcome {
	out := o
	out.NextCursor = cloneString(o.NextCursor)
	out.Errors = append([]string{}, o.Errors...)
	return out
}

type SyncedItem struct {
	WorkspaceID  string          `json:"workspaceId"`
	RemoteItemID string          `json:"remoteItemId"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	SyncedAt     time.Time       `json:"syncedAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// CursorAdvance is a compare-and-set write of the pagination cursor together
// with an additive counter update. With MoveCursor unset only the counter and
// lastSyncAt change.
type CursorAdvance struct {
	WorkspaceID    string
	AccountID      string
	MoveCursor     bool
	ExpectedCursor *string
	NextCursor     *string
	Delta          int
	SyncedAt       time.Time
}

type CycleJob struct {
	ID               string      `json:"id"`
	WorkspaceID      string      `json:"workspaceId"`
	AccountID        string      `json:"accountId"`
	Kind             TriggerKind `json:"kind"`
	SessionID        string      `json:"sessionId,omitempty"`
	SyncType         SyncType    `json:"syncType,omitempty"`
	Phase            PhaseName   `json:"phase,omitempty"`
	BatchIndex       int         `json:"batchIndex,omitempty"`
	BatchTotal       int         `json:"batchTotal,omitempty"`
	SessionStartedAt time.Time   `json:"sessionStartedAt,omitempty"`
	AnchorAt         time.Time   `json:"anchorAt,omitempty"`
	EnqueuedAt       time.Time   `json:"enqueuedAt"`
}

func (j CycleJob) pairKey() string {
	return pairKey(j.WorkspaceID, j.AccountID)
}

type StatusEventType string

const (
	EventScheduleEnabled  StatusEventType = "schedule.enabled"
	EventScheduleDisabled StatusEventType = "schedule.disabled"
	EventCycleCompleted   StatusEventType = "cycle.completed"
	EventCycleDeferred    StatusEventType = "cycle.deferred"
)

type StatusEvent struct {
	Type             StatusEventType `json:"type"`
	WorkspaceID      string          `json:"workspaceId"`
	AccountID        string          `json:"accountId"`
	Enabled          bool            `json:"enabled"`
	State            ScheduleState   `json:"state"`
	LastSyncAt       *time.Time      `json:"lastSyncAt,omitempty"`
	NextSyncAt       *time.Time      `json:"nextSyncAt,omitempty"`
	TotalItemsSynced int64           `json:"totalItemsSynced"`
	Outcome          *SyncOutcome    `json:"outcome,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

type EventSink interface {
	Publish(ctx context.Context, event StatusEvent) error
}

type EventSinkFunc func(ctx context.Context, event StatusEvent) error

func (f EventSinkFunc) Publish(ctx context.Context, event StatusEvent) error {
	return f(ctx, event)
}

type ScheduleStatus struct {
	WorkspaceID          string        `json:"workspaceId"`
	AccountID            string        `json:"accountId"`
	IsEnabled            bool          `json:"isEnabled"`
	State                ScheduleState `json:"state"`
	LastSyncAt           *time.Time    `json:"lastSyncAt,omitempty"`
	NextSyncAt           *time.Time    `json:"nextSyncAt,omitempty"`
	IntervalMinutes      int           `json:"intervalMinutes"`
	SyncType             SyncType      `json:"syncType"`
	BatchSize            int           `json:"batchSize"`
	MaxItemsPerCycle     int           `json:"maxItemsPerCycle"`
	PriorityMode         PriorityMode  `json:"priorityMode"`
	TotalItemsSynced     int64         `json:"totalItemsSynced"`
	LastCursor           *string       `json:"lastCursor,omitempty"`
	StoredItems          int           `json:"storedItems"`
	PendingContinuations int           `json:"pendingContinuations"`
	History              []SyncOutcome `json:"history"`
}

type BackendStatus struct {
	BackendProfile       string `json:"backendProfile"`
	StoreBackend         string `json:"storeBackend"`
	JobQueue             string `json:"jobQueue"`
	JobQueueDepth        int    `json:"jobQueueDepth"`
	JobQueueCapacity     int    `json:"jobQueueCapacity"`
	Workers              int    `json:"workers"`
	ArmedSchedules       int    `json:"armedSchedules"`
	RunningCycles        int    `json:"runningCycles"`
	PendingContinuations int    `json:"pendingContinuations"`
}

func pairKey(workspaceID, accountID string) string {
	return workspaceID + "\x00" + accountID
}

func splitPairKey(key string) (string, string) {
	workspaceID, accountID, _ := strings.Cut(key, "\x00")
	return workspaceID, accountID
}

func clampFetchLimit(batchSize, maxItems int) int {
	limit := batchSize
	if maxItems > 0 && (limit <= 0 || maxItems < limit) {
		limit = maxItems
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func normalizeCursor(cursor *string) *string {
	if cursor == nil || strings.TrimSpace(*cursor) == "" {
		return nil
	}
	v := *cursor
	return &v
}

func sameCursor(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
