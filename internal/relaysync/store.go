package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultHistoryRetention = 10000

// BackingStore persists schedules, synced items and cycle history.
//
// UpsertSchedule writes configuration fields only. The cursor, lastSyncAt and
// totalItemsSynced of an existing row are owned by AdvanceCursor, which adds
// to the counter and never overwrites it.
type BackingStore interface {
	UpsertItem(ctx context.Context, workspaceID, remoteItemID, kind string, payload json.RawMessage) error
	GetItem(ctx context.Context, workspaceID, remoteItemID string) (*SyncedItem, error)
	CountItems(ctx context.Context, workspaceID string) (int, error)
	GetSchedule(ctx context.Context, workspaceID, accountID string) (*SyncSchedule, error)
	UpsertSchedule(ctx context.Context, schedule SyncSchedule) error
	UpdateStrategy(ctx context.Context, workspaceID, accountID string, strategy SyncStrategy) error
	AdvanceCursor(ctx context.Context, advance CursorAdvance) (bool, error)
	SetNextSyncAt(ctx context.Context, workspaceID, accountID string, at time.Time) error
	SetEnabled(ctx context.Context, workspaceID, accountID string, enabled bool) error
	ListEnabledSchedules(ctx context.Context) ([]SyncSchedule, error)
	AppendHistory(ctx context.Context, outcome SyncOutcome) error
	ListRecentHistory(ctx context.Context, workspaceID, accountID string, limit int) ([]SyncOutcome, error)
}

type backingStoreCloser interface {
	Close() error
}

type backingSnapshot struct {
	Schedules map[string]SyncSchedule          `json:"schedules"`
	Items     map[string]map[string]SyncedItem `json:"items"`
	History   []SyncOutcome                    `json:"history"`
}

func newBackingSnapshot() *backingSnapshot {
	return &backingSnapshot{
		Schedules: map[string]SyncSchedule{},
		Items:     map[string]map[string]SyncedItem{},
		History:   []SyncOutcome{},
	}
}

// InMemoryBackingStore keeps everything in process. With a path it becomes the
// JSON file store: every mutation rewrites the snapshot atomically.
type InMemoryBackingStore struct {
	mu        sync.RWMutex
	state     *backingSnapshot
	path      string
	retention int
	now       func() time.Time
}

func NewInMemoryBackingStore() *InMemoryBackingStore {
	return &InMemoryBackingStore{
		state:     newBackingSnapshot(),
		retention: defaultHistoryRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func NewJSONFileBackingStore(path string) (*InMemoryBackingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := NewInMemoryBackingStore()
	store.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}
		return nil, err
	}
	var snapshot backingSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("load backing store %s: %w", path, err)
	}
	if snapshot.Schedules == nil {
		snapshot.Schedules = map[string]SyncSchedule{}
	}
	if snapshot.Items == nil {
		snapshot.Items = map[string]map[string]SyncedItem{}
	}
	if snapshot.History == nil {
		snapshot.History = []SyncOutcome{}
	}
	store.state = &snapshot
	return store, nil
}

func (s *InMemoryBackingStore) UpsertItem(ctx context.Context, workspaceID, remoteItemID, kind string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	workspaceID = strings.TrimSpace(workspaceID)
	remoteItemID = strings.TrimSpace(remoteItemID)
	if workspaceID == "" || remoteItemID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.state.Items[workspaceID]
	if !ok {
		items = map[string]SyncedItem{}
		s.state.Items[workspaceID] = items
	}
	prev, had := items[remoteItemID]
	now := s.now()
	item := SyncedItem{
		WorkspaceID:  workspaceID,
		RemoteItemID: remoteItemID,
		Kind:         kind,
		Payload:      append(json.RawMessage(nil), payload...),
		SyncedAt:     now,
		UpdatedAt:    now,
	}
	if had {
		item.SyncedAt = prev.SyncedAt
	}
	items[remoteItemID] = item
	if err := s.persistLocked(); err != nil {
		if had {
			items[remoteItemID] = prev
		} else {
			delete(items, remoteItemID)
		}
		return err
	}
	return nil
}

func (s *InMemoryBackingStore) GetItem(ctx context.Context, workspaceID, remoteItemID string) (*SyncedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.state.Items[workspaceID][remoteItemID]
	if !ok {
		return nil, nil
	}
	item.Payload = append(json.RawMessage(nil), item.Payload...)
	return &item, nil
}

func (s *InMemoryBackingStore) CountItems(ctx context.Context, workspaceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Items[workspaceID]), nil
}

func (s *InMemoryBackingStore) GetSchedule(ctx context.Context, workspaceID, accountID string) (*SyncSchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.state.Schedules[pairKey(workspaceID, accountID)]
	if !ok {
		return nil, nil
	}
	out := schedule.clone()
	return &out, nil
}

func (s *InMemoryBackingStore) UpsertSchedule(ctx context.Context, schedule SyncSchedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSchedule(schedule); err != nil {
		return err
	}
	key := pairKey(schedule.WorkspaceID, schedule.AccountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	prev, had := s.state.Schedules[key]
	next := schedule.clone()
	if had {
		next.LastCursor = cloneString(prev.LastCursor)
		next.LastSyncAt = cloneTime(prev.LastSyncAt)
		next.TotalItemsSynced = prev.TotalItemsSynced
		next.Version = prev.Version
		next.CreatedAt = prev.CreatedAt
	} else {
		next.LastCursor = normalizeCursor(next.LastCursor)
		if next.TotalItemsSynced < 0 {
			next.TotalItemsSynced = 0
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	}
	next.UpdatedAt = now
	s.state.Schedules[key] = next
	if err := s.persistLocked(); err != nil {
		s.restoreScheduleLocked(key, prev, had)
		return err
	}
	return nil
}

func (s *InMemoryBackingStore) UpdateStrategy(ctx context.Context, workspaceID, accountID string, strategy SyncStrategy) error {
	return s.mutateSchedule(ctx, workspaceID, accountID, func(schedule *SyncSchedule) {
		// a cursor belongs to the listing of one priority filter
		if schedule.PriorityMode != strategy.PriorityMode && schedule.LastCursor != nil {
			schedule.LastCursor = nil
			schedule.Version++
		}
		schedule.BatchSize = strategy.BatchSize
		schedule.MaxItemsPerCycle = strategy.MaxItemsPerCycle
		schedule.PriorityMode = strategy.PriorityMode
	})
}

func (s *InMemoryBackingStore) AdvanceCursor(ctx context.Context, advance CursorAdvance) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if advance.Delta < 0 {
		return false, fmt.Errorf("%w: negative counter delta %d", ErrInvalidInput, advance.Delta)
	}
	key := pairKey(advance.WorkspaceID, advance.AccountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.state.Schedules[key]
	if !ok {
		return false, ErrNotFound
	}
	next := prev.clone()
	applied := true
	if advance.MoveCursor {
		if sameCursor(normalizeCursor(next.LastCursor), normalizeCursor(advance.ExpectedCursor)) {
			next.LastCursor = normalizeCursor(advance.NextCursor)
		} else {
			applied = false
		}
	}
	next.TotalItemsSynced += int64(advance.Delta)
	syncedAt := advance.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.now()
	}
	next.LastSyncAt = &syncedAt
	next.Version++
	next.UpdatedAt = s.now()
	s.state.Schedules[key] = next
	if err := s.persistLocked(); err != nil {
		s.state.Schedules[key] = prev
		return false, err
	}
	return applied, nil
}

func (s *InMemoryBackingStore) SetNextSyncAt(ctx context.Context, workspaceID, accountID string, at time.Time) error {
	return s.mutateSchedule(ctx, workspaceID, accountID, func(schedule *SyncSchedule) {
		next := at.UTC()
		schedule.NextSyncAt = &next
	})
}

func (s *InMemoryBackingStore) SetEnabled(ctx context.Context, workspaceID, accountID string, enabled bool) error {
	return s.mutateSchedule(ctx, workspaceID, accountID, func(schedule *SyncSchedule) {
		schedule.Enabled = enabled
	})
}

func (s *InMemoryBackingStore) ListEnabledSchedules(ctx context.Context) ([]SyncSchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncSchedule, 0, len(s.state.Schedules))
	for _, schedule := range s.state.Schedules {
		if schedule.Enabled {
			out = append(out, schedule.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkspaceID != out[j].WorkspaceID {
			return out[i].WorkspaceID < out[j].WorkspaceID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (s *InMemoryBackingStore) AppendHistory(ctx context.Context, outcome SyncOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(outcome.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.History
	history := append(prev, outcome.clone())
	if s.retention > 0 && len(history) > s.retention {
		history = append([]SyncOutcome(nil), history[len(history)-s.retention:]...)
	}
	s.state.History = history
	if err := s.persistLocked(); err != nil {
		s.state.History = prev
		return err
	}
	return nil
}

func (s *InMemoryBackingStore) ListRecentHistory(ctx context.Context, workspaceID, accountID string, limit int) ([]SyncOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []SyncOutcome{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncOutcome, 0, limit)
	for i := len(s.state.History) - 1; i >= 0 && len(out) < limit; i-- {
		outcome := s.state.History[i]
		if outcome.WorkspaceID != workspaceID {
			continue
		}
		if accountID != "" && outcome.AccountID != accountID {
			continue
		}
		out = append(out, outcome.clone())
	}
	return out, nil
}

func (s *InMemoryBackingStore) Close() error {
	return nil
}

func (s *InMemoryBackingStore) mutateSchedule(ctx context.Context, workspaceID, accountID string, mutate func(*SyncSchedule)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := pairKey(workspaceID, accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.state.Schedules[key]
	if !ok {
		return ErrNotFound
	}
	next := prev.clone()
	mutate(&next)
	next.UpdatedAt = s.now()
	s.state.Schedules[key] = next
	if err := s.persistLocked(); err != nil {
		s.state.Schedules[key] = prev
		return err
	}
	return nil
}

func (s *InMemoryBackingStore) restoreScheduleLocked(key string, prev SyncSchedule, had bool) {
	if had {
		s.state.Schedules[key] = prev
		return
	}
	delete(s.state.Schedules, key)
}

func (s *InMemoryBackingStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func validateSchedule(schedule SyncSchedule) error {
	if strings.TrimSpace(schedule.WorkspaceID) == "" || strings.TrimSpace(schedule.AccountID) == "" {
		return fmt.Errorf("%w: workspace and account are required", ErrInvalidInput)
	}
	if !schedule.SyncType.Valid() {
		return fmt.Errorf("%w: sync type %q", ErrInvalidInput, schedule.SyncType)
	}
	if !schedule.PriorityMode.Valid() {
		return fmt.Errorf("%w: priority mode %q", ErrInvalidInput, schedule.PriorityMode)
	}
	if schedule.IntervalMinutes <= 0 || schedule.BatchSize <= 0 || schedule.MaxItemsPerCycle <= 0 {
		return fmt.Errorf("%w: interval, batch size and cycle cap must be positive", ErrInvalidInput)
	}
	return nil
}
