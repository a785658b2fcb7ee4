package relaysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlSchedulesTableName = "relaysync_schedules"
	sqlItemsTableName     = "relaysync_items"
	sqlHistoryTableName   = "relaysync_history"
	sqlOperationTimeout   = 5 * time.Second
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type sqlDialect struct {
	name      string
	driver    string
	historyPK string
}

var (
	postgresDialect = sqlDialect{name: "postgres", driver: "postgres", historyPK: "seq BIGSERIAL PRIMARY KEY"}
	sqliteDialect   = sqlDialect{name: "sqlite", driver: "sqlite", historyPK: "seq INTEGER PRIMARY KEY AUTOINCREMENT"}
)

type sqlxOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

// SQLBackingStore implements BackingStore on Postgres (lib/pq) or SQLite
// (modernc). Timestamps are stored as unix milliseconds.
type SQLBackingStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlxOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

type scheduleRow struct {
	WorkspaceID      string         `db:"workspace_id"`
	AccountID        string         `db:"account_id"`
	Enabled          bool           `db:"enabled"`
	IntervalMinutes  int            `db:"interval_minutes"`
	SyncType         string         `db:"sync_type"`
	BatchSize        int            `db:"batch_size"`
	MaxItemsPerCycle int            `db:"max_items_per_cycle"`
	PriorityMode     string         `db:"priority_mode"`
	LastSyncAt       sql.NullInt64  `db:"last_sync_at"`
	NextSyncAt       sql.NullInt64  `db:"next_sync_at"`
	LastCursor       sql.NullString `db:"last_cursor"`
	TotalItemsSynced int64          `db:"total_items_synced"`
	Version          int64          `db:"version"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

type itemRow struct {
	WorkspaceID  string `db:"workspace_id"`
	RemoteItemID string `db:"remote_item_id"`
	Kind         string `db:"kind"`
	Payload      string `db:"payload"`
	SyncedAt     int64  `db:"synced_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

type historyRow struct {
	ID          string         `db:"id"`
	WorkspaceID string         `db:"workspace_id"`
	AccountID   string         `db:"account_id"`
	TriggerKind string         `db:"trigger_kind"`
	Phase       string         `db:"phase"`
	ItemsSynced int            `db:"items_synced"`
	NextCursor  sql.NullString `db:"next_cursor"`
	Status      string         `db:"status"`
	DurationMs  int64          `db:"duration_ms"`
	Errors      string         `db:"errors"`
	StartedAt   int64          `db:"started_at"`
	FinishedAt  int64          `db:"finished_at"`
}

const scheduleColumns = `workspace_id, account_id, enabled, interval_minutes, sync_type, batch_size,
	max_items_per_cycle, priority_mode, last_sync_at, next_sync_at, last_cursor,
	total_items_synced, version, created_at, updated_at`

const historyColumns = `id, workspace_id, account_id, trigger_kind, phase, items_synced, next_cursor,
	status, duration_ms, errors, started_at, finished_at`

func NewPostgresBackingStore(dsn string) (*SQLBackingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackingStore{dsn: dsn, dialect: postgresDialect, openDB: sqlx.Open}, nil
}

// NewSQLiteBackingStore opens a SQLite database file. WAL mode and a busy
// timeout are applied, and the pool is limited to one connection.
func NewSQLiteBackingStore(path string) (*SQLBackingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return &SQLBackingStore{dsn: dsn, dialect: sqliteDialect, openDB: sqlx.Open}, nil
}

func (s *SQLBackingStore) Dialect() string {
	return s.dialect.name
}

func (s *SQLBackingStore) UpsertItem(ctx context.Context, workspaceID, remoteItemID, kind string, payload json.RawMessage) error {
	workspaceID = strings.TrimSpace(workspaceID)
	remoteItemID = strings.TrimSpace(remoteItemID)
	if workspaceID == "" || remoteItemID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	now := time.Now().UTC().UnixMilli()
	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (workspace_id, remote_item_id, kind, payload, synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, remote_item_id)
		DO UPDATE SET kind = excluded.kind, payload = excluded.payload, updated_at = excluded.updated_at`,
		quoteIdentifier(sqlItemsTableName)))
	_, err := s.db.ExecContext(ctx, query, workspaceID, remoteItemID, kind, string(payload), now, now)
	return err
}

func (s *SQLBackingStore) GetItem(ctx context.Context, workspaceID, remoteItemID string) (*SyncedItem, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT workspace_id, remote_item_id, kind, payload, synced_at, updated_at
		FROM %s WHERE workspace_id = ? AND remote_item_id = ?`, quoteIdentifier(sqlItemsTableName)))
	var row itemRow
	err := s.db.GetContext(ctx, &row, query, workspaceID, remoteItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &SyncedItem{
		WorkspaceID:  row.WorkspaceID,
		RemoteItemID: row.RemoteItemID,
		Kind:         row.Kind,
		Payload:      json.RawMessage(row.Payload),
		SyncedAt:     fromMillis(row.SyncedAt),
		UpdatedAt:    fromMillis(row.UpdatedAt),
	}, nil
}

func (s *SQLBackingStore) CountItems(ctx context.Context, workspaceID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE workspace_id = ?", quoteIdentifier(sqlItemsTableName)))
	var count int
	if err := s.db.GetContext(ctx, &count, query, workspaceID); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLBackingStore) GetSchedule(ctx context.Context, workspaceID, accountID string) (*SyncSchedule, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE workspace_id = ? AND account_id = ?",
		scheduleColumns, quoteIdentifier(sqlSchedulesTableName)))
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, query, workspaceID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	schedule := row.toSchedule()
	return &schedule, nil
}

func (s *SQLBackingStore) UpsertSchedule(ctx context.Context, schedule SyncSchedule) error {
	if err := validateSchedule(schedule); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	now := time.Now().UTC()
	createdAt := schedule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	total := schedule.TotalItemsSynced
	if total < 0 {
		total = 0
	}
	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (workspace_id, account_id)
		DO UPDATE SET
			enabled = excluded.enabled,
			interval_minutes = excluded.interval_minutes,
			sync_type = excluded.sync_type,
			batch_size = excluded.batch_size,
			max_items_per_cycle = excluded.max_items_per_cycle,
			priority_mode = excluded.priority_mode,
			next_sync_at = excluded.next_sync_at,
			updated_at = excluded.updated_at`,
		quoteIdentifier(sqlSchedulesTableName), scheduleColumns))
	_, err := s.db.ExecContext(ctx, query,
		schedule.WorkspaceID,
		schedule.AccountID,
		schedule.Enabled,
		schedule.IntervalMinutes,
		string(schedule.SyncType),
		schedule.BatchSize,
		schedule.MaxItemsPerCycle,
		string(schedule.PriorityMode),
		nullMillis(schedule.LastSyncAt),
		nullMillis(schedule.NextSyncAt),
		nullCursor(schedule.LastCursor),
		total,
		createdAt.UTC().UnixMilli(),
		now.UnixMilli(),
	)
	return err
}

func (s *SQLBackingStore) UpdateStrategy(ctx context.Context, workspaceID, accountID string, strategy SyncStrategy) error {
	mode := string(strategy.PriorityMode)
	// a cursor belongs to the listing of one priority filter
	return s.execScheduleUpdate(ctx, workspaceID, accountID,
		`last_cursor = CASE WHEN priority_mode <> ? THEN NULL ELSE last_cursor END,
		version = CASE WHEN priority_mode <> ? AND last_cursor IS NOT NULL THEN version + 1 ELSE version END,
		batch_size = ?, max_items_per_cycle = ?, priority_mode = ?`,
		mode, mode, strategy.BatchSize, strategy.MaxItemsPerCycle, mode)
}

func (s *SQLBackingStore) AdvanceCursor(ctx context.Context, advance CursorAdvance) (bool, error) {
	if advance.Delta < 0 {
		return false, fmt.Errorf("%w: negative counter delta %d", ErrInvalidInput, advance.Delta)
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	syncedAt := advance.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	table := quoteIdentifier(sqlSchedulesTableName)
	now := time.Now().UTC().UnixMilli()

	if advance.MoveCursor {
		args := []any{nullCursor(advance.NextCursor), advance.Delta, syncedAt.UnixMilli(), now, advance.WorkspaceID, advance.AccountID}
		condition := "last_cursor IS NULL"
		if expected := normalizeCursor(advance.ExpectedCursor); expected != nil {
			condition = "last_cursor = ?"
			args = append(args, *expected)
		}
		query := s.db.Rebind(fmt.Sprintf(`
			UPDATE %s
			SET last_cursor = ?, total_items_synced = total_items_synced + ?, last_sync_at = ?,
				version = version + 1, updated_at = ?
			WHERE workspace_id = ? AND account_id = ? AND %s`, table, condition))
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return false, err
		}
		if affected, err := result.RowsAffected(); err == nil && affected > 0 {
			return true, nil
		}
	}

	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET total_items_synced = total_items_synced + ?, last_sync_at = ?, version = version + 1, updated_at = ?
		WHERE workspace_id = ? AND account_id = ?`, table))
	result, err := s.db.ExecContext(ctx, query, advance.Delta, syncedAt.UnixMilli(), now, advance.WorkspaceID, advance.AccountID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, ErrNotFound
	}
	return !advance.MoveCursor, nil
}

func (s *SQLBackingStore) SetNextSyncAt(ctx context.Context, workspaceID, accountID string, at time.Time) error {
	return s.execScheduleUpdate(ctx, workspaceID, accountID, "next_sync_at = ?", at.UTC().UnixMilli())
}

func (s *SQLBackingStore) SetEnabled(ctx context.Context, workspaceID, accountID string, enabled bool) error {
	return s.execScheduleUpdate(ctx, workspaceID, accountID, "enabled = ?", enabled)
}

func (s *SQLBackingStore) ListEnabledSchedules(ctx context.Context) ([]SyncSchedule, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE enabled = ? ORDER BY workspace_id, account_id",
		scheduleColumns, quoteIdentifier(sqlSchedulesTableName)))
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, query, true); err != nil {
		return nil, err
	}
	out := make([]SyncSchedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSchedule())
	}
	return out, nil
}

func (s *SQLBackingStore) AppendHistory(ctx context.Context, outcome SyncOutcome) error {
	if strings.TrimSpace(outcome.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	errs := outcome.Errors
	if errs == nil {
		errs = []string{}
	}
	encodedErrors, err := json.Marshal(errs)
	if err != nil {
		return err
	}
	query := s.db.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		quoteIdentifier(sqlHistoryTableName), historyColumns))
	_, err = s.db.ExecContext(ctx, query,
		outcome.ID,
		outcome.WorkspaceID,
		outcome.AccountID,
		string(outcome.Trigger),
		string(outcome.Phase),
		outcome.ItemsSynced,
		nullCursor(outcome.NextCursor),
		string(outcome.Status),
		outcome.DurationMs,
		string(encodedErrors),
		outcome.StartedAt.UTC().UnixMilli(),
		outcome.FinishedAt.UTC().UnixMilli(),
	)
	return err
}

func (s *SQLBackingStore) ListRecentHistory(ctx context.Context, workspaceID, accountID string, limit int) ([]SyncOutcome, error) {
	if limit <= 0 {
		return []SyncOutcome{}, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	table := quoteIdentifier(sqlHistoryTableName)
	var (
		query string
		args  []any
	)
	if accountID == "" {
		query = fmt.Sprintf("SELECT %s FROM %s WHERE workspace_id = ? ORDER BY seq DESC LIMIT ?", historyColumns, table)
		args = []any{workspaceID, limit}
	} else {
		query = fmt.Sprintf("SELECT %s FROM %s WHERE workspace_id = ? AND account_id = ? ORDER BY seq DESC LIMIT ?", historyColumns, table)
		args = []any{workspaceID, accountID, limit}
	}
	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]SyncOutcome, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toOutcome())
	}
	return out, nil
}

func (s *SQLBackingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLBackingStore) execScheduleUpdate(ctx context.Context, workspaceID, accountID, assignments string, values ...any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf("UPDATE %s SET %s, updated_at = ? WHERE workspace_id = ? AND account_id = ?",
		quoteIdentifier(sqlSchedulesTableName), assignments))
	args := append(values, time.Now().UTC().UnixMilli(), workspaceID, accountID)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLBackingStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.name == sqliteDialect.name {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					workspace_id TEXT NOT NULL,
					account_id TEXT NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT FALSE,
					interval_minutes INTEGER NOT NULL,
					sync_type TEXT NOT NULL,
					batch_size INTEGER NOT NULL,
					max_items_per_cycle INTEGER NOT NULL,
					priority_mode TEXT NOT NULL,
					last_sync_at BIGINT,
					next_sync_at BIGINT,
					last_cursor TEXT,
					total_items_synced BIGINT NOT NULL DEFAULT 0,
					version BIGINT NOT NULL DEFAULT 0,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (workspace_id, account_id)
				)`, quoteIdentifier(sqlSchedulesTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					workspace_id TEXT NOT NULL,
					remote_item_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					synced_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (workspace_id, remote_item_id)
				)`, quoteIdentifier(sqlItemsTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					%s,
					id TEXT NOT NULL UNIQUE,
					workspace_id TEXT NOT NULL,
					account_id TEXT NOT NULL,
					trigger_kind TEXT NOT NULL,
					phase TEXT NOT NULL DEFAULT '',
					items_synced INTEGER NOT NULL,
					next_cursor TEXT,
					status TEXT NOT NULL,
					duration_ms BIGINT NOT NULL,
					errors TEXT NOT NULL,
					started_at BIGINT NOT NULL,
					finished_at BIGINT NOT NULL
				)`, quoteIdentifier(sqlHistoryTableName), s.dialect.historyPK),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (workspace_id, account_id, seq)",
				quoteIdentifier(sqlHistoryTableName+"_pair_seq_idx"), quoteIdentifier(sqlHistoryTableName)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (r scheduleRow) toSchedule() SyncSchedule {
	schedule := SyncSchedule{
		WorkspaceID:      r.WorkspaceID,
		AccountID:        r.AccountID,
		Enabled:          r.Enabled,
		IntervalMinutes:  r.IntervalMinutes,
		SyncType:         SyncType(r.SyncType),
		BatchSize:        r.BatchSize,
		MaxItemsPerCycle: r.MaxItemsPerCycle,
		PriorityMode:     PriorityMode(r.PriorityMode),
		TotalItemsSynced: r.TotalItemsSynced,
		Version:          r.Version,
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
	if r.LastSyncAt.Valid {
		at := fromMillis(r.LastSyncAt.Int64)
		schedule.LastSyncAt = &at
	}
	if r.NextSyncAt.Valid {
		at := fromMillis(r.NextSyncAt.Int64)
		schedule.NextSyncAt = &at
	}
	if r.LastCursor.Valid {
		cursor := r.LastCursor.String
		schedule.LastCursor = normalizeCursor(&cursor)
	}
	return schedule
}

func (r historyRow) toOutcome() SyncOutcome {
	outcome := SyncOutcome{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		AccountID:   r.AccountID,
		Trigger:     TriggerKind(r.TriggerKind),
		Phase:       PhaseName(r.Phase),
		ItemsSynced: r.ItemsSynced,
		Status:      OutcomeStatus(r.Status),
		DurationMs:  r.DurationMs,
		Errors:      []string{},
		StartedAt:   fromMillis(r.StartedAt),
		FinishedAt:  fromMillis(r.FinishedAt),
	}
	if r.NextCursor.Valid {
		cursor := r.NextCursor.String
		outcome.NextCursor = &cursor
	}
	if strings.TrimSpace(r.Errors) != "" {
		_ = json.Unmarshal([]byte(r.Errors), &outcome.Errors)
	}
	return outcome
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func nullCursor(cursor *string) sql.NullString {
	cursor = normalizeCursor(cursor)
	if cursor == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *cursor, Valid: true}
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
