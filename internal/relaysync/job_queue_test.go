package relaysync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func testJob(id string) CycleJob {
	return CycleJob{
		ID:          id,
		WorkspaceID: "ws_1",
		AccountID:   "acct_1",
		Kind:        TriggerScheduled,
		EnqueuedAt:  time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC),
	}
}

func TestInMemoryJobQueueFIFOAndCapacity(t *testing.T) {
	queue := NewInMemoryJobQueue(2)
	if !queue.TryEnqueue(testJob("job_a")) || !queue.TryEnqueue(testJob("job_b")) {
		t.Fatalf("expected enqueue to succeed")
	}
	if queue.TryEnqueue(testJob("job_c")) {
		t.Fatalf("expected enqueue to fail at capacity")
	}
	if queue.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", queue.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.ID != "job_a" {
		t.Fatalf("expected first job job_a, got %+v (ok=%v)", first, ok)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.ID != "job_b" {
		t.Fatalf("expected second job job_b, got %+v (ok=%v)", second, ok)
	}
	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to time out")
	}
}

func TestJobQueueRejectsInvalidJobs(t *testing.T) {
	queue := NewInMemoryJobQueue(4)
	invalid := []CycleJob{
		{WorkspaceID: "ws_1", AccountID: "acct_1", Kind: TriggerScheduled},
		{ID: "job_1", AccountID: "acct_1", Kind: TriggerScheduled},
		{ID: "job_1", WorkspaceID: "ws_1", AccountID: "acct_1", Kind: TriggerKind("cron")},
	}
	for _, job := range invalid {
		if queue.TryEnqueue(job) {
			t.Fatalf("expected invalid job to be rejected: %+v", job)
		}
	}
}

func TestFileJobQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job-queue.json")
	queue, err := NewFileJobQueue(path, 4)
	if err != nil {
		t.Fatalf("new file job queue failed: %v", err)
	}
	phase := testJob("job_phase")
	phase.Kind = TriggerPhase
	phase.Phase = PhaseActive
	phase.SessionID = "session_1"
	if !queue.TryEnqueue(testJob("job_1")) || !queue.TryEnqueue(phase) {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFileJobQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file job queue failed: %v", err)
	}
	snapshot := reopened.(jobQueueSnapshotter).SnapshotJobs()
	if len(snapshot) != 2 {
		t.Fatalf("expected two persisted jobs, got %+v", snapshot)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.ID != "job_1" {
		t.Fatalf("expected first dequeued job job_1, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.ID != "job_phase" || second.Phase != PhaseActive || second.SessionID != "session_1" {
		t.Fatalf("expected phase job to round trip, got %+v (ok=%v)", second, ok)
	}
}

func TestFileJobQueueCapacityAndTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity-job-queue.json")
	queue, err := NewFileJobQueue(path, 1)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(testJob("job_cap_1")) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(testJob("job_cap_2")) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}

func TestFileJobQueueTrimsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oversized-job-queue.json")
	queue, err := NewFileJobQueue(path, 3)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		queue.TryEnqueue(testJob(fmt.Sprintf("job_%d", i)))
	}
	reopened, err := NewFileJobQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen queue failed: %v", err)
	}
	snapshot := reopened.(jobQueueSnapshotter).SnapshotJobs()
	if len(snapshot) != 2 || snapshot[0].ID != "job_1" {
		t.Fatalf("expected newest two jobs after trim, got %+v", snapshot)
	}
}

func TestPostgresIntegrationJobQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresJobQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres job queue: %v", err)
	}
	queue.tableName = postgresIntegrationTableName("relaysync_jobq_it")
	queue.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.tableName)
	})

	if !queue.TryEnqueue(testJob("job_a")) || !queue.TryEnqueue(testJob("job_b")) {
		t.Fatalf("expected first two enqueues to succeed")
	}
	if queue.TryEnqueue(testJob("job_c")) {
		t.Fatalf("expected enqueue job_c to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}
	snapshot := queue.SnapshotJobs()
	if len(snapshot) != 2 || snapshot[0].ID != "job_a" || snapshot[1].ID != "job_b" {
		t.Fatalf("unexpected snapshot order/content: %+v", snapshot)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.ID != "job_a" {
		t.Fatalf("expected first dequeue job_a, got ok=%v value=%+v", ok, first)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.ID != "job_b" {
		t.Fatalf("expected second dequeue job_b, got ok=%v value=%+v", ok, second)
	}
	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
