package relaysync

import "testing"

func TestRegisterBackingStoreFactory(t *testing.T) {
	scheme := "storetestcustom"
	RegisterBackingStoreFactory(scheme, func(dsn string) (BackingStore, error) {
		return NewInMemoryBackingStore(), nil
	})
	store, err := BuildBackingStoreFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build backing store via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestRegisterJobQueueFactory(t *testing.T) {
	scheme := "JobQTestCustom"
	RegisterJobQueueFactory(scheme, func(dsn string, capacity int) (JobQueue, error) {
		return NewInMemoryJobQueue(capacity), nil
	})
	queue, err := BuildJobQueueFromDSN("jobqtestcustom://example", 17)
	if err != nil {
		t.Fatalf("build job queue via registered factory failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue from registered factory")
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", queue.Capacity())
	}
}

func TestRegisteredFactoryOverridesBuiltinScheme(t *testing.T) {
	called := false
	RegisterJobQueueFactory("overridetest", func(dsn string, capacity int) (JobQueue, error) {
		called = true
		return NewInMemoryJobQueue(capacity), nil
	})
	if _, err := BuildJobQueueFromDSN("overridetest://x", 1); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
	RegisterJobQueueFactory("", nil)
	if _, ok := lookupJobQueueFactory(""); ok {
		t.Fatalf("expected blank scheme registration to be ignored")
	}
}
