package relaysync

import (
	"strings"
	"sync"
)

type BackingStoreFactory func(dsn string) (BackingStore, error)
type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]BackingStoreFactory
	queueFactories map[string]JobQueueFactory
}{
	storeFactories: map[string]BackingStoreFactory{},
	queueFactories: map[string]JobQueueFactory{},
}

// RegisterBackingStoreFactory adds or replaces the store factory for a DSN
// scheme. Registered factories take precedence over the built-in schemes.
func RegisterBackingStoreFactory(scheme string, factory BackingStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupBackingStoreFactory(scheme string) (BackingStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
