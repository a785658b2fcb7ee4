package relaysync

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildBackingStoreFromDSN(dsn string) (BackingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackingStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewJSONFileBackingStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackingStore(), nil
	case "postgres", "postgresql":
		store, err := NewPostgresBackingStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		store, err := NewSQLiteBackingStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: backing store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backing store scheme: %s", scheme)
	}
}

func BuildJobQueueFromDSN(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupJobQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(capacity), nil
	case "postgres", "postgresql":
		queue, err := NewPostgresJobQueue(dsn, capacity)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "redis", "rediss", "nats", "sqs", "kafka", "amqp":
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}

// BackendKind names the implementation behind a store or queue for the
// admin surface.
func BackendKind(backend any) string {
	switch b := backend.(type) {
	case nil:
		return "none"
	case *InMemoryBackingStore:
		if b.path != "" {
			return "file"
		}
		return "memory"
	case *SQLBackingStore:
		return b.Dialect()
	case *inMemoryJobQueue:
		return "memory"
	case *fileJobQueue:
		return "file"
	case *PostgresJobQueue:
		return "postgres"
	default:
		return fmt.Sprintf("%T", backend)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
