package relaysync

import (
	"context"
	"encoding/json"
)

type FetchRequest struct {
	Filter          PriorityFilter
	Cursor          *string
	Limit           int
	SyncType        SyncType
	MessagesPerItem int
}

type Page struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor *string           `json:"nextCursor"`
}

// RemoteProvider is the automation provider holding the remote dataset.
// Rate-limit, network and auth failures should be reported as
// *RemoteUnavailableError.
type RemoteProvider interface {
	FetchPage(ctx context.Context, accountID string, req FetchRequest) (Page, error)
	FetchAccountMetrics(ctx context.Context, accountID string) (ConnectionMetrics, error)
}
