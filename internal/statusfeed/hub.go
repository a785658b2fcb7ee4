package statusfeed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultSubscriberBuffer = 64
	defaultWriteTimeout     = 5 * time.Second
)

// Hub fans status events out to in-process subscribers, grouped by
// workspace. Slow subscribers lose events rather than block the engine.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	buffer      int
	logger      zerolog.Logger
}

type subscriber struct {
	ch      chan relaysync.StatusEvent
	dropped int
}

var _ relaysync.EventSink = (*Hub)(nil)

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subscribers: map[string]map[*subscriber]struct{}{},
		buffer:      buffer,
		logger:      logger,
	}
}

func (h *Hub) Publish(_ context.Context, event relaysync.StatusEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers[event.WorkspaceID] {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
			h.logger.Warn().
				Str("workspace", event.WorkspaceID).
				Str("event", string(event.Type)).
				Int("dropped", sub.dropped).
				Msg("status subscriber lagging, event dropped")
		}
	}
	return nil
}

// Subscribe registers a subscriber for workspaceID. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(workspaceID string) (<-chan relaysync.StatusEvent, func()) {
	workspaceID = strings.TrimSpace(workspaceID)
	sub := &subscriber{ch: make(chan relaysync.StatusEvent, h.buffer)}
	h.mu.Lock()
	subs, ok := h.subscribers[workspaceID]
	if !ok {
		subs = map[*subscriber]struct{}{}
		h.subscribers[workspaceID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subscribers[workspaceID], sub)
			if len(h.subscribers[workspaceID]) == 0 {
				delete(h.subscribers, workspaceID)
			}
			close(sub.ch)
		})
	}
}

func (h *Hub) Subscribers(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[strings.TrimSpace(workspaceID)])
}

// Stream writes every event of workspaceID to conn as JSON until ctx ends or
// the peer goes away. Incoming messages are discarded.
func (h *Hub) Stream(ctx context.Context, conn *websocket.Conn, workspaceID string) error {
	events, cancel := h.Subscribe(workspaceID)
	defer cancel()
	ctx = conn.CloseRead(ctx)

	h.logger.Debug().Str("workspace", workspaceID).Msg("status stream opened")
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return nil
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if err != nil {
				h.logger.Debug().Err(err).Str("workspace", workspaceID).Msg("status stream closed")
				return err
			}
		}
	}
}
