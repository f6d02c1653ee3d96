// Package sse is the Live Event Fan-out component: strategy-scoped
// Server-Sent Events channels delivering order, position, and batch
// updates to browser clients, with per-subscriber isolation and
// force-disconnect support. Adapted from the teacher's
// pkg/liveserver/server.go (same ServeMux/bounded-queue/heartbeat
// shape); the transport changes from a WebSocket upgrade to
// text/event-stream, and subscriptions key off (user_id, strategy_id)
// instead of one flat broadcast hub.
package sse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradecore/execution-core/internal/logging"
	"github.com/tradecore/execution-core/internal/store"
	"github.com/tradecore/execution-core/pkg/telemetry"
)

const (
	defaultQueueCapacity = 50
	defaultHeartbeat     = 10 * time.Second
	putTimeout           = 200 * time.Millisecond
)

func key(userID, strategyID int64) string { return fmt.Sprintf("%d:%d", userID, strategyID) }

// Client is one subscriber's bounded outbound queue. Dropped (not
// blocked) on overflow, per spec.md §4.I.
type Client struct {
	id         string
	userID     int64
	strategyID int64
	queue      chan event
	closed     chan struct{}
	once       sync.Once
}

func newClient(userID, strategyID int64, capacity int) *Client {
	return &Client{
		id:         fmt.Sprintf("%d-%d-%d", userID, strategyID, time.Now().UnixNano()),
		userID:     userID,
		strategyID: strategyID,
		queue:      make(chan event, capacity),
		closed:     make(chan struct{}),
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closed) })
}

// tryPut enqueues ev without blocking past putTimeout; returns false if
// the client should be considered dead (queue full/closed).
func (c *Client) tryPut(ev event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.queue <- ev:
		return true
	case <-c.closed:
		return false
	case <-time.After(putTimeout):
		return false
	}
}

// Hub owns every active subscription, keyed by (user_id, strategy_id).
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*Client
	store  store.Store
	logger logging.Logger

	queueCapacity int
	heartbeat     time.Duration
}

func New(st store.Store, logger logging.Logger) *Hub {
	return &Hub{
		subs:          make(map[string][]*Client),
		store:         st,
		logger:        logger.WithField("component", "sse_hub"),
		queueCapacity: defaultQueueCapacity,
		heartbeat:     defaultHeartbeat,
	}
}

// SetQueueCapacity overrides the per-client queue depth (config-driven).
func (h *Hub) SetQueueCapacity(n int) {
	if n > 0 {
		h.queueCapacity = n
	}
}

// Subscribe validates the caller's access to strategyID (owner, or any
// StrategyAccount under it references an account the user owns),
// registers a bounded queue, and returns the client with a connection
// event already enqueued.
func (h *Hub) Subscribe(ctx context.Context, userID, strategyID int64) (*Client, error) {
	if strategyID <= 0 {
		return nil, fmt.Errorf("sse: strategy_id must be positive")
	}
	owns, err := h.store.UserOwnsStrategy(ctx, userID, strategyID)
	if err != nil {
		return nil, fmt.Errorf("sse: check access: %w", err)
	}
	if !owns {
		return nil, fmt.Errorf("sse: user %d has no access to strategy %d", userID, strategyID)
	}

	c := newClient(userID, strategyID, h.queueCapacity)
	k := key(userID, strategyID)

	h.mu.Lock()
	h.subs[k] = append(h.subs[k], c)
	count := len(h.subs[k])
	h.mu.Unlock()

	telemetry.GetGlobalMetrics().SetSSEActiveSubs(fmt.Sprintf("%d", strategyID), int64(count))

	c.tryPut(event{Type: EventConnection, Data: map[string]interface{}{
		"status":      "connected",
		"user_id":     userID,
		"strategy_id": strategyID,
		"timestamp":   time.Now(),
	}})

	h.logger.Info("sse client subscribed", "user_id", userID, "strategy_id", strategyID)
	return c, nil
}

// Unsubscribe removes one client from its (user,strategy) slot.
func (h *Hub) Unsubscribe(c *Client) {
	k := key(c.userID, c.strategyID)
	h.mu.Lock()
	clients := h.subs[k]
	for i, existing := range clients {
		if existing == c {
			h.subs[k] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	remaining := len(h.subs[k])
	if remaining == 0 {
		delete(h.subs, k)
	}
	h.mu.Unlock()
	c.close()
	telemetry.GetGlobalMetrics().SetSSEActiveSubs(fmt.Sprintf("%d", c.strategyID), int64(remaining))
}

// strategyActive reports whether strategyID currently refers to an
// active strategy, the publish-path gate required by P5/spec §4.I.
func (h *Hub) strategyActive(ctx context.Context, strategyID int64) bool {
	if strategyID <= 0 {
		return false
	}
	s, err := h.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return false
	}
	return s.Active
}

func (h *Hub) clientsFor(strategyID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, clients := range h.subs {
		for _, c := range clients {
			if c.strategyID == strategyID {
				out = append(out, c)
			}
		}
	}
	return out
}

func (h *Hub) publish(ctx context.Context, strategyID int64, ev event) {
	if !h.strategyActive(ctx, strategyID) {
		h.logger.Debug("dropping event for inactive/unknown strategy", "strategy_id", strategyID, "event", ev.Type)
		return
	}
	var dead []*Client
	for _, c := range h.clientsFor(strategyID) {
		if !c.tryPut(ev) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.Unsubscribe(c)
	}
}

// EmitOrderEvent validates strategy_id > 0 and that the strategy is
// active, then fans the order update out to every matching subscriber.
func (h *Hub) EmitOrderEvent(ctx context.Context, u OrderUpdate) {
	if u.StrategyID <= 0 {
		h.logger.Warn("dropped order event with non-positive strategy_id")
		return
	}
	h.publish(ctx, u.StrategyID, event{Type: EventOrderUpdate, Data: u})
}

// EmitPositionEvent validates and fans a position update out.
func (h *Hub) EmitPositionEvent(ctx context.Context, p PositionUpdate) {
	if p.StrategyID <= 0 {
		h.logger.Warn("dropped position event with non-positive strategy_id")
		return
	}
	h.publish(ctx, p.StrategyID, event{Type: EventPositionUpdate, Data: p})
}

// EmitOrderBatchEvent fans a batch summary out.
func (h *Hub) EmitOrderBatchEvent(ctx context.Context, strategyID int64, b OrderBatchUpdate) {
	if strategyID <= 0 {
		return
	}
	h.publish(ctx, strategyID, event{Type: EventOrderBatch, Data: b})
}

// CleanupStrategyClients force-disconnects every subscriber for
// strategyID (any user), used on strategy deletion. Synchronous: it
// returns only once every subscriber has been sent the disconnect
// event and removed (spec.md §5, P8).
func (h *Hub) CleanupStrategyClients(strategyID int64) {
	for _, c := range h.clientsFor(strategyID) {
		h.disconnect(c, ReasonStrategyDeleted)
	}
}

// DisconnectClient force-disconnects the single subscriber at
// (userID, strategyID), e.g. on permission revocation.
func (h *Hub) DisconnectClient(userID, strategyID int64, reason DisconnectReason) {
	h.mu.RLock()
	clients := append([]*Client(nil), h.subs[key(userID, strategyID)]...)
	h.mu.RUnlock()
	for _, c := range clients {
		h.disconnect(c, reason)
	}
}

func (h *Hub) disconnect(c *Client, reason DisconnectReason) {
	c.tryPut(event{Type: EventForceDisconnect, Data: map[string]interface{}{
		"reason":      reason,
		"user_id":     c.userID,
		"strategy_id": c.strategyID,
		"timestamp":   time.Now(),
	}})
	h.Unsubscribe(c)
}

// HeartbeatInterval is exposed so the HTTP handler's ticker matches the
// hub's configured cadence.
func (h *Hub) HeartbeatInterval() time.Duration { return h.heartbeat }

// SetHeartbeatInterval overrides the heartbeat cadence (config-driven).
func (h *Hub) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}
