package sse

import "time"

// EventType discriminates the three event payload shapes the hub emits,
// plus the operational connection/heartbeat/force-disconnect frames.
type EventType string

const (
	EventConnection     EventType = "connection"
	EventHeartbeat      EventType = "heartbeat"
	EventOrderUpdate    EventType = "order_update"
	EventPositionUpdate EventType = "position_update"
	EventOrderBatch     EventType = "order_batch_update"
	EventForceDisconnect EventType = "force_disconnect"
)

// OrderEventType is the order-lifecycle sub-kind carried by OrderUpdate.
type OrderEventType string

const (
	OrderCreated   OrderEventType = "order_created"
	OrderUpdated   OrderEventType = "order_updated"
	OrderFilled    OrderEventType = "order_filled"
	OrderCancelled OrderEventType = "order_cancelled"
)

// PositionEventType is the position sub-kind carried by PositionUpdate.
type PositionEventType string

const (
	PositionCreated PositionEventType = "position_created"
	PositionUpdated PositionEventType = "position_updated"
	PositionClosed  PositionEventType = "position_closed"
)

// AccountRef is the small account summary embedded in order/position
// events so the client doesn't need a second round-trip to render them.
type AccountRef struct {
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
}

// OrderUpdate is the event_type=order_update payload (spec.md §4.I).
type OrderUpdate struct {
	EventType    OrderEventType  `json:"event_type"`
	OrderID      int64           `json:"order_id"`
	Symbol       string          `json:"symbol"`
	StrategyID   int64           `json:"strategy_id"`
	UserID       int64           `json:"user_id"`
	Side         string          `json:"side"`
	OrderType    string          `json:"order_type"`
	Quantity     string          `json:"quantity"`
	Price        string          `json:"price"`
	StopPrice    string          `json:"stop_price,omitempty"`
	Status       string          `json:"status"`
	Account      AccountRef      `json:"account"`
	Timestamp    time.Time       `json:"timestamp"`
	SuppressToast bool           `json:"suppress_toast,omitempty"`
}

// PositionUpdate is the event_type=position_update payload.
type PositionUpdate struct {
	EventType        PositionEventType `json:"event_type"`
	PositionID       string            `json:"position_id"`
	Symbol           string            `json:"symbol"`
	StrategyID       int64             `json:"strategy_id"`
	UserID           int64             `json:"user_id"`
	Quantity         string            `json:"quantity"`
	EntryPrice       string            `json:"entry_price"`
	PreviousQuantity string            `json:"previous_quantity,omitempty"`
	Account          AccountRef        `json:"account"`
	Timestamp        time.Time         `json:"timestamp"`
}

// OrderBatchSummary collapses a burst of individual order events.
type OrderBatchSummary struct {
	OrderType string `json:"order_type"`
	Created   int    `json:"created"`
	Cancelled int     `json:"cancelled"`
}

// OrderBatchUpdate is the event_type=order_batch_update payload.
type OrderBatchUpdate struct {
	Summaries []OrderBatchSummary `json:"summaries"`
	Timestamp time.Time           `json:"timestamp"`
}

// DisconnectReason enumerates why cleanup_strategy_clients/disconnect_client
// dropped a subscriber.
type DisconnectReason string

const (
	ReasonStrategyDeleted    DisconnectReason = "strategy_deleted"
	ReasonPermissionRevoked  DisconnectReason = "permission_revoked"
	ReasonAccountDeactivated DisconnectReason = "account_deactivated"
	ReasonSessionExpired     DisconnectReason = "session_expired"
)

// event is the wire envelope written to the stream: {event: <type>, data: <json>}.
type event struct {
	Type EventType
	Data interface{}
}
