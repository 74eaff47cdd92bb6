package lx

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a committed state change
type EventType string

const (
	EventPairAdded          EventType = "pair.added"
	EventPriceUpdated       EventType = "price.updated"
	EventPositionOpened     EventType = "position.opened"
	EventPositionClosed     EventType = "position.closed"
	EventPositionLiquidated EventType = "position.liquidated"
	EventOrderCreated       EventType = "order.created"
	EventOrderUpdated       EventType = "order.updated"
	EventOrderExecuted      EventType = "order.executed"
	EventOrderCancelled     EventType = "order.cancelled"
)

// Channel groups event types for subscribers.
func (t EventType) Channel() string {
	switch t {
	case EventPairAdded, EventPriceUpdated:
		return "prices"
	case EventPositionOpened, EventPositionClosed, EventPositionLiquidated:
		return "positions"
	default:
		return "orders"
	}
}

// Event is emitted once the operation that produced it has committed.
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	Time       time.Time   `json:"time"`
	Account    Account     `json:"account,omitempty"`
	Pair       PairID      `json:"pair,omitempty"`
	PositionID uint64      `json:"positionId,omitempty"`
	OrderID    uint64      `json:"orderId,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// Publisher receives committed events. Publish must not block.
type Publisher interface {
	Publish(e *Event) error
}

// journal buffers events of the running operation until it commits.
type journal struct {
	now    func() time.Time
	events []*Event
}

func (j *journal) emit(e *Event) {
	e.ID = uuid.NewString()
	e.Time = j.now()
	j.events = append(j.events, e)
}

func (j *journal) drain() []*Event {
	out := j.events
	j.events = nil
	return out
}

// Recorder is a Publisher that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *Recorder) Publish(e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
