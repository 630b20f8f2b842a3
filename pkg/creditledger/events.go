package creditledger

import (
	"context"
	"sync"
)

// BalanceEventKind labels what mutation produced a balance-changed event.
type BalanceEventKind string

const (
	BalanceEventGranted  BalanceEventKind = "granted"
	BalanceEventReserved BalanceEventKind = "reserved"
	BalanceEventCaptured BalanceEventKind = "captured"
	BalanceEventReleased BalanceEventKind = "released"
	BalanceEventRenewed  BalanceEventKind = "renewed"
	BalanceEventExpired  BalanceEventKind = "expired"
)

// BalanceEvent is the balance-changed payload published once per mutating
// operation. Delivery is best-effort, at-most-once; consumers reconcile via
// periodic balance polling.
type BalanceEvent struct {
	UserID          string           `json:"user_id"`
	Balance         int64            `json:"balance"`
	Available       int64            `json:"available"`
	Reserved        int64            `json:"reserved"`
	Event           BalanceEventKind `json:"event"`
	ReservationID   string           `json:"reservation_id,omitempty"`
	Delta           int64            `json:"delta,omitempty"`
	OccurredUnixUTC int64            `json:"event_ts"`
}

// BalancePublisher receives balance-changed events after a mutation commits.
type BalancePublisher interface {
	PublishBalanceChanged(ctx context.Context, event BalanceEvent)
}

// Broadcaster fans BalanceEvents out to any number of subscribers over
// buffered channels. A slow subscriber drops events instead of blocking the
// publishing operation.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan BalanceEvent
	nextID      int
	buffer      int
	closed      bool
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold up to
// buffer undelivered events each.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{
		subscribers: make(map[int]chan BalanceEvent),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes its channel.
func (broadcaster *Broadcaster) Subscribe() (<-chan BalanceEvent, func()) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	channel := make(chan BalanceEvent, broadcaster.buffer)
	if broadcaster.closed {
		close(channel)
		return channel, func() {}
	}
	id := broadcaster.nextID
	broadcaster.nextID++
	broadcaster.subscribers[id] = channel
	cancel := func() {
		broadcaster.mu.Lock()
		defer broadcaster.mu.Unlock()
		if subscribed, ok := broadcaster.subscribers[id]; ok {
			delete(broadcaster.subscribers, id)
			close(subscribed)
		}
	}
	return channel, cancel
}

// PublishBalanceChanged delivers the event to every subscriber without
// blocking; subscribers with full buffers miss the event.
func (broadcaster *Broadcaster) PublishBalanceChanged(_ context.Context, event BalanceEvent) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closed {
		return
	}
	for _, channel := range broadcaster.subscribers {
		select {
		case channel <- event:
		default:
		}
	}
}

// Close terminates all subscriptions.
func (broadcaster *Broadcaster) Close() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closed {
		return
	}
	broadcaster.closed = true
	for id, channel := range broadcaster.subscribers {
		delete(broadcaster.subscribers, id)
		close(channel)
	}
}
