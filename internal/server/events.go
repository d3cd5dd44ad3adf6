package server

import (
	"context"
	"sync"

	"github.com/baraziliya/rank/backend/internal/rating"
)

const eventHeartbeat = "heartbeat"

// EventDispatcher fans match lifecycle events out to per-player SSE
// subscribers. It implements rating.EventSink; publishing never blocks, slow
// subscribers simply miss events.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan rating.Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of events involving the given player. The
// returned cleanup is also invoked when the context ends.
func (d *EventDispatcher) Subscribe(ctx context.Context, playerID string) (<-chan rating.Event, func()) {
	if playerID == "" {
		ch := make(chan rating.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan rating.Event, d.bufferSize),
	}
	d.registerSubscriber(playerID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(playerID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishMatchEvent delivers the event to every participant's subscribers.
func (d *EventDispatcher) PublishMatchEvent(event rating.Event) {
	if event.MatchID == "" || event.Type == "" {
		return
	}
	for _, playerID := range event.PlayerIDs {
		d.publishTo(playerID, event)
	}
}

func (d *EventDispatcher) publishTo(playerID string, event rating.Event) {
	d.mu.RLock()
	subscribers := d.subscribers[playerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(playerID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[playerID]; !ok {
		d.subscribers[playerID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[playerID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(playerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[playerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, playerID)
		}
	}
	d.mu.Unlock()
}
