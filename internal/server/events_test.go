package server

import (
	"context"
	"testing"
	"time"

	"github.com/baraziliya/rank/backend/internal/rating"
)

func expectEvent(t *testing.T, stream <-chan rating.Event) rating.Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return rating.Event{}
	}
}

func expectNoEvent(t *testing.T, stream <-chan rating.Event) {
	t.Helper()
	select {
	case event, ok := <-stream:
		if ok {
			t.Fatalf("unexpected event %+v", event)
		}
	default:
	}
}

func TestPublishReachesEveryParticipant(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx := context.Background()

	first, cancelFirst := dispatcher.Subscribe(ctx, "p1")
	defer cancelFirst()
	second, cancelSecond := dispatcher.Subscribe(ctx, "p2")
	defer cancelSecond()

	dispatcher.PublishMatchEvent(rating.Event{
		Type:      rating.EventMatchConfirmed,
		MatchID:   "m1",
		PlayerIDs: []string{"p1", "p2"},
	})

	for _, stream := range []<-chan rating.Event{first, second} {
		event := expectEvent(t, stream)
		if event.MatchID != "m1" || event.Type != rating.EventMatchConfirmed {
			t.Fatalf("unexpected event %+v", event)
		}
	}
}

func TestPublishSkipsUninvolvedPlayers(t *testing.T) {
	dispatcher := NewEventDispatcher()

	involved, cancelInvolved := dispatcher.Subscribe(context.Background(), "p1")
	defer cancelInvolved()
	bystander, cancelBystander := dispatcher.Subscribe(context.Background(), "p9")
	defer cancelBystander()

	dispatcher.PublishMatchEvent(rating.Event{
		Type:      rating.EventMatchSubmitted,
		MatchID:   "m1",
		PlayerIDs: []string{"p1", "p2", "p3", "p4"},
	})

	expectEvent(t, involved)
	expectNoEvent(t, bystander)
}

func TestSubscribeCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewEventDispatcher()

	stream, cancel := dispatcher.Subscribe(context.Background(), "p1")
	cancel()

	dispatcher.PublishMatchEvent(rating.Event{
		Type:      rating.EventMatchDeleted,
		MatchID:   "m1",
		PlayerIDs: []string{"p1"},
	})

	expectNoEvent(t, stream)
}

func TestSubscribeHonorsContextCancellation(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := dispatcher.Subscribe(ctx, "p1")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["p1"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.PublishMatchEvent(rating.Event{
		Type:      rating.EventMatchSubmitted,
		MatchID:   "m1",
		PlayerIDs: []string{"p1"},
	})
	expectNoEvent(t, stream)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()

	_, cancel := dispatcher.Subscribe(context.Background(), "p1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < dispatcher.bufferSize*2; i++ {
			dispatcher.PublishMatchEvent(rating.Event{
				Type:      rating.EventMatchSubmitted,
				MatchID:   "m1",
				PlayerIDs: []string{"p1"},
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publishing blocked on a slow subscriber")
	}
}

func TestPublishIgnoresIncompleteEvents(t *testing.T) {
	dispatcher := NewEventDispatcher()

	stream, cancel := dispatcher.Subscribe(context.Background(), "p1")
	defer cancel()

	dispatcher.PublishMatchEvent(rating.Event{PlayerIDs: []string{"p1"}})
	expectNoEvent(t, stream)
}
