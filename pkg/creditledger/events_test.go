package creditledger

import (
	"context"
	"testing"
)

func TestBroadcasterDeliversToAllSubscribers(test *testing.T) {
	test.Parallel()
	broadcaster := NewBroadcaster(4)
	defer broadcaster.Close()

	first, cancelFirst := broadcaster.Subscribe()
	defer cancelFirst()
	second, cancelSecond := broadcaster.Subscribe()
	defer cancelSecond()

	event := BalanceEvent{UserID: "user-ev", Balance: 9, Event: BalanceEventGranted}
	broadcaster.PublishBalanceChanged(context.Background(), event)

	for name, channel := range map[string]<-chan BalanceEvent{"first": first, "second": second} {
		select {
		case got := <-channel:
			if got.UserID != "user-ev" || got.Event != BalanceEventGranted {
				test.Fatalf("%s subscriber got %+v", name, got)
			}
		default:
			test.Fatalf("%s subscriber missed the event", name)
		}
	}
}

func TestBroadcasterDropsWhenSubscriberBufferFull(test *testing.T) {
	test.Parallel()
	broadcaster := NewBroadcaster(1)
	defer broadcaster.Close()

	channel, cancel := broadcaster.Subscribe()
	defer cancel()

	broadcaster.PublishBalanceChanged(context.Background(), BalanceEvent{UserID: "u", Delta: 1})
	broadcaster.PublishBalanceChanged(context.Background(), BalanceEvent{UserID: "u", Delta: 2})

	got := <-channel
	if got.Delta != 1 {
		test.Fatalf("expected the first event, got delta %d", got.Delta)
	}
	select {
	case extra := <-channel:
		test.Fatalf("expected the overflow event dropped, got delta %d", extra.Delta)
	default:
	}
}

func TestBroadcasterCancelStopsDelivery(test *testing.T) {
	test.Parallel()
	broadcaster := NewBroadcaster(4)
	defer broadcaster.Close()

	channel, cancel := broadcaster.Subscribe()
	cancel()
	if _, open := <-channel; open {
		test.Fatalf("expected channel closed after cancel")
	}
	// Publishing after cancel must not panic on the closed channel.
	broadcaster.PublishBalanceChanged(context.Background(), BalanceEvent{UserID: "u"})
	cancel()
}

func TestBroadcasterCloseTerminatesSubscribers(test *testing.T) {
	test.Parallel()
	broadcaster := NewBroadcaster(4)
	channel, cancel := broadcaster.Subscribe()
	defer cancel()

	broadcaster.Close()
	if _, open := <-channel; open {
		test.Fatalf("expected channel closed after Close")
	}

	late, lateCancel := broadcaster.Subscribe()
	defer lateCancel()
	if _, open := <-late; open {
		test.Fatalf("expected a post-Close subscription to start closed")
	}
	broadcaster.PublishBalanceChanged(context.Background(), BalanceEvent{UserID: "u"})
	broadcaster.Close()
}
