package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stridelab/footscan/internal/scan"
)

func event(scanID string, typ scan.EventType) scan.NotificationEvent {
	return scan.NotificationEvent{ScanID: scanID, Type: typ, Payload: json.RawMessage(`{}`)}
}

func TestPublishReachesSubscribersOfThatScanOnly(t *testing.T) {
	b := NewBroadcaster()
	subA := b.Subscribe("scan-a", "conn-1")
	subB := b.Subscribe("scan-b", "conn-2")

	b.Publish(event("scan-a", scan.EventStatus))

	select {
	case ev := <-subA.Events():
		if ev.ScanID != "scan-a" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("subscriber of scan-a received nothing")
	}
	select {
	case ev := <-subB.Events():
		t.Fatalf("subscriber of scan-b received %+v", ev)
	default:
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(event("scan-a", scan.EventStatus))

	sub := b.Subscribe("scan-a", "conn-1")
	select {
	case ev := <-sub.Events():
		t.Fatalf("late subscriber received replayed event %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe("scan-a", "slow")
	fast := b.Subscribe("scan-a", "fast")

	// Fill both buffers, then keep publishing: the publisher must return
	// promptly every time.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*3; i++ {
			b.Publish(event("scan-a", scan.EventProgress))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	if got := len(slow.Events()); got != subscriberBufferSize {
		t.Fatalf("slow queue holds %d events, want full buffer %d", got, subscriberBufferSize)
	}
	if got := len(fast.Events()); got != subscriberBufferSize {
		t.Fatalf("fast queue holds %d events, want %d", got, subscriberBufferSize)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("scan-a", "conn-1")
	b.Unsubscribe("scan-a", "conn-1")

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := b.SubscriberCount("scan-a"); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}

	// Double unsubscribe is harmless.
	b.Unsubscribe("scan-a", "conn-1")
}

func TestDropConnDetachesEverywhere(t *testing.T) {
	b := NewBroadcaster()
	subA := b.Subscribe("scan-a", "conn-1")
	subB := b.Subscribe("scan-b", "conn-1")
	other := b.Subscribe("scan-a", "conn-2")

	b.DropConn("conn-1")

	if _, ok := <-subA.Events(); ok {
		t.Fatal("scan-a subscription still open after DropConn")
	}
	if _, ok := <-subB.Events(); ok {
		t.Fatal("scan-b subscription still open after DropConn")
	}
	b.Publish(event("scan-a", scan.EventStatus))
	select {
	case <-other.Events():
	default:
		t.Fatal("unrelated connection lost its subscription")
	}
}

func TestResubscribeReplacesOldSubscription(t *testing.T) {
	b := NewBroadcaster()
	old := b.Subscribe("scan-a", "conn-1")
	fresh := b.Subscribe("scan-a", "conn-1")

	if _, ok := <-old.Events(); ok {
		t.Fatal("old subscription still open after resubscribe")
	}
	b.Publish(event("scan-a", scan.EventStatus))
	select {
	case <-fresh.Events():
	default:
		t.Fatal("fresh subscription received nothing")
	}
	if got := b.SubscriberCount("scan-a"); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
}

func TestSubscribeGeneratesConnID(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("scan-a", "")
	if sub.ConnID == "" {
		t.Fatal("generated ConnID is empty")
	}
}
