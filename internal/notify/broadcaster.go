// Package notify fans lifecycle and progress events out to the connected
// viewers of a scan. Delivery is best-effort and never blocks the publisher.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/stridelab/footscan/internal/monitoring"
	"github.com/stridelab/footscan/internal/scan"
)

// subscriberBufferSize is the per-subscriber event queue depth. A viewer
// that falls this far behind starts losing events rather than slowing the
// lifecycle pipeline.
const subscriberBufferSize = 16

// Subscription is one viewer's attachment to one scan id.
type Subscription struct {
	ScanID string
	ConnID string
	ch     chan scan.NotificationEvent
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan scan.NotificationEvent {
	return s.ch
}

// Broadcaster is an explicit registry of subscribers keyed by
// (scanID, connID). There is no replay: subscribers only see events
// published after they attach.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[string]*Subscription // scanID -> connID -> sub
}

// NewBroadcaster creates an empty registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe attaches a viewer to a scan id. The connID identifies the
// underlying connection; passing the empty string generates one.
func (b *Broadcaster) Subscribe(scanID, connID string) *Subscription {
	if connID == "" {
		connID = uuid.New().String()
	}
	sub := &Subscription{
		ScanID: scanID,
		ConnID: connID,
		ch:     make(chan scan.NotificationEvent, subscriberBufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.subs[scanID]
	if conns == nil {
		conns = make(map[string]*Subscription)
		b.subs[scanID] = conns
	}
	if old, ok := conns[connID]; ok {
		close(old.ch)
	}
	conns[connID] = sub
	monitoring.Logf("[notify] viewer %s subscribed to scan %s (%d viewers)", connID, scanID, len(conns))
	return sub
}

// Unsubscribe detaches one (scanID, connID) pair and closes its channel.
// Safe to call for pairs that are already gone.
func (b *Broadcaster) Unsubscribe(scanID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.subs[scanID]
	sub, ok := conns[connID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(b.subs, scanID)
	}
	close(sub.ch)
	monitoring.Logf("[notify] viewer %s left scan %s", connID, scanID)
}

// DropConn detaches a connection from every scan it watches, for use when
// the underlying transport closes.
func (b *Broadcaster) DropConn(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for scanID, conns := range b.subs {
		if sub, ok := conns[connID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(b.subs, scanID)
			}
			close(sub.ch)
		}
	}
}

// Publish delivers an event to every current subscriber of its scan id.
// Sends are non-blocking: a full subscriber queue drops the event for that
// subscriber only.
func (b *Broadcaster) Publish(ev scan.NotificationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for connID, sub := range b.subs[ev.ScanID] {
		select {
		case sub.ch <- ev:
		default:
			monitoring.Logf("[notify] dropping %s event for slow viewer %s on scan %s", ev.Type, connID, ev.ScanID)
		}
	}
}

// SubscriberCount reports how many viewers are attached to a scan.
func (b *Broadcaster) SubscriberCount(scanID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[scanID])
}
