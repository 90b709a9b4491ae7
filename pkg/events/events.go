package events

import (
	"sync"
	"time"
)

// Type identifies the kind of cluster event being published.
type Type string

const (
	JobSubmitted  Type = "job.submitted"
	JobSucceeded  Type = "job.succeeded"
	JobFailed     Type = "job.failed"
	JobCancelled  Type = "job.cancelled"
	TaskRetried   Type = "task.retried"
	TaskFailed    Type = "task.failed"
	VnodeJoined   Type = "vnode.joined"
	VnodeLeft     Type = "vnode.left"
	VnodeDown     Type = "vnode.down"
	LeaderChanged Type = "raft.leader_changed"
	QueryKilled   Type = "query.killed"
	ConnKilled    Type = "conn.killed"
)

// Event is one cluster-wide occurrence broadcast to every subscriber.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel an observer reads events from.
type Subscriber chan *Event

// Broker fans one publish stream out to many subscribers over buffered
// channels (unchanged shape from the teacher's pkg/events/events.go).
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a broker with its internal buffers sized for bursty
// job-lifecycle traffic.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber with its own buffered channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for broadcast, stamping its timestamp if unset.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; drop rather than block the broker.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
