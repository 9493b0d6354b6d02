package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize         = 256
	DefaultMaxSubscribers    = 100
	DefaultKeepAliveInterval = 30 * time.Second
)

// BroadcastOptions configures the fan-out of one process's output.
type BroadcastOptions struct {
	// QueueSize is the number of events buffered per subscriber before it is dropped.
	QueueSize int
	// MaxSubscribers caps simultaneous subscribers. Zero means unlimited.
	MaxSubscribers int
	// KeepAlive is the idle interval after which a ping is sent. Zero disables pings.
	KeepAlive time.Duration
}

func (o BroadcastOptions) withDefaults() BroadcastOptions {
	if o.QueueSize < 1 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxSubscribers < 0 {
		o.MaxSubscribers = 0
	}
	return o
}

// Subscription is one subscriber's view of a process's output.
// The events channel is closed once the subscriber is removed or the process terminates.
type Subscription struct {
	ID   uuid.UUID
	Name string

	b      *Broadcaster
	events chan Event

	gone     chan struct{}
	goneOnce sync.Once
}

// Events returns the subscriber's queue. It yields output and ping events in order,
// then a terminated event if there was room for it, and is then closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close marks the sink as gone, e.g. because the remote caller disconnected.
// The broadcaster removes it no later than its next delivery.
func (s *Subscription) Close() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Unsubscribe closes the subscription and removes it from its broadcaster right away.
func (s *Subscription) Unsubscribe() {
	s.Close()
	s.b.Unsubscribe(s.ID)
}

// offer is a non-blocking delivery. It reports false if the subscriber should be dropped.
func (s *Subscription) offer(ev Event) bool {
	select {
	case <-s.gone:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Broadcaster delivers every event of one process to all of its current subscribers.
// Delivery never blocks the producer: a subscriber that has gone away or fallen
// QueueSize events behind is dropped and its channel closed.
type Broadcaster struct {
	log  *zap.SugaredLogger
	name string
	opts BroadcastOptions

	mu           sync.Mutex
	subscribers  map[uuid.UUID]*Subscription
	lastActivity time.Time
	closed       bool
	done         chan struct{}
}

func NewBroadcaster(log *zap.SugaredLogger, name string, opts BroadcastOptions) *Broadcaster {
	b := &Broadcaster{
		log:          log.Named("broadcaster").With("Process", name),
		name:         name,
		opts:         opts.withDefaults(),
		subscribers:  map[uuid.UUID]*Subscription{},
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	if b.opts.KeepAlive > 0 {
		go b.keepAlive()
	}
	return b
}

// Subscribe registers a new subscriber. Only events published after this call are delivered.
// Subscribing after the broadcaster closed returns a subscription that only yields a terminated event.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	s := &Subscription{
		ID:     uuid.New(),
		Name:   b.name,
		b:      b,
		events: make(chan Event, b.opts.QueueSize),
		gone:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.events <- terminatedEvent()
		close(s.events)
		return s, nil
	}
	if b.opts.MaxSubscribers > 0 && len(b.subscribers) >= b.opts.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}
	b.subscribers[s.ID] = s
	b.log.Debugw("subscribed", "ID", s.ID, "Subscribers", len(b.subscribers))
	return s, nil
}

// Unsubscribe removes a subscriber. Unknown or already removed IDs are ignored.
func (b *Broadcaster) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		b.removeLocked(s)
		b.log.Debugw("unsubscribed", "ID", id, "Subscribers", len(b.subscribers))
	}
}

// Publish delivers ev to all current subscribers.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lastActivity = time.Now()
	b.deliverLocked(ev)
}

// Close sends the terminated event to all subscribers and closes their channels.
// Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)

	ev := terminatedEvent()
	for _, s := range b.subscribers {
		s.offer(ev)
		b.removeLocked(s)
	}
	b.log.Debug("closed")
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) deliverLocked(ev Event) {
	for _, s := range b.subscribers {
		if !s.offer(ev) {
			b.log.Warnw("dropping subscriber", "ID", s.ID)
			b.removeLocked(s)
		}
	}
}

// removeLocked must only be called with b.mu held, which is also held for every send.
func (b *Broadcaster) removeLocked(s *Subscription) {
	delete(b.subscribers, s.ID)
	close(s.events)
}

// keepAlive emits a ping whenever nothing was published for the keep-alive interval
// while at least one subscriber is attached.
func (b *Broadcaster) keepAlive() {
	interval := b.opts.KeepAlive
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-timer.C:
			b.mu.Lock()
			idle := now.Sub(b.lastActivity)
			if idle >= interval {
				if len(b.subscribers) > 0 {
					b.log.Debug("sending keep-alive ping")
					b.deliverLocked(pingEvent())
				}
				b.lastActivity = now
				idle = 0
			}
			b.mu.Unlock()
			timer.Reset(interval - idle)
		}
	}
}
