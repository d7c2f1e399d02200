package events

import (
	"sync"
)

// OverflowPolicy selects what Publish does when a subscriber queue is
// full.
type OverflowPolicy string

const (
	// OverflowBlock applies backpressure to the publisher.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest queued event.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDropNewest drops the event being published.
	OverflowDropNewest OverflowPolicy = "drop_newest"
)

// DefaultQueueDepth is the per-subscriber queue bound.
const DefaultQueueDepth = 256

// Handler consumes events. It runs on the subscriber's delivery
// goroutine; a slow handler only delays its own queue.
type Handler interface {
	OnEvent(e Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(e Event)

func (f HandlerFunc) OnEvent(e Event) { f(e) }

type subscriber struct {
	kinds map[Kind]struct{} // nil means all kinds
	queue chan Event
	done  chan struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers with bounded queues.
type Bus struct {
	mu      sync.Mutex
	depth   int
	policy  OverflowPolicy
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	drainWG sync.WaitGroup
}

// NewBus creates a bus. depth <= 0 selects DefaultQueueDepth; an empty
// policy selects OverflowBlock.
func NewBus(depth int, policy OverflowPolicy) *Bus {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if policy == "" {
		policy = OverflowBlock
	}
	return &Bus{depth: depth, policy: policy, subs: make(map[int]*subscriber)}
}

// Subscribe registers a handler for the given kinds (none means all)
// and returns an unsubscribe func. Unsubscribe waits for the delivery
// goroutine to drain what it already dequeued, then drops the rest.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) (unsubscribe func()) {
	sub := &subscriber{
		queue: make(chan Event, b.depth),
		done:  make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.drainWG.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.drainWG.Done()
		for {
			select {
			case e, ok := <-sub.queue:
				if !ok {
					return
				}
				h.OnEvent(e)
			case <-sub.done:
				// Drain anything already queued, then stop.
				for {
					select {
					case e := <-sub.queue:
						h.OnEvent(e)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish delivers an event to every interested subscriber in
// publication order. Under OverflowBlock a full queue blocks the
// publisher; the drop policies never block.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(e.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		switch b.policy {
		case OverflowDropNewest:
			select {
			case sub.queue <- e:
			default:
			}
		case OverflowDropOldest:
			for {
				select {
				case sub.queue <- e:
				default:
					select {
					case <-sub.queue:
					default:
					}
					continue
				}
				break
			}
		default: // OverflowBlock
			select {
			case sub.queue <- e:
			case <-sub.done:
			}
		}
	}
}

// Close stops the bus: subscribers finish what they dequeued and exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.drainWG.Wait()
}
