package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector accumulates delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) OnEvent(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus(16, OverflowBlock)
	defer b.Close()

	c := &collector{}
	unsub := b.Subscribe(c)
	defer unsub()

	b.Publish(Event{Kind: SecretCreated})
	b.Publish(Event{Kind: SecretUpdated})
	b.Publish(Event{Kind: SecretAccessed})

	waitFor(t, func() bool { return len(c.kinds()) == 3 })
	assert.Equal(t, []Kind{SecretCreated, SecretUpdated, SecretAccessed}, c.kinds())
}

func TestBusKindFiltering(t *testing.T) {
	b := NewBus(16, OverflowBlock)
	defer b.Close()

	c := &collector{}
	unsub := b.Subscribe(c, TokenIssued, TokenRevoked)
	defer unsub()

	b.Publish(Event{Kind: SecretCreated})
	b.Publish(Event{Kind: TokenIssued})
	b.Publish(Event{Kind: VaultSaved})
	b.Publish(Event{Kind: TokenRevoked})

	waitFor(t, func() bool { return len(c.kinds()) == 2 })
	assert.Equal(t, []Kind{TokenIssued, TokenRevoked}, c.kinds())
}

func TestBusDropNewest(t *testing.T) {
	b := NewBus(1, OverflowDropNewest)
	defer b.Close()

	block := make(chan struct{})
	c := &collector{}
	first := true
	unsub := b.Subscribe(HandlerFunc(func(e Event) {
		if first {
			first = false
			<-block
		}
		c.OnEvent(e)
	}))
	defer unsub()

	// First event occupies the handler, second fills the queue, the
	// rest are dropped.
	b.Publish(Event{Kind: SecretCreated})
	waitFor(t, func() bool { return !first })
	b.Publish(Event{Kind: SecretUpdated})
	b.Publish(Event{Kind: SecretRotated})
	b.Publish(Event{Kind: SecretAccessed})
	close(block)

	waitFor(t, func() bool { return len(c.kinds()) >= 2 })
	time.Sleep(20 * time.Millisecond)
	kinds := c.kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, SecretCreated, kinds[0])
	assert.Equal(t, SecretUpdated, kinds[1])
}

func TestBusDropOldest(t *testing.T) {
	b := NewBus(1, OverflowDropOldest)
	defer b.Close()

	block := make(chan struct{})
	c := &collector{}
	first := true
	unsub := b.Subscribe(HandlerFunc(func(e Event) {
		if first {
			first = false
			<-block
		}
		c.OnEvent(e)
	}))
	defer unsub()

	b.Publish(Event{Kind: SecretCreated})
	waitFor(t, func() bool { return !first })
	b.Publish(Event{Kind: SecretUpdated})
	b.Publish(Event{Kind: SecretRotated})
	close(block)

	waitFor(t, func() bool { return len(c.kinds()) >= 2 })
	time.Sleep(20 * time.Millisecond)
	kinds := c.kinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, SecretCreated, kinds[0])
	// The newest event displaced the queued one.
	assert.Equal(t, SecretRotated, kinds[1])
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(16, OverflowBlock)
	defer b.Close()

	c := &collector{}
	unsub := b.Subscribe(c)
	b.Publish(Event{Kind: SecretCreated})
	waitFor(t, func() bool { return len(c.kinds()) == 1 })

	unsub()
	b.Publish(Event{Kind: SecretUpdated})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []Kind{SecretCreated}, c.kinds())

	// Double unsubscribe is safe.
	unsub()
}

func TestBusCloseIsIdempotentAndStopsPublish(t *testing.T) {
	b := NewBus(16, OverflowBlock)
	c := &collector{}
	b.Subscribe(c)

	b.Close()
	b.Close()
	b.Publish(Event{Kind: SecretCreated})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.kinds())

	// Subscribing after close is a no-op.
	unsub := b.Subscribe(c)
	unsub()
}

func TestNewCorrelationID(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
