package callkit

import (
	"context"
	"sync"
)

const memoryQueueDepth = 256

type memorySubscriber struct {
	selfID  string
	queue   chan CallSignal
	backlog []CallSignal
	done    chan struct{}
	once    sync.Once
}

// stop is shared by Unsubscribe and Close; whichever runs first wins.
func (s *memorySubscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemorySignalChannel is an in-process SignalChannel used for tests and
// single-host loopback calls. Records addressed to a live subscriber are
// queued and delivered by a dedicated goroutine, in send order per sender;
// records with no subscriber stay pending until one appears or the sender
// purges them. Delivered records are dropped, matching the
// delete-on-consume policy of the Firestore channel.
type MemorySignalChannel struct {
	mu      sync.Mutex
	pending []CallSignal
	subs    map[int]*memorySubscriber
	nextSub int
	closed  bool
	wg      sync.WaitGroup
}

func NewMemorySignalChannel() *MemorySignalChannel {
	return &MemorySignalChannel{
		subs: make(map[int]*memorySubscriber),
	}
}

func (c *MemorySignalChannel) Send(_ context.Context, signal CallSignal) error {
	if err := signal.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	for _, sub := range c.subs {
		if sub.selfID != signal.To {
			continue
		}
		select {
		case sub.queue <- signal:
		default:
			// subscriber queue saturated; keep the record pending
			c.pending = append(c.pending, signal)
		}
		return nil
	}

	c.pending = append(c.pending, signal)
	return nil
}

func (c *MemorySignalChannel) SubscribeIncoming(_ context.Context, selfID string, onSignal func(CallSignal)) (Unsubscribe, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}

	sub := &memorySubscriber{
		selfID: selfID,
		queue:  make(chan CallSignal, memoryQueueDepth),
		done:   make(chan struct{}),
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub

	// records that arrived before the subscription existed become the
	// subscriber's backlog, drained by the deliver goroutine before any
	// queued record so no queue capacity bounds the handover
	kept := c.pending[:0]
	for _, signal := range c.pending {
		if signal.To == selfID {
			sub.backlog = append(sub.backlog, signal)
			continue
		}
		kept = append(kept, signal)
	}
	c.pending = kept

	c.wg.Add(1)
	c.mu.Unlock()

	go c.deliver(sub, onSignal)

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.stop()
	}, nil
}

func (c *MemorySignalChannel) deliver(sub *memorySubscriber, onSignal func(CallSignal)) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if len(sub.backlog) == 0 {
			c.mu.Unlock()
			break
		}
		signal := sub.backlog[0]
		sub.backlog = sub.backlog[1:]
		c.mu.Unlock()

		select {
		case <-sub.done:
			return
		default:
		}
		onSignal(signal)
	}

	for {
		select {
		case <-sub.done:
			return
		case signal := <-sub.queue:
			onSignal(signal)
		}
	}
}

func (c *MemorySignalChannel) PurgeOutgoing(_ context.Context, selfID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.pending[:0]
	for _, signal := range c.pending {
		if signal.From == selfID {
			continue
		}
		kept = append(kept, signal)
	}
	c.pending = kept
	return nil
}

// Pending reports how many sent records are still awaiting consumption.
func (c *MemorySignalChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.pending)
	for _, sub := range c.subs {
		n += len(sub.backlog) + len(sub.queue)
	}
	return n
}

func (c *MemorySignalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[int]*memorySubscriber)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	c.wg.Wait()
	return nil
}
