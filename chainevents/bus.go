package chainevents

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrBusShuttingDown is returned by Bus methods once Stop has been called.
var ErrBusShuttingDown = fmt.Errorf("chainevents: bus shutting down")

// clientBacklog bounds how many undelivered events a single slow client may
// accumulate before the bus starts dropping its oldest pending event. A slow
// sync controller should fall behind visibly rather than stall block
// delivery for every other client.
const clientBacklog = 64

// Client receives events from a Bus until it is cancelled or the Bus stops.
type Client struct {
	id     uint64
	events chan interface{}
	quit   chan struct{}
	cancel func()
}

// Events returns the channel on which this client's events are delivered.
func (c *Client) Events() <-chan interface{} {
	return c.events
}

// Quit is closed when the bus decides this client will receive no further
// events, whether because the client cancelled or the bus stopped.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel unregisters the client. Safe to call more than once.
func (c *Client) Cancel() {
	c.cancel()
}

// Bus fans incoming chain events out to every subscribed Client. It is the
// in-process analogue of lnd's subscribe.Server, specialized to the three
// event types addrsync understands.
type Bus struct {
	clientCounter uint64

	started uint32
	stopped uint32

	mu      sync.Mutex
	clients map[uint64]*Client

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBus returns a new, unstarted Bus.
func NewBus() *Bus {
	return &Bus{
		clients: make(map[uint64]*Client),
		quit:    make(chan struct{}),
	}
}

// Start makes the Bus ready to accept subscriptions and publish events.
func (b *Bus) Start() error {
	if !atomic.CompareAndSwapUint32(&b.started, 0, 1) {
		return nil
	}
	return nil
}

// Stop shuts the Bus down, closing every client's Quit channel.
func (b *Bus) Stop() error {
	if !atomic.CompareAndSwapUint32(&b.stopped, 0, 1) {
		return nil
	}

	close(b.quit)

	b.mu.Lock()
	for id, client := range b.clients {
		close(client.quit)
		delete(b.clients, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Subscribe registers a new Client that will receive every event published
// after this call returns.
func (b *Bus) Subscribe() (*Client, error) {
	select {
	case <-b.quit:
		return nil, ErrBusShuttingDown
	default:
	}

	id := atomic.AddUint64(&b.clientCounter, 1)

	client := &Client{
		id:     id,
		events: make(chan interface{}, clientBacklog),
		quit:   make(chan struct{}),
	}
	client.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.clients[id]; !ok {
			return
		}
		delete(b.clients, id)
		close(client.quit)
	}

	b.mu.Lock()
	b.clients[id] = client
	b.mu.Unlock()

	return client, nil
}

// Publish delivers event to every currently subscribed client. A client
// whose backlog is full has its oldest pending event dropped to make room
// rather than blocking every other client on the slowest one. That drop is
// not logged; a warning is logged only when the new event still cannot be
// queued afterwards.
func (b *Bus) Publish(event interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, client := range b.clients {
		select {
		case client.events <- event:
		default:
			select {
			case <-client.events:
			default:
			}
			select {
			case client.events <- event:
			default:
				log.Warnf("dropping event for slow client %d", id)
			}
		}
	}
}

// SendConnected publishes a BlockConnected event.
func (b *Bus) SendConnected(ev BlockConnected) {
	b.Publish(ev)
}

// SendDisconnected publishes a BlockDisconnected event.
func (b *Bus) SendDisconnected(ev BlockDisconnected) {
	b.Publish(ev)
}

// SendTipChanged publishes a ChainTipChanged event.
func (b *Bus) SendTipChanged(ev ChainTipChanged) {
	b.Publish(ev)
}
