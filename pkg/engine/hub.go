// Package engine fans transitions from the control loop out to independent
// consumers (log writer, episode store, visualization) without letting a slow
// consumer stall the loop.
package engine

import (
	"context"
	"sync/atomic"

	"flexipod/pkg/protocol"
)

type Hub struct {
	broadcast  chan protocol.Transition
	register   chan chan protocol.Transition
	unregister chan chan protocol.Transition
	clients    map[chan protocol.Transition]struct{}
	clientBuf  int
	done       chan struct{}
	dropped    atomic.Uint64
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Transition, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Transition, 256),
		register:   make(chan chan protocol.Transition),
		unregister: make(chan chan protocol.Transition),
		clients:    make(map[chan protocol.Transition]struct{}),
		clientBuf:  100,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run dispatches until ctx is done. Queued transitions are delivered before
// every subscriber channel is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.drain()
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case tr := <-h.broadcast:
			h.dispatch(tr)
		}
	}
}

func (h *Hub) dispatch(tr protocol.Transition) {
	for ch := range h.clients {
		select {
		case ch <- tr:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case tr := <-h.broadcast:
			h.dispatch(tr)
		default:
			return
		}
	}
}

func (h *Hub) Subscribe() chan protocol.Transition {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer returns a closed channel if the hub already stopped.
func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Transition {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Transition, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.Transition) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues tr for every subscriber. It is a no-op once Run returned.
// Its signature matches env.WithObserver.
func (h *Hub) Publish(tr protocol.Transition) {
	select {
	case h.broadcast <- tr:
	case <-h.done:
	}
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
