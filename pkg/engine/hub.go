package engine

import (
	"context"
	"sync/atomic"
)

type Hub struct {
	broadcast  chan Event
	register   chan chan Event
	unregister chan (<-chan Event)
	clients    map[<-chan Event]chan Event
	clientBuf  int
	done       chan struct{}
	dropped    atomic.Uint64
}

type HubOption func(*Hub)

func WithBroadcastBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Event, size)
		}
	}
}

func WithClientBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:  make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan (<-chan Event)),
		clients:    make(map[<-chan Event]chan Event),
		clientBuf:  256,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run fans events out until ctx is cancelled, then delivers what is still
// queued and closes every subscriber. A subscriber whose buffer is full loses
// its oldest queued packet, so a slow consumer never holds up the publisher.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.drain()
			for _, ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = ch
		case key := <-h.unregister:
			if ch, ok := h.clients[key]; ok {
				delete(h.clients, key)
				close(ch)
			}
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// drain delivers events that were queued before the hub stopped.
func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.broadcast:
			h.fanOut(ev)
		default:
			return
		}
	}
}

func (h *Hub) fanOut(ev Event) {
	first := true
	for _, ch := range h.clients {
		out := ev
		if !first {
			out = ev.clone()
		}
		first = false
		if deliver(ch, out) {
			h.dropped.Add(1)
		}
	}
}

// deliver queues ev on ch. When ch is full the oldest queued packet makes
// room, so config, state, warning and error events survive a slow reader. A
// packet that finds no packet to evict is itself dropped. Only the hub sends
// on ch, so re-queueing what was taken out always fits.
func deliver(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return false
	default:
	}

	queued := make([]Event, 0, cap(ch))
take:
	for len(queued) < cap(ch) {
		select {
		case q := <-ch:
			queued = append(queued, q)
		default:
			break take
		}
	}

	kept := queued[:0]
	evicted := false
	for _, q := range queued {
		if !evicted && q.Kind == EventPacket {
			evicted = true
			continue
		}
		kept = append(kept, q)
	}
	if !evicted && len(kept) == cap(ch) {
		// only control events queued
		if ev.Kind == EventPacket {
			requeue(ch, kept)
			return true
		}
		kept = kept[1:]
		evicted = true
	}
	requeue(ch, kept)
	ch <- ev
	return evicted
}

func requeue(ch chan Event, events []Event) {
	for _, ev := range events {
		ch <- ev
	}
}

func (h *Hub) Subscribe() <-chan Event {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer registers a new subscriber. After the hub has stopped
// it returns an already closed channel.
func (h *Hub) SubscribeWithBuffer(size int) <-chan Event {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan Event, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch <-chan Event) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues ev for fan-out. It returns immediately once the hub stops.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// Dropped counts events discarded because a subscriber fell behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Done() <-chan struct{} {
	return h.done
}
