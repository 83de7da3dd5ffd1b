package syncer

import (
	"context"
	"sync"
)

// outboxLimit bounds the bulk events (entries) queued ahead of the channel.
const outboxLimit = 64

// outbox is the FIFO drained by the write loop. One queue keeps every
// event in order.
//
// Bulk producers call push, which waits while outboxLimit bulk events are
// queued, so they advance only as fast as the remote accepts. Events raised
// while handling inbound traffic use pushControl, which is always admitted:
// the read loop must never wait on the remote, or two peers whose queues are
// both full would wait on each other forever. Control traffic is bounded by
// the inbound events that cause it.
type outbox struct {
	mu     sync.Mutex
	queue  []queued
	notify chan struct{}
	slots  chan struct{}
}

type queued struct {
	ev   Event
	bulk bool
}

func newOutbox(limit int) *outbox {
	return &outbox{
		notify: make(chan struct{}, 1),
		slots:  make(chan struct{}, limit),
	}
}

// push queues a bulk event, waiting for a free slot. It reports false if
// ctx ends first.
func (o *outbox) push(ctx context.Context, ev Event) bool {
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	o.enqueue(queued{ev: ev, bulk: true})
	return true
}

// pushControl queues an event without waiting.
func (o *outbox) pushControl(ev Event) {
	o.enqueue(queued{ev: ev})
}

func (o *outbox) enqueue(q queued) {
	o.mu.Lock()
	o.queue = append(o.queue, q)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// pop blocks for the next event. It reports false once ctx is done.
func (o *outbox) pop(ctx context.Context) (Event, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			q := o.queue[0]
			o.queue[0] = queued{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			if q.bulk {
				<-o.slots
			}
			return q.ev, true
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// bulkQueued returns the number of bulk events waiting to be sent.
func (o *outbox) bulkQueued() int {
	return len(o.slots)
}
