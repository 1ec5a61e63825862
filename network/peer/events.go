package peer

import (
	"sync"

	"jokenpo/configs"
)

// TxnDecided is published once per locally coordinated transaction, as soon
// as the global decision is durable. Completion is not awaited.
type TxnDecided struct {
	TxnID    string `json:"txn_id"`
	Kind     string `json:"kind"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Bus fans decision events out to subscribers. Delivery never blocks the
// transaction path: a subscriber that stops draining loses events.
type Bus struct {
	latch  sync.Mutex
	subs   []chan TxnDecided
	buf    int
	closed bool
}

func NewBus(buf int) *Bus {
	return &Bus{buf: buf}
}

func (c *Bus) Subscribe() <-chan TxnDecided {
	c.latch.Lock()
	defer c.latch.Unlock()
	ch := make(chan TxnDecided, c.buf)
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Bus) Publish(e TxnDecided) {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.closed {
		return
	}
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
			configs.TxnPrint(e.TxnID, "event dropped on a full subscriber")
		}
	}
}

func (c *Bus) Close() {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
