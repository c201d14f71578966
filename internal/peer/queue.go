// Package peer implements the per-peer wire-protocol state machine (spec
// §4.D): handshake, message loop, and the request pipeline that asks the
// piece manager what to fetch next.
package peer

import (
	"context"
	"fmt"
	"sync"
)

// Address is a peer's dialable (ip, port), as decoded from a tracker's
// compact peer list.
type Address struct {
	IP   string
	Port uint16
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// --------------------------------------------------------------------------------------------- //

// AddressQueue is the single-producer (coordinator), multi-consumer
// (peer connections) FIFO of candidate peer addresses (spec §3 "shared
// peer-address queue", §5).
type AddressQueue struct {
	mu sync.Mutex
	ch chan Address
}

// --------------------------------------------------------------------------------------------- //

// NewAddressQueue allocates a queue with room for capacity addresses.
func NewAddressQueue(capacity int) *AddressQueue {
	return &AddressQueue{ch: make(chan Address, capacity)}
}

// --------------------------------------------------------------------------------------------- //

/*
Take blocks until an address is available or ctx is done.

Returns:
  - Address: the next candidate peer address.
  - bool: false if ctx was cancelled before one arrived.
*/
func (q *AddressQueue) Take(ctx context.Context) (Address, bool) {
	select {
	case a := <-q.ch:
		return a, true
	case <-ctx.Done():
		return Address{}, false
	}
}

// --------------------------------------------------------------------------------------------- //

// Release returns an address to the queue (used when a peer connection
// fails and the slot should be tried again, possibly by another
// connection task). Dropped silently if the queue is momentarily full —
// the next announce supplies a fresh list regardless.
func (q *AddressQueue) Release(a Address) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- a:
	default:
	}
}

// --------------------------------------------------------------------------------------------- //

// Refill atomically discards the queue's current contents and installs
// addrs in their place (spec §4.G: "replace the peer queue contents").
// Addresses beyond the queue's capacity are dropped; the next announce
// will supply more.
func (q *AddressQueue) Refill(addrs []Address) {
	q.mu.Lock()
	defer q.mu.Unlock()

drain:
	for {
		select {
		case <-q.ch:
		default:
			break drain
		}
	}

fill:
	for _, a := range addrs {
		select {
		case q.ch <- a:
		default:
			break fill
		}
	}
}
