package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// clientBox keeps the stored concrete type stable: atomic.Value rejects
// stores of differing types, and a reconnect may flip between a cluster
// and a single-node client.
type clientBox struct {
	c redis.UniversalClient
}

// Holder hands out the current Redis client and lets the health loop swap
// in a replacement without the consumers noticing.
type Holder struct {
	v atomic.Value // stores clientBox
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.v.Store(clientBox{c: initial})
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	b, _ := h.v.Load().(clientBox)
	return b.c
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	b, _ := h.v.Load().(clientBox)
	h.v.Store(clientBox{c: newc})
	return b.c
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
