package ipc

import (
	"sync/atomic"
)

// keyOwner is the selector side of a Key.
type keyOwner interface {
	updateInterest(k *Key, ops Ops) error
	cancel(k *Key) error
}

// Key is the registration of one channel with a Selector. It binds the channel
// to an interest set and an Attachment until it is cancelled.
type Key struct {
	owner keyOwner
	ch    Channel
	fd    int

	interest atomic.Uint32
	att      atomic.Pointer[Attachment]
	valid    atomic.Bool

	// ready is written by Select and read by dispatch, both on the reactor goroutine.
	ready Ops
}

func newKey(owner keyOwner, ch Channel, ops Ops, att Attachment) *Key {
	k := &Key{owner: owner, ch: ch, fd: ch.FD()}
	k.interest.Store(uint32(ops))
	k.att.Store(&att)
	k.valid.Store(true)
	return k
}

func (k *Key) Channel() Channel {
	return k.ch
}

func (k *Key) Interest() Ops {
	return Ops(k.interest.Load())
}

// SetInterest replaces the interest set. It is safe to call from any goroutine.
func (k *Key) SetInterest(ops Ops) error {
	if !k.IsValid() {
		return ErrKeyCancelled
	}
	if err := k.owner.updateInterest(k, ops); err != nil {
		return err
	}
	k.interest.Store(uint32(ops))
	return nil
}

// ReadyOps returns the operations found ready by the last Select.
func (k *Key) ReadyOps() Ops {
	return k.ready
}

func (k *Key) IsValid() bool {
	return k.valid.Load()
}

// Cancel removes the registration. Further calls are no-ops.
func (k *Key) Cancel() error {
	if !k.valid.CompareAndSwap(true, false) {
		return nil
	}
	return k.owner.cancel(k)
}

// Attach replaces the attachment and returns the previous one.
func (k *Key) Attach(a Attachment) Attachment {
	prev := k.att.Swap(&a)
	if prev == nil {
		return Attachment{}
	}
	return *prev
}

func (k *Key) Attachment() Attachment {
	a := k.att.Load()
	if a == nil {
		return Attachment{}
	}
	return *a
}
