package registry

import (
	"context"
	"sync"

	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/ringchan"
)

// Discovery is one run of peripheral discovery: a lazy, possibly infinite
// sequence of identities read from C(). The sequence ends when the discovery
// is stopped, its context ends, or the radio becomes unavailable; in the last
// case Err reports ErrDiscoveryUnavailable.
type Discovery struct {
	filter Filter
	ctx    context.Context
	cancel context.CancelFunc
	out    *ringchan.RingChannel[device.PeripheralIdentity]
	done   chan struct{}

	mu   sync.Mutex
	seen map[string]struct{}
	err  error
}

func newDiscovery(parent context.Context, filter Filter, buffer int) *Discovery {
	ctx, cancel := context.WithCancel(parent)
	return &Discovery{
		filter: filter,
		ctx:    ctx,
		cancel: cancel,
		out:    ringchan.New[device.PeripheralIdentity](buffer),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
}

// C returns the identity sequence. It is closed when the discovery ends.
func (d *Discovery) C() <-chan device.PeripheralIdentity {
	return d.out.C()
}

// Done is closed once the underlying scan has returned
func (d *Discovery) Done() <-chan struct{} {
	return d.done
}

// Err returns the terminal error, if any, after Done is closed
func (d *Discovery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Filter returns the filter this discovery applies
func (d *Discovery) Filter() Filter {
	return d.filter
}

// Stop halts the discovery. Idempotent.
func (d *Discovery) Stop() {
	d.cancel()
}

func (d *Discovery) offer(id device.PeripheralIdentity) {
	if d.ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	_, dup := d.seen[id.ID()]
	if !dup {
		d.seen[id.ID()] = struct{}{}
	}
	d.mu.Unlock()

	if dup && !d.filter.AllowDuplicates {
		return
	}
	d.out.Send(id)
}

func (d *Discovery) finish(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()

	d.cancel()
	d.out.Close()
	close(d.done)
}
