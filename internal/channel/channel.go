// Package channel binds the step-count characteristic of a Ready session to
// raw payload streams and decoded step observers.
package channel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
)

// StepSample is one decoded step-count notification.
// Seq increases with every notification the channel accepts.
type StepSample struct {
	Steps      uint64
	ReceivedAt time.Time
	Seq        uint64
}

// Observer receives every decoded sample, or the decode error for a malformed
// payload. Observers run serialized in notification order and must not block.
type Observer func(StepSample, error)

// Options configures a Channel
type Options struct {
	Codec      StepCodec
	StreamSize uint32
}

type observer struct {
	id     uint64
	fn     Observer
	active atomic.Bool
}

// Channel owns the notification subscription on one characteristic.
//
// Decoded samples go to observers and update Latest; raw payloads go to every
// open Stream. A malformed payload is reported to observers and leaves Latest
// unchanged; the subscription stays up.
type Channel struct {
	resolver device.LinkResolver
	opts     Options
	logger   *logrus.Logger
	now      func() time.Time

	// subMu serializes Subscribe/Unsubscribe, mu guards the state below
	subMu sync.Mutex
	mu    sync.Mutex

	link       device.Link
	handle     device.CharacteristicHandle
	generation uint64
	streams    map[*Stream]struct{}

	latest    StepSample
	hasLatest bool
	seq       uint64

	observers  []*observer
	observerID uint64

	// deliverMu keeps observer delivery in notification order
	deliverMu sync.Mutex
}

// New creates an unsubscribed channel
func New(resolver device.LinkResolver, opts Options, logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Codec.Width == 0 {
		opts.Codec = DefaultStepCodec()
	}
	return &Channel{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		streams:  make(map[*Stream]struct{}),
	}
}

// Subscribe enables notifications on h and returns a new raw stream.
// h must belong to the current Ready session; otherwise ErrNotReady.
// Subscribing again on the same handle adds another stream to the existing
// subscription.
func (c *Channel) Subscribe(h device.CharacteristicHandle) (*Stream, error) {
	link, gen, err := c.resolver.Resolve(h)
	if err != nil {
		return nil, err
	}
	if !h.Properties().CanNotify() {
		return nil, device.NewError(device.CharacteristicNotFound,
			"characteristic "+device.NormalizeUUID(h.UUID())+" does not support notifications", nil)
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.link != nil && c.generation == gen && device.HandleKey(c.handle) == device.HandleKey(h) {
		s := c.addStreamLocked(h)
		c.mu.Unlock()
		return s, nil
	}
	previous, previousHandle := c.link, c.handle
	c.resetLocked(io.EOF)
	c.mu.Unlock()

	if previous != nil && previous == link {
		c.unsubscribeAsync(previous, previousHandle)
	}

	if err := link.Subscribe(h, func(payload []byte) { c.onNotification(gen, payload) }); err != nil {
		return nil, device.NewError(device.LinkLost, "subscribe to "+device.NormalizeUUID(h.UUID())+" failed", err)
	}

	// The session may have dropped while the stack call was in flight
	if _, current, err := c.resolver.Resolve(h); err != nil || current != gen {
		c.unsubscribeAsync(link, h)
		return nil, device.ErrNotReady
	}

	c.mu.Lock()
	c.link = link
	c.handle = h
	c.generation = gen
	s := c.addStreamLocked(h)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"characteristic": device.NormalizeUUID(h.UUID()),
		"generation":     gen,
	}).Info("Subscribed to step notifications")

	return s, nil
}

// Unsubscribe cancels the subscription and ends every stream with io.EOF.
// Idempotent.
func (c *Channel) Unsubscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	link, h := c.link, c.handle
	c.resetLocked(io.EOF)
	c.mu.Unlock()

	if link != nil {
		c.unsubscribeAsync(link, h)
		c.logger.WithField("characteristic", device.NormalizeUUID(h.UUID())).Info("Unsubscribed from step notifications")
	}
}

// Close drops the subscription without talking to the stack, ending every
// stream with cause. Used when the link is already gone.
func (c *Channel) Close(cause error) {
	if cause == nil {
		cause = device.ErrLinkLost
	}
	c.mu.Lock()
	c.resetLocked(cause)
	c.mu.Unlock()
}

// Subscribed reports whether a subscription is active
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Latest returns the most recent successfully decoded sample.
// The value survives link loss; ok is false until the first sample arrives.
func (c *Channel) Latest() (StepSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasLatest
}

// Observe registers fn for decoded samples and returns its cancel func.
// After cancel returns, fn sees no further notifications.
func (c *Channel) Observe(fn Observer) (cancel func()) {
	c.mu.Lock()
	c.observerID++
	o := &observer{id: c.observerID, fn: fn}
	o.active.Store(true)
	next := make([]*observer, 0, len(c.observers)+1)
	next = append(next, c.observers...)
	c.observers = append(next, o)
	c.mu.Unlock()

	return func() {
		if !o.active.Swap(false) {
			return
		}
		c.mu.Lock()
		kept := make([]*observer, 0, len(c.observers))
		for _, other := range c.observers {
			if other != o {
				kept = append(kept, other)
			}
		}
		c.observers = kept
		c.mu.Unlock()
	}
}

func (c *Channel) addStreamLocked(h device.CharacteristicHandle) *Stream {
	s := newStream(h, c.opts.StreamSize)
	c.streams[s] = struct{}{}
	return s
}

func (c *Channel) resetLocked(cause error) {
	for s := range c.streams {
		s.close(cause)
	}
	c.streams = make(map[*Stream]struct{})
	c.link = nil
	c.handle = nil
	c.generation = 0
}

func (c *Channel) unsubscribeAsync(link device.Link, h device.CharacteristicHandle) {
	groutine.GoSafe(context.Background(), c.logger, "channel-unsubscribe", func(context.Context) {
		if err := link.Unsubscribe(h); err != nil {
			c.logger.WithField("error", err).Debug("Unsubscribe failed; link likely gone")
		}
	})
}

func (c *Channel) onNotification(gen uint64, payload []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.link == nil || c.generation != gen {
		c.mu.Unlock()
		return
	}

	c.seq++
	sample := StepSample{ReceivedAt: c.now(), Seq: c.seq}
	steps, decodeErr := c.opts.Codec.Decode(payload)
	if decodeErr == nil {
		sample.Steps = steps
		c.latest = sample
		c.hasLatest = true
	}

	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	observers := c.observers
	c.mu.Unlock()

	for _, s := range streams {
		s.push(payload)
	}

	if decodeErr != nil {
		c.logger.WithFields(logrus.Fields{
			"payload_len": len(payload),
			"error":       decodeErr,
		}).Warn("Dropping malformed step notification")
	}

	for _, o := range observers {
		if !o.active.Load() {
			continue
		}
		c.deliver(o, sample, decodeErr)
	}
}

func (c *Channel) deliver(o *observer, sample StepSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"observer": o.id,
				"panic":    r,
			}).Error("Step observer panicked")
		}
	}()
	o.fn(sample, err)
}
