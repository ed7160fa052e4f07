// Package writes applies characteristic writes against the active link with
// at most one write in flight per characteristic.
package writes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
)

// DefaultTimeout bounds a single write when Options.Timeout is unset
const DefaultTimeout = 5 * time.Second

// WriteRequest is one write handed to the coordinator.
// OnComplete, if set, fires exactly once with the outcome. It may run on the
// session goroutine during teardown and must not block.
type WriteRequest struct {
	Handle       device.CharacteristicHandle
	Payload      []byte
	WithResponse bool
	OnComplete   func(error)
}

// Options configures a Coordinator
type Options struct {
	Timeout time.Duration
}

type slot struct {
	key        string
	completion *Completion
	cancel     context.CancelFunc
}

// Coordinator owns one in-flight slot per characteristic. A write to a busy
// characteristic fails at once with ErrWriteBusy instead of queueing.
type Coordinator struct {
	resolver device.LinkResolver
	opts     Options
	logger   *logrus.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a coordinator that resolves links through resolver
func New(resolver device.LinkResolver, opts Options, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Coordinator{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		slots:    make(map[string]*slot),
	}
}

// Write writes data to h, with response when the characteristic supports it
func (c *Coordinator) Write(h device.CharacteristicHandle, data []byte) (*Completion, error) {
	if h == nil {
		return nil, fmt.Errorf("write: characteristic handle is required")
	}
	return c.Submit(WriteRequest{
		Handle:       h,
		Payload:      data,
		WithResponse: !h.Properties().Has(device.PropWriteWithoutResponse) || h.Properties().Has(device.PropWrite),
	})
}

// Submit starts req. The returned error is synchronous: ErrNotReady when the
// handle does not belong to the Ready session, ErrWriteBusy when a write to
// the same characteristic is in flight. Otherwise the Completion resolves with
// nil, ErrWriteFailed or ErrLinkLost.
func (c *Coordinator) Submit(req WriteRequest) (*Completion, error) {
	if req.Handle == nil {
		return nil, fmt.Errorf("write: characteristic handle is required")
	}

	link, gen, err := c.resolver.Resolve(req.Handle)
	if err != nil {
		return nil, err
	}

	key := device.HandleKey(req.Handle)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	sl := &slot{
		key:        key,
		completion: newCompletion(req.OnComplete, c.logger),
		cancel:     cancel,
	}

	c.mu.Lock()
	if _, busy := c.slots[key]; busy {
		c.mu.Unlock()
		cancel()
		return nil, device.NewError(device.WriteBusy, "write to "+key+" already in flight", nil)
	}
	c.slots[key] = sl
	c.mu.Unlock()

	// A teardown that ran between Resolve and claiming the slot would have
	// missed this write
	if _, current, err := c.resolver.Resolve(req.Handle); err != nil || current != gen {
		c.release(sl)
		cancel()
		if err == nil {
			err = device.ErrNotReady
		}
		return nil, err
	}

	payload := append([]byte(nil), req.Payload...)
	c.logger.WithFields(logrus.Fields{
		"characteristic": key,
		"bytes":          len(payload),
		"with_response":  req.WithResponse,
	}).Debug("Writing characteristic")

	groutine.GoSafe(ctx, c.logger, "write-"+key, func(ctx context.Context) {
		werr := link.WriteValue(ctx, req.Handle, payload, req.WithResponse)
		c.finish(sl, c.classify(ctx, werr))
	})

	return sl.completion, nil
}

// FailAll resolves every outstanding write with err. Stack acknowledgements
// arriving afterwards are ignored.
func (c *Coordinator) FailAll(err error) int {
	if err == nil {
		err = device.ErrLinkLost
	}

	c.mu.Lock()
	pending := make([]*slot, 0, len(c.slots))
	for _, sl := range c.slots {
		pending = append(pending, sl)
	}
	c.slots = make(map[string]*slot)
	c.mu.Unlock()

	for _, sl := range pending {
		sl.cancel()
		sl.completion.resolve(err)
	}
	if len(pending) > 0 {
		c.logger.WithFields(logrus.Fields{
			"count": len(pending),
			"error": err,
		}).Warn("Failed outstanding writes")
	}
	return len(pending)
}

// InFlight returns the number of outstanding writes
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Busy reports whether a write to h is in flight
func (c *Coordinator) Busy(h device.CharacteristicHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.slots[device.HandleKey(h)]
	return busy
}

func (c *Coordinator) finish(sl *slot, err error) {
	if !c.release(sl) {
		c.logger.WithField("characteristic", sl.key).Debug("Ignoring late write acknowledgement")
		return
	}
	sl.cancel()
	sl.completion.resolve(err)
}

// release frees the slot if sl still owns it
func (c *Coordinator) release(sl *slot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[sl.key] != sl {
		return false
	}
	delete(c.slots, sl.key)
	return true
}

func (c *Coordinator) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return device.NewError(device.WriteFailed, fmt.Sprintf("write timed out after %s", c.opts.Timeout), nil)
	}
	err = device.NormalizeError(err)
	if device.KindOf(err) == device.LinkLost {
		return err
	}
	return device.NewError(device.WriteFailed, "", err)
}
