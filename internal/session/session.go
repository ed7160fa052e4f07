// Package session drives one peripheral connection through its lifecycle:
// scan, connect, service and characteristic discovery, Ready, and teardown.
//
// A Session is an actor. One goroutine owns the state; commands, stack
// results, link drops and timers are posted to its mailbox. Every stack
// operation is tagged with the attempt it belongs to, and results from a
// superseded attempt are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
	"github.com/srg/stepble/internal/registry"
	"github.com/srg/stepble/internal/ringchan"
)

// ErrClosed is returned by commands issued after Close
var ErrClosed = errors.New("session closed")

const mailboxSize = 64

type listener struct {
	id uint64
	fn Listener
}

// Session manages the connection to a single peripheral
type Session struct {
	stack    device.Stack
	registry *registry.Registry
	opts     Options
	logger   *logrus.Logger
	now      func() time.Time

	mailbox   chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	actorGID  atomic.Uint64

	events *ringchan.RingChannel[Event]

	listenersMu sync.Mutex
	listeners   []listener
	listenerID  uint64

	// Published snapshot. Written only by the actor, read by anyone.
	mu         sync.RWMutex
	state      State
	failure    error
	peripheral device.PeripheralIdentity
	ready      *Snapshot

	// Actor-owned
	attempt      uint64
	attemptCtx   context.Context
	attemptStop  context.CancelFunc
	timer        *time.Timer
	discovery    *registry.Discovery
	link         device.Link
	release      func()
	filter       registry.Filter
	reconnects   int
	reconnecting bool
	pendingReady *Snapshot
}

// New creates a session over stack and starts its actor. reg may be nil, in
// which case the session keeps a private registry over the stack's scanner.
func New(stack device.Stack, reg *registry.Registry, opts Options, logger *logrus.Logger) (*Session, error) {
	if stack == nil {
		return nil, fmt.Errorf("session: stack is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()
	if opts.Profile.Service == "" {
		return nil, fmt.Errorf("session: profile service UUID is required")
	}
	if reg == nil {
		reg = registry.New(stack, registry.Options{}, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		stack:    stack,
		registry: reg,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		mailbox:  make(chan func(), mailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		events:   ringchan.New[Event](opts.EventBuffer),
		state:    Idle,
	}

	groutine.Go(ctx, "session-actor", s.run)
	return s, nil
}

func (s *Session) run(ctx context.Context) {
	s.actorGID.Store(groutine.GetGID())
	defer close(s.done)

	for {
		select {
		case fn := <-s.mailbox:
			s.safely(fn)
		case <-ctx.Done():
			s.teardown()
			return
		}
	}
}

func (s *Session) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Session message handler panicked")
		}
	}()
	fn()
}

// post delivers fn to the actor. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the actor and waits for its result. Calls made from the
// actor goroutine itself, such as from a Listener, run inline.
func (s *Session) call(fn func() error) error {
	if s.actorGID.Load() == groutine.GetGID() {
		return fn()
	}
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Connect starts connecting to the given peripheral.
// It fails with ErrAlreadyConnecting unless the session is Idle, Disconnected
// or Failed; an attempt in progress is left untouched.
func (s *Session) Connect(id device.PeripheralIdentity) error {
	if id.IsZero() {
		return fmt.Errorf("session: peripheral address is required")
	}
	return s.ConnectMatching(registry.ForIdentity(id))
}

// ConnectMatching starts connecting to the first peripheral matching filter
func (s *Session) ConnectMatching(filter registry.Filter) error {
	return s.call(func() error { return s.connect(filter) })
}

// Disconnect tears the session down and moves it to Disconnected. Pending
// stack operations are cancelled and listeners observe the transition before
// Disconnect returns. No-op when Idle.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		s.disconnect()
		return nil
	})
}

// Stop disconnects if needed and returns the session to Idle
func (s *Session) Stop() error {
	return s.call(func() error {
		s.stop()
		return nil
	})
}

// Close stops the session and its actor. Idempotent. Must not be called
// from a Listener.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.Stop(); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.WithField("error", err).Warn("Session stop failed during close")
		}
		s.cancel()
		<-s.done
		s.events.Close()
	})
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failure returns the reason of the Failed state, or nil in any other state
func (s *Session) Failure() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Peripheral returns the identity of the peripheral being connected or
// connected; ok is false until a peripheral has been found
func (s *Session) Peripheral() (device.PeripheralIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peripheral, !s.peripheral.IsZero()
}

// Ready returns the current Ready snapshot or ErrNotReady
func (s *Session) Ready() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Ready || s.ready == nil {
		return nil, device.NewError(device.NotReady, "session is "+s.state.String(), nil)
	}
	return s.ready, nil
}

// Resolve implements device.LinkResolver
func (s *Session) Resolve(h device.CharacteristicHandle) (device.Link, uint64, error) {
	r, err := s.Ready()
	if err != nil {
		return nil, 0, err
	}
	if !r.Owns(h) {
		return nil, 0, device.NewError(device.NotReady, "characteristic handle belongs to a previous connection", nil)
	}
	return r.Link, r.Generation, nil
}

// Events returns a bounded channel of session events. When the consumer falls
// behind, the oldest events are dropped. Closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events.C()
}

// Listen registers fn for every event and returns its cancel func
func (s *Session) Listen(fn Listener) (cancel func()) {
	s.listenersMu.Lock()
	s.listenerID++
	id := s.listenerID
	next := make([]listener, 0, len(s.listeners)+1)
	next = append(next, s.listeners...)
	s.listeners = append(next, listener{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			kept := make([]listener, 0, len(s.listeners))
			for _, l := range s.listeners {
				if l.id != id {
					kept = append(kept, l)
				}
			}
			s.listeners = kept
		})
	}
}

// WaitReady blocks until the session is Ready, fails, or ctx ends
func (s *Session) WaitReady(ctx context.Context) (*Snapshot, error) {
	result := make(chan error, 1)
	cancel := s.Listen(func(ev Event) {
		var outcome error
		switch ev.Type {
		case EventReady:
		case EventFailed:
			outcome = ev.Err
		default:
			return
		}
		select {
		case result <- outcome:
		default:
		}
	})
	defer cancel()

	if r, err := s.Ready(); err == nil {
		return r, nil
	}
	if s.State() == Failed {
		return nil, s.Failure()
	}

	for {
		select {
		case err := <-result:
			if err != nil {
				return nil, err
			}
			if r, rerr := s.Ready(); rerr == nil {
				return r, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		}
	}
}

// --- actor side ---

func (s *Session) connect(filter registry.Filter) error {
	if !s.state.CanConnect() {
		return device.NewError(device.AlreadyConnecting, "session is "+s.state.String(), nil)
	}
	if s.state == Failed {
		s.transition(Idle, nil)
	}

	s.invalidate()
	s.teardown()
	s.filter = filter
	s.reconnects = 0
	s.reconnecting = false

	s.logger.WithFields(logrus.Fields{
		"address": filter.Address,
		"name":    filter.Name,
	}).Info("Connecting to peripheral...")

	s.startScan(filter)
	return nil
}

func (s *Session) disconnect() {
	if s.state == Idle {
		return
	}

	s.reconnecting = false
	s.invalidate()
	s.teardown()

	if s.state != Disconnected {
		s.logger.WithField("peripheral", s.peripheral.String()).Info("Disconnecting from peripheral...")
		s.transition(Disconnected, device.ErrLinkLost)
	}
}

func (s *Session) stop() {
	switch s.state {
	case Idle:
		return
	case Failed:
		s.invalidate()
		s.teardown()
	default:
		s.disconnect()
	}
	s.transition(Idle, nil)
}

// invalidate makes every outstanding callback, timer and reconnect stale
func (s *Session) invalidate() {
	s.attempt++
}

func (s *Session) stale(gen uint64) bool {
	return gen != s.attempt
}

func (s *Session) startScan(filter registry.Filter) {
	s.invalidate()
	gen := s.attempt
	s.attemptCtx, s.attemptStop = context.WithCancel(s.ctx)

	if !s.transition(Scanning, nil) {
		return
	}

	d, err := s.registry.Discover(s.attemptCtx, filter)
	if err != nil {
		s.fail(gen, err)
		return
	}
	s.discovery = d
	s.armTimer(gen, Scanning, s.opts.ScanTimeout)

	groutine.GoSafe(s.attemptCtx, s.logger, "session-scan", func(ctx context.Context) {
		select {
		case id, ok := <-d.C():
			if ok {
				s.post(func() { s.onFound(gen, id) })
				return
			}
			<-d.Done()
			err := d.Err()
			s.post(func() { s.onScanEnded(gen, err) })
		case <-ctx.Done():
		}
	})
}

func (s *Session) onScanEnded(gen uint64, err error) {
	if s.stale(gen) || s.state != Scanning {
		return
	}
	if err == nil {
		err = device.NewError(device.DiscoveryUnavailable, "discovery ended before a peripheral was found", nil)
	}
	s.fail(gen, err)
}

func (s *Session) onFound(gen uint64, id device.PeripheralIdentity) {
	if s.stale(gen) || s.state != Scanning {
		return
	}
	s.stopDiscovery()

	release, err := s.registry.Claim(id)
	if err != nil {
		s.fail(gen, err)
		return
	}
	s.release = release

	s.mu.Lock()
	s.peripheral = id
	s.mu.Unlock()

	s.logger.WithField("peripheral", id.String()).Info("Found peripheral")

	if !s.transition(Connecting, nil) {
		return
	}
	s.armTimer(gen, Connecting, s.opts.ConnectTimeout)

	s.goStack("session-connect", func(ctx context.Context) func() {
		link, err := s.stack.Connect(ctx, id)
		return func() { s.onConnected(gen, link, err) }
	})
}

func (s *Session) onConnected(gen uint64, link device.Link, err error) {
	if s.stale(gen) || s.state != Connecting {
		// A link that completes after its attempt was abandoned is dropped
		if link != nil {
			s.dropLink(link)
		}
		return
	}
	if err != nil {
		s.fail(gen, classify(err, device.ConnectFailed, "connect failed"))
		return
	}

	s.link = link
	s.watchLink(gen, link)

	s.logger.WithField("peripheral", s.peripheral.String()).Info("Link established, discovering services...")

	if !s.transition(DiscoveringServices, nil) {
		return
	}
	s.armTimer(gen, DiscoveringServices, s.opts.ServiceDiscoveryTimeout)

	service := s.opts.Profile.Service
	s.goStack("session-discover-services", func(ctx context.Context) func() {
		svcs, err := link.DiscoverServices(ctx, []string{service})
		return func() { s.onServices(gen, svcs, err) }
	})
}

func (s *Session) onServices(gen uint64, svcs []device.ServiceHandle, err error) {
	if s.stale(gen) || s.state != DiscoveringServices {
		return
	}
	if err != nil {
		s.fail(gen, classify(err, device.ServiceDiscoveryFailed, "service discovery failed"))
		return
	}

	var target device.ServiceHandle
	for _, svc := range svcs {
		if device.SameUUID(svc.UUID(), s.opts.Profile.Service) {
			target = svc
			break
		}
	}
	if target == nil {
		s.fail(gen, device.NewError(device.ServiceDiscoveryFailed, "",
			&device.NotFoundError{Resource: "service", UUIDs: []string{s.opts.Profile.Service}}))
		return
	}

	if !s.transition(DiscoveringCharacteristics, nil) {
		return
	}
	s.armTimer(gen, DiscoveringCharacteristics, s.opts.CharacteristicDiscoveryTimeout)

	link := s.link
	wanted := s.opts.Profile.Characteristics
	s.goStack("session-discover-characteristics", func(ctx context.Context) func() {
		chars, err := link.DiscoverCharacteristics(ctx, target, wanted)
		return func() { s.onCharacteristics(gen, chars, err) }
	})
}

func (s *Session) onCharacteristics(gen uint64, chars []device.CharacteristicHandle, err error) {
	if s.stale(gen) || s.state != DiscoveringCharacteristics {
		return
	}
	if err != nil {
		s.fail(gen, classify(err, device.CharacteristicNotFound, "characteristic discovery failed"))
		return
	}

	handles, missing := selectHandles(chars, s.opts.Profile)
	if len(missing) > 0 {
		s.fail(gen, device.NewError(device.CharacteristicNotFound, "",
			&device.NotFoundError{Resource: "characteristic", UUIDs: append([]string{s.opts.Profile.Service}, missing...)}))
		return
	}

	s.stopTimer()
	s.reconnects = 0
	s.reconnecting = false
	s.pendingReady = &Snapshot{
		Link:       s.link,
		Peripheral: s.peripheral,
		Handles:    handles,
		Generation: gen,
	}

	if !s.transition(Ready, nil) {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"peripheral":      s.peripheral.String(),
		"characteristics": len(handles),
		"generation":      gen,
	}).Info("Session ready")

	s.emit(Event{Type: EventReady, From: DiscoveringCharacteristics, To: Ready, Ready: s.pendingReady})
}

// selectHandles keeps the profile characteristics in profile order and
// reports the ones the peripheral did not expose. An empty profile list
// accepts every discovered characteristic.
func selectHandles(chars []device.CharacteristicHandle, profile device.Profile) ([]device.CharacteristicHandle, []string) {
	if len(profile.Characteristics) == 0 {
		return chars, nil
	}

	var handles []device.CharacteristicHandle
	var missing []string
	for _, uuid := range profile.Characteristics {
		var found device.CharacteristicHandle
		for _, c := range chars {
			if device.SameUUID(c.UUID(), uuid) {
				found = c
				break
			}
		}
		if found == nil {
			missing = append(missing, uuid)
			continue
		}
		handles = append(handles, found)
	}
	return handles, missing
}

func (s *Session) onTimeout(gen uint64, phase State, after time.Duration) {
	if s.stale(gen) || s.state != phase {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"state":   phase.String(),
		"timeout": after,
	}).Warn("Session phase timed out")
	s.fail(gen, device.NewError(device.ConnectTimeout, fmt.Sprintf("%s timed out after %s", phase, after), nil))
}

func (s *Session) onLinkDown(gen uint64) {
	if s.stale(gen) {
		return
	}

	switch s.state {
	case Ready:
		s.logger.WithField("peripheral", s.peripheral.String()).Warn("Link lost")
		s.reconnecting = false
		s.teardown()
		s.transition(Disconnected, device.ErrLinkLost)
		s.scheduleReconnect(device.ErrLinkLost)
	case Connecting, DiscoveringServices, DiscoveringCharacteristics:
		s.fail(gen, device.NewError(device.ConnectFailed, "link dropped while "+s.state.String(), nil))
	}
}

// fail ends the current attempt. A failing reconnect attempt goes back to
// Disconnected and waits for the next backoff; anything else enters Failed.
func (s *Session) fail(gen uint64, err error) {
	if s.stale(gen) {
		return
	}
	s.teardown()

	if s.reconnecting && s.opts.Reconnect.Enabled {
		s.logger.WithField("error", err).Warn("Reconnect attempt failed")
		s.transition(Disconnected, err)
		s.scheduleReconnect(err)
		return
	}
	s.enterFailed(err)
}

func (s *Session) enterFailed(err error) {
	s.invalidate()
	from := s.state
	if !s.transition(Failed, err) {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"peripheral": s.peripheral.String(),
		"error":      err,
	}).Error("Session failed")
	s.emit(Event{Type: EventFailed, From: from, To: Failed, Err: err})
}

func (s *Session) scheduleReconnect(cause error) {
	p := s.opts.Reconnect
	if !p.Enabled {
		return
	}
	if p.MaxAttempts > 0 && s.reconnects >= p.MaxAttempts {
		s.reconnecting = false
		s.enterFailed(fmt.Errorf("gave up after %d reconnect attempts: %w", s.reconnects, cause))
		return
	}

	s.reconnects++
	s.reconnecting = true
	s.invalidate()
	gen := s.attempt
	delay := backoffDelay(s.reconnects, p.InitialBackoff, p.MaxBackoff)

	s.logger.WithFields(logrus.Fields{
		"attempt": s.reconnects,
		"delay":   delay,
	}).Info("Scheduling reconnect")

	s.timer = time.AfterFunc(delay, func() {
		s.post(func() { s.onReconnectDue(gen) })
	})
}

func (s *Session) onReconnectDue(gen uint64) {
	if s.stale(gen) || s.state != Disconnected {
		return
	}
	filter := s.filter
	if !s.peripheral.IsZero() {
		filter = registry.ForIdentity(s.peripheral)
	}
	s.startScan(filter)
}

// transition moves to next and publishes the change. Undeclared transitions
// are refused and logged.
func (s *Session) transition(next State, cause error) bool {
	from := s.state
	if !CanTransition(from, next) {
		s.logger.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   next.String(),
		}).Error("Refusing undeclared state transition")
		return false
	}

	s.mu.Lock()
	s.state = next
	s.ready = nil
	s.failure = nil
	switch next {
	case Ready:
		s.ready = s.pendingReady
	case Failed:
		s.failure = cause
	case Idle:
		s.peripheral = device.PeripheralIdentity{}
	}
	s.mu.Unlock()

	if next != Ready {
		s.pendingReady = nil
	}

	s.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   next.String(),
	}).Debug("Session state changed")

	s.emit(Event{Type: EventStateChanged, From: from, To: next, Err: cause})
	return true
}

func (s *Session) emit(ev Event) {
	ev.Time = s.now()
	s.mu.RLock()
	ev.Peripheral = s.peripheral
	s.mu.RUnlock()

	if s.events.Send(ev) {
		s.logger.WithFields(logrus.Fields{
			"event":   ev.Type.String(),
			"dropped": s.events.Stats().Dropped,
		}).Debug("Event feed full; oldest event discarded")
	}

	s.listenersMu.Lock()
	listeners := s.listeners
	s.listenersMu.Unlock()

	for _, l := range listeners {
		s.notify(l, ev)
	}
}

func (s *Session) notify(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"listener": l.id,
				"panic":    r,
			}).Error("Session listener panicked")
		}
	}()
	l.fn(ev)
}

// teardown releases everything the current attempt holds
func (s *Session) teardown() {
	s.stopTimer()
	s.stopDiscovery()
	if s.attemptStop != nil {
		s.attemptStop()
		s.attemptStop = nil
	}
	if s.link != nil {
		s.dropLink(s.link)
		s.link = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

func (s *Session) stopDiscovery() {
	if s.discovery != nil {
		s.discovery.Stop()
		s.discovery = nil
	}
}

func (s *Session) armTimer(gen uint64, phase State, after time.Duration) {
	s.stopTimer()
	if after <= 0 {
		return
	}
	s.timer = time.AfterFunc(after, func() {
		s.post(func() { s.onTimeout(gen, phase, after) })
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// goStack runs a blocking stack call off the actor and posts its result back
func (s *Session) goStack(name string, call func(ctx context.Context) func()) {
	groutine.GoSafe(s.attemptCtx, s.logger, name, func(ctx context.Context) {
		s.post(call(ctx))
	})
}

func (s *Session) watchLink(gen uint64, link device.Link) {
	groutine.GoSafe(s.attemptCtx, s.logger, "session-link-monitor", func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			s.post(func() { s.onLinkDown(gen) })
		case <-ctx.Done():
		}
	})
}

func (s *Session) dropLink(link device.Link) {
	groutine.GoSafe(context.Background(), s.logger, "session-link-teardown", func(context.Context) {
		if err := link.Disconnect(); err != nil {
			s.logger.WithField("error", err).Debug("Link disconnect returned error")
		}
	})
}

// classify keeps taxonomy errors as they are and files anything else under kind.
// A cancelled or expired context means the phase deadline fired first.
func classify(err error, kind device.ErrorKind, msg string) error {
	err = device.NormalizeError(err)
	if device.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return device.NewError(device.ConnectTimeout, msg, err)
	}
	return device.NewError(kind, msg, err)
}
