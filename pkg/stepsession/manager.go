// Package stepsession is the process-wide access point to a step counter
// peripheral. A Manager owns one connection session together with its step
// channel and write coordinator, and routes calls and callbacks between them.
package stepsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/channel"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
	"github.com/srg/stepble/internal/registry"
	"github.com/srg/stepble/internal/session"
	"github.com/srg/stepble/internal/writes"
	"github.com/srg/stepble/pkg/config"
)

// Manager connects to the configured peripheral and exposes its step counter
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger

	registry *registry.Registry
	session  *session.Session
	channel  *channel.Channel
	writes   *writes.Coordinator

	stepObservers *observerList[StepObserver]
	errObservers  *observerList[ErrorObserver]

	stopListen  func()
	stopObserve func()

	// subMu serializes step subscriptions across Ready generations
	subMu     sync.Mutex
	subGen    uint64
	rawStream *channel.Stream

	closeOnce sync.Once
}

// New builds an independent manager over stack. cfg may be nil for defaults.
func New(cfg *config.Config, stack device.Stack, logger *logrus.Logger) (*Manager, error) {
	if stack == nil {
		return nil, fmt.Errorf("stepsession: stack is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stepsession: invalid configuration: %w", err)
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	channelOpts, err := cfg.ChannelOptions()
	if err != nil {
		return nil, err
	}

	reg := registry.New(stack, cfg.RegistryOptions(), logger)
	sess, err := session.New(stack, reg, cfg.SessionOptions(), logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:           cfg,
		logger:        logger,
		registry:      reg,
		session:       sess,
		channel:       channel.New(sess, channelOpts, logger),
		writes:        writes.New(sess, cfg.WriteOptions(), logger),
		stepObservers: newObserverList[StepObserver]("step", logger),
		errObservers:  newObserverList[ErrorObserver]("error", logger),
	}
	m.stopObserve = m.channel.Observe(m.onSample)
	m.stopListen = sess.Listen(m.onSessionEvent)
	return m, nil
}

// Connect starts connecting to the configured peripheral. It returns once the
// attempt has started; progress is reported through Events and OnError.
func (m *Manager) Connect() error {
	return m.session.ConnectMatching(m.cfg.Target())
}

// ConnectTo starts connecting to a specific peripheral
func (m *Manager) ConnectTo(id device.PeripheralIdentity) error {
	return m.session.Connect(id)
}

// WaitReady blocks until the session is Ready, fails, or ctx ends
func (m *Manager) WaitReady(ctx context.Context) error {
	_, err := m.session.WaitReady(ctx)
	return err
}

// Disconnect tears the link down. Outstanding writes complete with LinkLost
// and step streams end before Disconnect returns.
func (m *Manager) Disconnect() error {
	return m.session.Disconnect()
}

// IsConnected reports whether the session is Ready
func (m *Manager) IsConnected() bool {
	return m.session.State() == session.Ready
}

func (m *Manager) State() session.State {
	return m.session.State()
}

// Events returns the session event feed; see session.Session.Events
func (m *Manager) Events() <-chan session.Event {
	return m.session.Events()
}

// LatestStepCount returns the most recent decoded step count, or 0 before the
// first sample. The value survives link loss.
func (m *Manager) LatestStepCount() uint64 {
	sample, _ := m.channel.Latest()
	return sample.Steps
}

// LatestSample returns the most recent decoded sample; ok is false before the first one
func (m *Manager) LatestSample() (channel.StepSample, bool) {
	return m.channel.Latest()
}

// ActivePeripheral returns the peripheral of the Ready session
func (m *Manager) ActivePeripheral() (device.PeripheralIdentity, bool) {
	r, err := m.session.Ready()
	if err != nil {
		return device.PeripheralIdentity{}, false
	}
	return r.Peripheral, true
}

// Write sends data to the characteristic with the given UUID on the Ready
// session. WriteBusy and NotReady are returned synchronously; everything else
// resolves through the Completion.
func (m *Manager) Write(data []byte, characteristicUUID string) (*writes.Completion, error) {
	r, err := m.session.Ready()
	if err != nil {
		return nil, err
	}
	h, ok := r.Handle(characteristicUUID)
	if !ok {
		return nil, device.NewError(device.CharacteristicNotFound, "",
			&device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.NormalizeUUID(characteristicUUID)}})
	}
	return m.writes.Write(h, data)
}

// WriteControl writes to the configured control characteristic
func (m *Manager) WriteControl(data []byte) (*writes.Completion, error) {
	return m.Write(data, m.cfg.Profile.ControlCharacteristic)
}

// OnStepUpdate registers fn for every successfully decoded sample. Observers
// run in registration order; registration and removal are safe at any time,
// including from inside an observer.
func (m *Manager) OnStepUpdate(fn StepObserver) *Registration {
	return m.stepObservers.add(fn)
}

// OnError registers fn for decode errors and session failures
func (m *Manager) OnError(fn ErrorObserver) *Registration {
	return m.errObservers.add(fn)
}

// RawStream returns the raw notification stream of the current step
// subscription; ok is false while no subscription is live
func (m *Manager) RawStream() (*channel.Stream, bool) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.rawStream == nil {
		return nil, false
	}
	select {
	case <-m.rawStream.Done():
		return nil, false
	default:
		return m.rawStream, true
	}
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Close disconnects and releases every resource. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.session.Close()
		m.stopListen()
		m.stopObserve()
		m.writes.FailAll(device.ErrLinkLost)
		m.channel.Close(device.ErrLinkLost)
		m.registry.Stop()
		m.logger.Debug("Step session closed")
	})
}

// onSessionEvent runs on the session goroutine
func (m *Manager) onSessionEvent(ev session.Event) {
	switch {
	case ev.Type == session.EventReady:
		ready := ev.Ready
		groutine.GoSafe(context.Background(), m.logger, "stepsession-subscribe", func(context.Context) {
			m.subscribeSteps(ready)
		})

	case ev.Type == session.EventFailed:
		m.reportError(ev.Err)

	case ev.Type == session.EventStateChanged && ev.From == session.Ready && ev.To != session.Ready:
		failed := m.writes.FailAll(device.ErrLinkLost)
		m.channel.Close(device.ErrLinkLost)
		m.logger.WithFields(logrus.Fields{
			"to":            ev.To.String(),
			"writes_failed": failed,
			"peripheral":    ev.Peripheral.String(),
		}).Debug("Link gone; step stream and pending writes released")
	}
}

func (m *Manager) subscribeSteps(ready *session.Snapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if ready == nil || ready.Generation < m.subGen {
		return
	}
	m.subGen = ready.Generation

	h, ok := ready.Handle(m.cfg.Profile.StepCharacteristic)
	if !ok {
		m.reportError(device.NewError(device.CharacteristicNotFound,
			"step characteristic "+m.cfg.Profile.StepCharacteristic+" missing from ready session", nil))
		return
	}

	stream, err := m.channel.Subscribe(h)
	if err != nil {
		if errors.Is(err, device.ErrNotReady) {
			m.logger.WithField("generation", ready.Generation).Debug("Session left Ready before step subscription")
			return
		}
		m.logger.WithField("error", err).Error("Failed to subscribe to step notifications")
		m.reportError(err)
		return
	}

	// The session may have moved on while the stack was subscribing
	if current, err := m.session.Ready(); err != nil || current.Generation != ready.Generation {
		m.channel.Close(device.ErrLinkLost)
		return
	}

	m.rawStream = stream
	m.logger.WithFields(logrus.Fields{
		"peripheral":     ready.Peripheral.String(),
		"characteristic": device.NormalizeUUID(h.UUID()),
	}).Info("Subscribed to step notifications")
}

func (m *Manager) onSample(sample channel.StepSample, err error) {
	if err != nil {
		m.reportError(err)
		return
	}
	m.stepObservers.each(func(fn StepObserver) { fn(sample) })
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.errObservers.each(func(fn ErrorObserver) { fn(err) })
}
