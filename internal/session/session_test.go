//go:build test

package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/registry"
	"github.com/srg/stepble/internal/session"
	"github.com/srg/stepble/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// recorder collects every event a session emits
type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) listen(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

func (r *recorder) states() []session.State {
	var out []session.State
	for _, ev := range r.all() {
		if ev.Type == session.EventStateChanged {
			out = append(out, ev.To)
		}
	}
	return out
}

func (r *recorder) count(t session.EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type SessionTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	stack  *testutils.FakeStack
	opts   session.Options
	sess   *session.Session
	rec    *recorder
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.stack = testutils.NewStepStack()
	s.opts = session.Options{
		Profile: device.Profile{
			Service:         testutils.StepService,
			Characteristics: []string{testutils.StepCharacteristic, testutils.ControlPoint},
		},
		ConnectTimeout:                 time.Second,
		ServiceDiscoveryTimeout:        time.Second,
		CharacteristicDiscoveryTimeout: time.Second,
	}
	s.sess = nil
}

func (s *SessionTestSuite) TearDownTest() {
	if s.sess != nil {
		s.sess.Close()
	}
}

func (s *SessionTestSuite) start() *session.Session {
	sess, err := session.New(s.stack, nil, s.opts, s.helper.Logger)
	s.Require().NoError(err)
	s.sess = sess
	s.rec = &recorder{}
	sess.Listen(s.rec.listen)
	return sess
}

func (s *SessionTestSuite) peripheral() device.PeripheralIdentity {
	return device.PeripheralIdentity{Address: testutils.PeripheralAddress}
}

func (s *SessionTestSuite) waitState(want session.State) {
	s.Require().Eventually(func() bool { return s.sess.State() == want }, testutils.WaitTimeout, testutils.Tick,
		"session MUST reach %s (currently %s)", want, s.sess.State())
}

func (s *SessionTestSuite) waitReady() *session.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), testutils.WaitTimeout)
	defer cancel()
	r, err := s.sess.WaitReady(ctx)
	s.Require().NoError(err, "session MUST become ready")
	return r
}

func (s *SessionTestSuite) TestConnectReachesReady() {
	// GOAL: Verify a connect drives the session through every phase to Ready
	//
	// TEST SCENARIO: Connect to an advertising peripheral → states progress in order → Ready snapshot resolves both characteristics

	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))

	r := s.waitReady()

	s.Equal([]session.State{
		session.Scanning,
		session.Connecting,
		session.DiscoveringServices,
		session.DiscoveringCharacteristics,
		session.Ready,
	}, s.rec.states(), "transitions MUST follow the declared order")
	s.Equal(1, s.rec.count(session.EventReady), "MUST emit exactly one ready event")

	s.Equal(testutils.PeripheralAddress, r.Peripheral.ID())
	s.Equal(testutils.PeripheralName, r.Peripheral.Name)
	s.Len(r.Handles, 2)
	step, ok := r.Handle(testutils.StepCharacteristic)
	s.Require().True(ok)
	s.True(step.Properties().CanNotify())

	link, gen, err := sess.Resolve(step)
	s.Require().NoError(err)
	s.Same(s.stack.LastLink(), link, "Resolve MUST return the live link")
	s.Equal(r.Generation, gen)

	id, ok := sess.Peripheral()
	s.True(ok)
	s.Equal(testutils.PeripheralAddress, id.ID())
}

func (s *SessionTestSuite) TestConnectWhileConnectingIsRejected() {
	// GOAL: Verify a second connect fails with AlreadyConnecting and leaves the attempt alone
	//
	// TEST SCENARIO: Hold the stack in Connecting → connect again → AlreadyConnecting → release → Ready

	s.stack.HoldConnect()
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitState(session.Connecting)

	err := sess.Connect(s.peripheral())
	s.ErrorIs(err, device.ErrAlreadyConnecting, "connect during an attempt MUST fail")
	s.Equal(session.Connecting, sess.State(), "the in-progress attempt MUST be undisturbed")

	s.stack.ReleaseConnect()
	s.waitReady()

	s.ErrorIs(sess.Connect(s.peripheral()), device.ErrAlreadyConnecting, "connect while Ready MUST fail")
	s.Equal(1, s.stack.ConnectCount())
}

func (s *SessionTestSuite) TestPhaseTimeouts() {
	// GOAL: Verify each connect phase has its own deadline ending in Failed(ConnectTimeout)
	//
	// TEST SCENARIO: Block one phase at a time with a short deadline → session fails with ConnectTimeout → one failed event

	cases := []struct {
		name  string
		setup func(*testutils.FakeStack, *session.Options)
		phase session.State
	}{
		{
			name: "connecting",
			setup: func(st *testutils.FakeStack, o *session.Options) {
				st.HoldConnect()
				o.ConnectTimeout = 50 * time.Millisecond
			},
			phase: session.Connecting,
		},
		{
			name: "service discovery",
			setup: func(st *testutils.FakeStack, o *session.Options) {
				st.BlockServiceDiscovery()
				o.ServiceDiscoveryTimeout = 50 * time.Millisecond
			},
			phase: session.DiscoveringServices,
		},
		{
			name: "characteristic discovery",
			setup: func(st *testutils.FakeStack, o *session.Options) {
				st.BlockCharacteristicDiscovery()
				o.CharacteristicDiscoveryTimeout = 50 * time.Millisecond
			},
			phase: session.DiscoveringCharacteristics,
		},
		{
			name: "scanning",
			setup: func(st *testutils.FakeStack, o *session.Options) {
				st.Advertise()
				o.ScanTimeout = 50 * time.Millisecond
			},
			phase: session.Scanning,
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()
			tc.setup(s.stack, &s.opts)
			sess := s.start()
			defer func() {
				sess.Close()
				s.sess = nil
			}()

			s.Require().NoError(sess.Connect(s.peripheral()))
			s.waitState(session.Failed)

			s.ErrorIs(sess.Failure(), device.ErrConnectTimeout, "failure MUST be ConnectTimeout")
			s.Contains(sess.Failure().Error(), tc.phase.String(), "failure MUST name the phase")

			s.Eventually(func() bool { return s.rec.count(session.EventFailed) == 1 }, testutils.WaitTimeout, testutils.Tick)
			for _, ev := range s.rec.all() {
				if ev.Type == session.EventFailed {
					s.Equal(tc.phase, ev.From, "failed event MUST report the phase it left")
					s.ErrorIs(ev.Err, device.ErrConnectTimeout)
				}
			}
		})
	}
}

func (s *SessionTestSuite) TestMissingAttributes() {
	s.Run("service", func() {
		// GOAL: Verify a peripheral without the profile service fails service discovery
		//
		// TEST SCENARIO: Stack hides the service → Failed(ServiceDiscoveryFailed) naming the service

		s.SetupTest()
		s.stack.HideService()
		sess := s.start()
		defer func() {
			sess.Close()
			s.sess = nil
		}()

		s.Require().NoError(sess.Connect(s.peripheral()))
		s.waitState(session.Failed)

		s.ErrorIs(sess.Failure(), device.ErrServiceDiscoveryFailed)
		var nf *device.NotFoundError
		s.Require().ErrorAs(sess.Failure(), &nf)
		s.Equal("service", nf.Resource)
	})

	s.Run("characteristic", func() {
		// GOAL: Verify a missing profile characteristic fails with CharacteristicNotFound
		//
		// TEST SCENARIO: Profile asks for fff9 the peripheral lacks → Failed(CharacteristicNotFound) naming fff9

		s.SetupTest()
		s.opts.Profile.Characteristics = append(s.opts.Profile.Characteristics, "fff9")
		sess := s.start()
		defer func() {
			sess.Close()
			s.sess = nil
		}()

		s.Require().NoError(sess.Connect(s.peripheral()))
		s.waitState(session.Failed)

		s.ErrorIs(sess.Failure(), device.ErrCharacteristicNotFound)
		s.Contains(sess.Failure().Error(), "fff9")
		s.Eventually(func() bool { return s.stack.LastLink().Closed() }, testutils.WaitTimeout, testutils.Tick,
			"a failed attempt MUST release its link")
	})
}

func (s *SessionTestSuite) TestConnectFailureAndRetry() {
	// GOAL: Verify a stack connect error fails the session and a later connect starts over
	//
	// TEST SCENARIO: Connect fails → Failed(ConnectFailed) → stack recovers → connect again → Failed → Idle → Scanning → Ready

	s.stack.FailConnect(errors.New("le-connection-abort-by-local"))
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitState(session.Failed)
	s.ErrorIs(sess.Failure(), device.ErrConnectFailed)

	s.stack.FailConnect(nil)
	s.Require().NoError(sess.Connect(s.peripheral()), "connect MUST be accepted from Failed")
	s.waitReady()

	s.Nil(sess.Failure(), "failure MUST clear once the session leaves Failed")
	states := s.rec.states()
	s.Contains(states, session.Idle, "MUST pass through Idle when leaving Failed")
}

func (s *SessionTestSuite) TestDisconnectFromReady() {
	// GOAL: Verify Disconnect tears the link down and invalidates every handle before returning
	//
	// TEST SCENARIO: Ready → Disconnect → Disconnected at return → old handles resolve NotReady → link closed

	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	r := s.waitReady()
	step, _ := r.Handle(testutils.StepCharacteristic)

	s.Require().NoError(sess.Disconnect())

	s.Equal(session.Disconnected, sess.State(), "state MUST be Disconnected when Disconnect returns")
	_, err := sess.Ready()
	s.ErrorIs(err, device.ErrNotReady)
	_, _, err = sess.Resolve(step)
	s.ErrorIs(err, device.ErrNotReady, "handles from the closed generation MUST be rejected")

	link := s.stack.LastLink()
	s.Eventually(func() bool { return link.Disconnects() == 1 }, testutils.WaitTimeout, testutils.Tick,
		"the link MUST be disconnected")

	for _, ev := range s.rec.all() {
		if ev.To == session.Disconnected {
			s.ErrorIs(ev.Err, device.ErrLinkLost, "disconnect MUST broadcast LinkLost")
		}
	}

	s.NoError(sess.Disconnect(), "disconnect MUST be idempotent")
	time.Sleep(50 * time.Millisecond)
	s.Equal(1, s.stack.ConnectCount(), "explicit disconnect MUST NOT reconnect")
}

func (s *SessionTestSuite) TestDisconnectDuringAttempt() {
	// GOAL: Verify Disconnect is valid from any non-Idle state and cancels in-flight stack work
	//
	// TEST SCENARIO: Service discovery blocked → Disconnect → Disconnected → no late transitions

	s.stack.BlockServiceDiscovery()
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitState(session.DiscoveringServices)

	s.Require().NoError(sess.Disconnect())
	s.Equal(session.Disconnected, sess.State())

	time.Sleep(50 * time.Millisecond)
	s.Equal(session.Disconnected, sess.State(), "cancelled work MUST NOT move the session")
	s.Equal(0, s.rec.count(session.EventFailed))
}

func (s *SessionTestSuite) TestDisconnectFromIdleIsNoop() {
	sess := s.start()
	s.NoError(sess.Disconnect())
	s.Equal(session.Idle, sess.State())
	s.Empty(s.rec.all(), "disconnect from Idle MUST NOT emit events")
}

func (s *SessionTestSuite) TestStopReturnsToIdle() {
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitReady()

	s.Require().NoError(sess.Stop())

	s.Equal(session.Idle, sess.State())
	_, ok := sess.Peripheral()
	s.False(ok, "Idle MUST forget the peripheral")
	states := s.rec.states()
	s.Equal([]session.State{session.Disconnected, session.Idle}, states[len(states)-2:])
}

func (s *SessionTestSuite) TestLinkDropWithoutReconnect() {
	// GOAL: Verify a link drop in Ready ends in Disconnected when reconnect is off
	//
	// TEST SCENARIO: Ready → peripheral drops → Disconnected(LinkLost) → stays there

	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitReady()

	s.stack.LastLink().Drop()
	s.waitState(session.Disconnected)

	time.Sleep(50 * time.Millisecond)
	s.Equal(session.Disconnected, sess.State())
	s.Equal(1, s.stack.ConnectCount())
}

func (s *SessionTestSuite) TestReconnectAfterLinkDrop() {
	// GOAL: Verify opt-in reconnect re-enters Scanning and reaches a new Ready generation
	//
	// TEST SCENARIO: Ready → drop → Disconnected → backoff → Ready again → old handles stale, new ones live

	s.opts.Reconnect = session.ReconnectPolicy{Enabled: true, MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	first := s.waitReady()
	oldStep, _ := first.Handle(testutils.StepCharacteristic)

	s.stack.LastLink().Drop()

	s.Eventually(func() bool { return s.rec.count(session.EventReady) == 2 }, testutils.WaitTimeout, testutils.Tick,
		"session MUST become ready again")
	second := s.waitReady()

	s.NotEqual(first.Generation, second.Generation, "a reconnect MUST start a new generation")
	_, _, err := sess.Resolve(oldStep)
	s.ErrorIs(err, device.ErrNotReady, "handles from before the drop MUST be dangling")

	newStep, _ := second.Handle(testutils.StepCharacteristic)
	_, _, err = sess.Resolve(newStep)
	s.NoError(err)
	s.Equal(2, s.stack.ConnectCount())
	s.Contains(s.rec.states(), session.Disconnected)
}

func (s *SessionTestSuite) TestReconnectGivesUp() {
	// GOAL: Verify reconnect stops after MaxAttempts consecutive failures
	//
	// TEST SCENARIO: Ready → drop → every reconnect fails → Failed once attempts are exhausted

	s.opts.Reconnect = session.ReconnectPolicy{Enabled: true, MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitReady()

	s.stack.FailConnect(errors.New("connection refused"))
	s.stack.LastLink().Drop()

	s.waitState(session.Failed)
	s.ErrorIs(sess.Failure(), device.ErrConnectFailed, "final failure MUST carry the last cause")
	s.Contains(sess.Failure().Error(), "gave up after 2 reconnect attempts")
	s.Equal(3, s.stack.ConnectCount(), "MUST try exactly MaxAttempts reconnects")
	s.Equal(1, s.rec.count(session.EventFailed))
}

func (s *SessionTestSuite) TestClaimedPeripheralIsRefused() {
	// GOAL: Verify two sessions cannot own the same peripheral
	//
	// TEST SCENARIO: Session A Ready on a shared registry → session B connects to the same identity → B fails with AlreadyConnecting

	reg := registry.New(s.stack, registry.Options{}, s.helper.Logger)
	a, err := session.New(s.stack, reg, s.opts, s.helper.Logger)
	s.Require().NoError(err)
	defer a.Close()
	b, err := session.New(s.stack, reg, s.opts, s.helper.Logger)
	s.Require().NoError(err)
	defer b.Close()

	s.Require().NoError(a.Connect(s.peripheral()))
	ctx, cancel := context.WithTimeout(context.Background(), testutils.WaitTimeout)
	defer cancel()
	_, err = a.WaitReady(ctx)
	s.Require().NoError(err)

	s.Require().NoError(b.Connect(s.peripheral()))
	_, err = b.WaitReady(ctx)
	s.ErrorIs(err, device.ErrAlreadyConnecting)
	s.Equal(session.Ready, a.State(), "the owning session MUST be unaffected")
}

func (s *SessionTestSuite) TestRadioUnavailable() {
	s.stack.FailScan(testutils.ErrFakeRadio)
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))

	s.waitState(session.Failed)
	s.ErrorIs(sess.Failure(), device.ErrDiscoveryUnavailable)
}

func (s *SessionTestSuite) TestListenerMayCallBack() {
	// GOAL: Verify listeners can query and command the session without deadlocking
	//
	// TEST SCENARIO: Listener disconnects on Ready → Disconnect runs inline → session ends Disconnected

	sess := s.start()
	sess.Listen(func(ev session.Event) {
		if ev.Type == session.EventReady {
			_ = sess.State()
			_ = sess.Disconnect()
		}
	})
	s.Require().NoError(sess.Connect(s.peripheral()))

	s.waitState(session.Disconnected)
}

func (s *SessionTestSuite) TestListenerPanicIsContained() {
	sess := s.start()
	sess.Listen(func(session.Event) { panic("boom") })
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitReady()
	s.Equal(1, s.rec.count(session.EventReady), "other listeners MUST still be notified")
}

func (s *SessionTestSuite) TestEventsChannel() {
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitReady()

	var seen []session.EventType
	timeout := time.After(testutils.WaitTimeout)
	for len(seen) < 6 {
		select {
		case ev := <-sess.Events():
			seen = append(seen, ev.Type)
			s.False(ev.Time.IsZero())
			if ev.Type == session.EventReady {
				s.Equal(testutils.PeripheralAddress, ev.Peripheral.ID(), "ready event MUST carry the peripheral")
				s.NotNil(ev.Ready)
			}
		case <-timeout:
			s.FailNow("events MUST be delivered on the channel")
		}
	}
	s.Equal(session.EventReady, seen[5])
}

func (s *SessionTestSuite) TestClose() {
	sess := s.start()
	s.Require().NoError(sess.Connect(s.peripheral()))
	s.waitReady()

	sess.Close()
	sess.Close()
	s.sess = nil

	s.ErrorIs(sess.Connect(s.peripheral()), session.ErrClosed)
	s.ErrorIs(sess.Disconnect(), session.ErrClosed)
	_, open := <-sess.Events()
	for open {
		_, open = <-sess.Events()
	}
	s.Eventually(func() bool { return s.stack.LastLink().Closed() }, testutils.WaitTimeout, testutils.Tick)
}

func (s *SessionTestSuite) TestNewValidation() {
	_, err := session.New(nil, nil, s.opts, s.helper.Logger)
	s.Error(err)

	_, err = session.New(s.stack, nil, session.Options{}, s.helper.Logger)
	s.ErrorContains(err, "profile service UUID is required")

	sess := s.start()
	s.Error(sess.Connect(device.PeripheralIdentity{}), "connect MUST require an address")
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
