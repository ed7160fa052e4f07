//go:build test

package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/registry"
	"github.com/srg/stepble/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	stack  *testutils.FakeStack
	reg    *registry.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.stack = testutils.NewFakeStack("fff0").Advertise(
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:01").WithName("Pedometer-1").WithServices("fff0").BuildAdvertisement(),
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:02").WithName("Scale").WithServices("181d").BuildAdvertisement(),
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:03").WithName("Pedometer-3").WithServices("fff0").WithConnectable(false).BuildAdvertisement(),
		testutils.NewAdvertisementBuilder().WithAddress("aa:bb:cc:dd:ee:01").WithName("Pedometer-1").WithServices("fff0").BuildAdvertisement(),
	)
	s.reg = registry.New(s.stack, registry.Options{}, s.helper.Logger)
}

func (s *RegistryTestSuite) TearDownTest() {
	s.reg.Stop()
}

// collect reads identities until the discovery goes quiet
func (s *RegistryTestSuite) collect(d *registry.Discovery, want int) []device.PeripheralIdentity {
	var got []device.PeripheralIdentity
	timeout := time.After(testutils.WaitTimeout)
	for len(got) < want {
		select {
		case id, ok := <-d.C():
			if !ok {
				return got
			}
			got = append(got, id)
		case <-timeout:
			s.FailNow("timed out waiting for identities")
		}
	}
	return got
}

func (s *RegistryTestSuite) TestDiscoverReportsMatchingPeripheralsOnce() {
	// GOAL: Verify discovery yields each matching connectable peripheral once
	//
	// TEST SCENARIO: Four reports (one duplicate, one non-connectable) with a service filter → one identity

	d, err := s.reg.Discover(context.Background(), registry.Filter{Services: []string{"FFF0"}})
	s.Require().NoError(err)

	got := s.collect(d, 1)
	s.Require().Len(got, 1)
	s.Equal("aa:bb:cc:dd:ee:01", got[0].ID(), "MUST report the matching peripheral")
	s.Equal("Pedometer-1", got[0].Name)

	s.Eventually(func() bool { return len(s.reg.Entries()) == 3 }, testutils.WaitTimeout, testutils.Tick,
		"registry MUST record every reporting peripheral, matching or not")

	select {
	case id := <-d.C():
		s.Failf("unexpected identity", "duplicate or filtered peripheral reported: %v", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *RegistryTestSuite) TestFilterMatching() {
	adv := testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:01").WithName("Pedometer-1").WithServices("fff0").BuildAdvertisement()
	nc := testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:03").WithConnectable(false).BuildAdvertisement()

	s.True(registry.Filter{}.Matches(adv), "empty filter MUST match a connectable peripheral")
	s.False(registry.Filter{}.Matches(nc), "empty filter MUST skip non-connectable peripherals")
	s.True(registry.Filter{IncludeNonConnectable: true}.Matches(nc))
	s.True(registry.Filter{Address: "aa:bb:cc:dd:ee:01"}.Matches(adv), "address MUST match case-insensitively")
	s.False(registry.Filter{Address: "aa:bb:cc:dd:ee:02"}.Matches(adv))
	s.True(registry.Filter{Name: "Pedometer-1"}.Matches(adv))
	s.False(registry.Filter{Name: "Pedometer"}.Matches(adv), "name MUST match exactly")
	s.True(registry.Filter{NamePrefix: "Pedo"}.Matches(adv))
	s.True(registry.Filter{Services: []string{"0000fff0-0000-1000-8000-00805f9b34fb"}}.Matches(adv), "service UUIDs MUST compare normalized")
	s.False(registry.Filter{Services: []string{"181d"}}.Matches(adv))
	s.True(registry.ForIdentity(device.PeripheralIdentity{Address: "AA:BB:CC:DD:EE:01"}).Matches(adv))
}

func (s *RegistryTestSuite) TestDiscoverIsRestartable() {
	// GOAL: Verify a new Discover supersedes the running one and yields a fresh sequence
	//
	// TEST SCENARIO: Discover → Discover again → first sequence closes → second reports the peripheral again

	first, err := s.reg.Discover(context.Background(), registry.Filter{Name: "Pedometer-1"})
	s.Require().NoError(err)
	s.collect(first, 1)

	second, err := s.reg.Discover(context.Background(), registry.Filter{Name: "Pedometer-1"})
	s.Require().NoError(err)

	select {
	case <-first.Done():
	case <-time.After(testutils.WaitTimeout):
		s.FailNow("first discovery MUST end when superseded")
	}
	s.NoError(first.Err(), "a superseded discovery MUST end without error")

	got := s.collect(second, 1)
	s.Len(got, 1, "restarted discovery MUST report known peripherals again")

	s.reg.Stop()
	s.reg.Stop()
	select {
	case <-second.Done():
	case <-time.After(testutils.WaitTimeout):
		s.FailNow("Stop MUST end the discovery")
	}
}

func (s *RegistryTestSuite) TestRadioUnavailable() {
	// GOAL: Verify a radio failure ends the sequence with ErrDiscoveryUnavailable
	//
	// TEST SCENARIO: Scan fails with a platform error → C closes → Err is DiscoveryUnavailable

	s.stack.FailScan(testutils.ErrFakeRadio)
	d, err := s.reg.Discover(context.Background(), registry.Filter{})
	s.Require().NoError(err)

	_, ok := <-d.C()
	s.False(ok, "sequence MUST close when the radio is unavailable")
	<-d.Done()
	s.ErrorIs(d.Err(), device.ErrDiscoveryUnavailable)
}

func (s *RegistryTestSuite) TestDiscoverWithoutScanner() {
	reg := registry.New(nil, registry.Options{}, s.helper.Logger)
	_, err := reg.Discover(context.Background(), registry.Filter{})
	s.ErrorIs(err, device.ErrDiscoveryUnavailable)
}

func (s *RegistryTestSuite) TestClaimIsSingleOwner() {
	// GOAL: Verify at most one owner per identity
	//
	// TEST SCENARIO: Claim → second claim fails with AlreadyConnecting → release → claim succeeds; stale release is harmless

	id := device.PeripheralIdentity{Address: "AA:BB:CC:DD:EE:01"}

	release, err := s.reg.Claim(id)
	s.Require().NoError(err)
	s.True(s.reg.Claimed(id))

	_, err = s.reg.Claim(device.PeripheralIdentity{Address: "aa:bb:cc:dd:ee:01"})
	s.ErrorIs(err, device.ErrAlreadyConnecting, "second claim MUST fail")

	release()
	s.False(s.reg.Claimed(id))

	release2, err := s.reg.Claim(id)
	s.Require().NoError(err, "claim MUST succeed after release")

	release()
	s.True(s.reg.Claimed(id), "a stale release MUST NOT free a newer claim")
	release2()
}

func (s *RegistryTestSuite) TestClaimIsSharedAcrossRegistries() {
	// GOAL: Verify a claim taken through one registry blocks every other registry in the process
	//
	// TEST SCENARIO: Registry A claims → registry B claim fails with AlreadyConnecting → A releases → B claim succeeds

	other := registry.New(s.stack, registry.Options{}, s.helper.Logger)
	defer other.Stop()
	id := device.PeripheralIdentity{Address: "aa:bb:cc:dd:ee:04"}

	release, err := s.reg.Claim(id)
	s.Require().NoError(err)
	s.True(other.Claimed(id), "claims MUST be visible to every registry")

	_, err = other.Claim(id)
	s.ErrorIs(err, device.ErrAlreadyConnecting, "a second registry MUST NOT claim an owned peripheral")

	release()
	release2, err := other.Claim(id)
	s.Require().NoError(err, "claim MUST succeed once the owner releases")
	release2()
	s.False(s.reg.Claimed(id))
}

func (s *RegistryTestSuite) TestRepeatedAdvertisementsUpdateOneEntry() {
	// GOAL: Verify repeated advertisements from one address merge into a single entry reachable by Lookup and Forget
	//
	// TEST SCENARIO: Nameless advertisement then a named scan response for the same address → one entry with the
	// learned name, the latest RSSI and the earlier services → Forget removes it

	stack := testutils.NewFakeStack("fff0").Advertise(
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:09").WithRSSI(-70).WithServices("fff0").BuildAdvertisement(),
		testutils.NewAdvertisementBuilder().WithAddress("aa:bb:cc:dd:ee:09").WithName("Pedometer-9").WithRSSI(-40).BuildAdvertisement(),
	)
	reg := registry.New(stack, registry.Options{}, s.helper.Logger)
	defer reg.Stop()

	d, err := reg.Discover(context.Background(), registry.Filter{Name: "Pedometer-9"})
	s.Require().NoError(err)
	s.collect(d, 1)

	s.Require().Len(reg.Entries(), 1, "one address MUST map to one entry")
	entry, ok := reg.Lookup("AA:BB:CC:DD:EE:09")
	s.Require().True(ok, "a recorded peripheral MUST be visible to Lookup")
	s.Equal("Pedometer-9", entry.Identity.Name, "a later name MUST fill an empty one")
	s.Equal(-40, entry.RSSI)
	s.Equal([]string{"fff0"}, entry.Services, "services MUST survive an advertisement without them")

	s.True(reg.Forget("aa:bb:cc:dd:ee:09"), "a recorded peripheral MUST be removable")
	_, ok = reg.Lookup("aa:bb:cc:dd:ee:09")
	s.False(ok)
}

func (s *RegistryTestSuite) TestLookupForgetExpire() {
	d, err := s.reg.Discover(context.Background(), registry.Filter{Name: "Pedometer-1"})
	s.Require().NoError(err)
	s.collect(d, 1)
	s.Eventually(func() bool { return len(s.reg.Entries()) == 3 }, testutils.WaitTimeout, testutils.Tick)

	entry, ok := s.reg.Lookup("AA:BB:CC:DD:EE:01")
	s.Require().True(ok)
	s.Equal([]string{"fff0"}, entry.Services)
	s.True(entry.Connectable)

	entries := s.reg.Entries()
	s.Equal("aa:bb:cc:dd:ee:01", entries[0].Identity.Address, "entries MUST be sorted by address")

	s.True(s.reg.Forget("aa:bb:cc:dd:ee:02"))
	s.False(s.reg.Forget("aa:bb:cc:dd:ee:02"), "forgetting twice MUST report false")

	release, err := s.reg.Claim(entry.Identity)
	s.Require().NoError(err)
	defer release()

	removed := s.reg.Expire(time.Now().Add(2 * registry.DefaultTTL))
	s.Equal(1, removed, "MUST expire stale unclaimed entries only")
	_, ok = s.reg.Lookup("aa:bb:cc:dd:ee:01")
	s.True(ok, "claimed entries MUST survive expiry")
}

func (s *RegistryTestSuite) TestDiscoveryStopsWithContext() {
	ctx, cancel := context.WithCancel(context.Background())
	d, err := s.reg.Discover(ctx, registry.Filter{})
	s.Require().NoError(err)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(testutils.WaitTimeout):
		s.FailNow("discovery MUST end with its context")
	}
	s.False(errors.Is(d.Err(), device.ErrDiscoveryUnavailable), "cancellation MUST NOT look like radio loss")
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
