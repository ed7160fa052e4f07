//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	goble "github.com/srg/stepble/internal/device/go-ble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a mocked go-ble
// central installed behind goble.CentralFactory.
//
// Basic usage (default step counter peripheral):
//
//	type StackSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestStackSuite(t *testing.T) {
//	    suite.Run(t, new(StackSuite))
//	}
//
// Custom device profile usage:
//
//	func (s *StackSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("fff0").
//	        WithCharacteristic("fff1", "notify").
//	        WithScanAdvertisements(testutils.NewAdvertisementBuilder().
//	            WithAddress("AA:BB:CC:DD:EE:FF").WithName("Pedometer").BuildComplete())
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalCentralFactory func() (goble.Central, error)
	TestTimeout            time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder

	// Peripheral is the mock built for the current test
	Peripheral *MockPeripheral
}

// SetupSuite runs once before all tests in the suite
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.OriginalCentralFactory = goble.CentralFactory
	s.T().Cleanup(func() {
		if s.OriginalCentralFactory != nil {
			goble.CentralFactory = s.OriginalCentralFactory
		}
	})
}

// SetupTest builds the configured peripheral and installs its central
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	central := s.Peripheral.Central
	goble.CentralFactory = func() (goble.Central, error) {
		return central, nil
	}
}

// TearDownTest restores the factory and resets the builder
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalCentralFactory != nil {
		goble.CentralFactory = s.OriginalCentralFactory
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// createDefaultPeripheralBuilder describes a step counter: service fff0 with
// a notifying step count characteristic and a writable control point
func createDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		FromJSON(`
		{
			"services": [
				{
					"uuid": "fff0",
					"characteristics": [
						{ "uuid": "fff1", "properties": "read,notify" },
						{ "uuid": "fff2", "properties": "write" }
					]
				}
			]
		}`).
		WithScanAdvertisements(NewAdvertisementBuilder().
			WithAddress("aa:bb:cc:dd:ee:ff").
			WithName("Pedometer").
			WithServices("fff0").
			BuildComplete())
}
