//go:build test

package main

import (
	"testing"

	"github.com/fatih/color"
	"github.com/srg/stepble/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) TestScanJSON() {
	// GOAL: Verify scan lists peripherals advertising the step service as JSON
	//
	// TEST SCENARIO: Mock central advertises the default step counter → scan --format json → one entry with its identity

	out, err := s.ExecuteCommand("scan", "--duration", "300ms", "--format", "json")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{
			"name": "Pedometer",
			"address": "aa:bb:cc:dd:ee:ff",
			"rssi": -50,
			"services": ["fff0"],
			"connectable": true,
			"last_seen": "<<PRESENCE>>"
		}
	]`)
}

func (s *CommandsTestSuite) TestScanTable() {
	// GOAL: Verify the default table output lists the peripheral with its signal strength and services
	//
	// TEST SCENARIO: scan with colors disabled → aligned table plus a summary line

	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	out, err := s.ExecuteCommand("scan", "--duration", "300ms")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
NAME       ADDRESS            RSSI     SERVICES
Pedometer  aa:bb:cc:dd:ee:ff  -50 dBm  fff0

1 peripheral(s) found`)
}

func (s *CommandsTestSuite) TestScanTableNoMatch() {
	// GOAL: Verify a name filter that matches nothing yields an empty table
	//
	// TEST SCENARIO: scan --name Watch → "No step counters found."

	out, err := s.ExecuteCommand("scan", "--duration", "200ms", "--name", "Watch")
	s.Require().NoError(err)
	s.Contains(out, "No step counters found.")
}

func (s *CommandsTestSuite) TestScanRejectsUnknownFormat() {
	_, err := s.ExecuteCommand("scan", "--format", "xml")
	s.ErrorContains(err, "invalid format 'xml'")
}

func (s *CommandsTestSuite) TestWriteControl() {
	// GOAL: Verify write connects, writes the decoded payload to the control point and reports success
	//
	// TEST SCENARIO: write 0x0102 → WriteCharacteristic called with [1 2] → "Wrote 2 byte(s) to fff2"

	out, err := s.ExecuteCommand("write", "--timeout", "3s", "0x0102")
	s.Require().NoError(err, "write MUST succeed")
	s.Contains(out, "2 byte(s) to fff2")

	s.Peripheral.Client.AssertCalled(s.T(), "WriteCharacteristic", mock.Anything, []byte{0x01, 0x02}, mock.Anything)
}

func (s *CommandsTestSuite) TestWriteUnknownCharacteristic() {
	_, err := s.ExecuteCommand("write", "--timeout", "3s", "--char", "abcd", "hello")
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "a required characteristic is missing")
}

func (s *CommandsTestSuite) TestWriteWithoutMatchingPeripheral() {
	// GOAL: Verify write reports a missing peripheral instead of a bare timeout
	//
	// TEST SCENARIO: --name matches nothing → deadline passes while scanning → ErrNoPeripheral

	_, err := s.ExecuteCommand("write", "--timeout", "300ms", "--name", "Watch", "0x01")
	s.ErrorIs(err, ErrNoPeripheral)
}

func (s *CommandsTestSuite) TestWriteInvalidPayload() {
	_, err := s.ExecuteCommand("write", "--hex", "zz")
	s.ErrorContains(err, "invalid hex payload")
}

func (s *CommandsTestSuite) TestMonitorConnectsUntilDurationElapses() {
	// GOAL: Verify monitor connects to the configured peripheral and exits cleanly when --duration elapses
	//
	// TEST SCENARIO: monitor --name Pedometer --duration 1s → "Connected to Pedometer" printed → nil error

	out, err := s.ExecuteCommand("monitor", "--name", testutils.PeripheralName, "--duration", "1s")
	s.Require().NoError(err, "monitor MUST exit cleanly once the duration elapses")
	s.Contains(out, "Connected to")
	s.Contains(out, testutils.PeripheralName)
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}
