//go:build test

package main

import (
	"bytes"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/stepble/internal/testutils"
	"github.com/srg/stepble/pkg/stepsession"
)

// CommandTestSuite extends MockBLEPeripheralSuite with command testing utilities.
// All cmd/stepble test suites should embed this instead of MockBLEPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *CommandTestSuite) SetupTest() {
	s.MockBLEPeripheralSuite.SetupTest()
	resetCommandFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	stepsession.Teardown()
	_ = stepsession.Configure(nil)
	resetCommandFlags(rootCmd)
	s.MockBLEPeripheralSuite.TearDownTest()
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetCommandFlags restores every flag to its default so commands can run
// more than once in a process
func resetCommandFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetCommandFlags(c)
	}
}
