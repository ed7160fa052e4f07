package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/stepble/internal/device"
)

// ErrNoPeripheral is returned when no peripheral matched before the deadline
var ErrNoPeripheral = errors.New("no matching peripheral found")

// FormatUserError turns taxonomy errors into a one-line hint for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var hint string
	switch device.KindOf(err) {
	case device.DiscoveryUnavailable:
		hint = "Bluetooth is unavailable; check that the adapter is powered on and accessible"
	case device.ConnectTimeout:
		hint = "the peripheral did not respond in time; move closer or raise the timeouts"
	case device.ConnectFailed:
		hint = "could not connect to the peripheral"
	case device.ServiceDiscoveryFailed:
		hint = "the peripheral does not expose the step service; check profile.service"
	case device.CharacteristicNotFound:
		hint = "a required characteristic is missing; check the profile settings"
	case device.NotReady:
		hint = "not connected"
	case device.WriteBusy:
		hint = "another write to this characteristic is still in flight"
	case device.WriteFailed:
		hint = "the peripheral rejected the write"
	case device.LinkLost:
		hint = "the connection was lost"
	case device.AlreadyConnecting:
		hint = "a connection attempt is already in progress"
	case device.DecodeError:
		hint = "the peripheral sent a step payload of unexpected size; check codec.width"
	}

	switch {
	case hint != "":
		return fmt.Sprintf("%s (%v)", hint, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("operation timed out (%v)", err)
	default:
		return err.Error()
	}
}
