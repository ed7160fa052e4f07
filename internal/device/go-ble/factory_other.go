//go:build !darwin && !linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, errors.New("no BLE device support on this platform")
}
