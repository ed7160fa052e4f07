// Package goble implements the session stack contract over github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
)

// Stack is a device.Stack backed by a go-ble central
type Stack struct {
	central Central
	logger  *logrus.Logger
}

// CentralFactory opens the central NewStack uses (can be overridden in tests)
//
//nolint:revive // CentralFactory name is intentional for test mocking
var CentralFactory = func() (Central, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return DeviceCentral(dev), nil
}

// NewStack opens the platform BLE device through CentralFactory
func NewStack(logger *logrus.Logger) (*Stack, error) {
	central, err := CentralFactory()
	if err != nil {
		err = NormalizeError(err)
		if device.KindOf(err) == "" {
			err = device.NewError(device.DiscoveryUnavailable, "failed to open BLE device", err)
		}
		return nil, err
	}
	return NewStackWithCentral(central, logger), nil
}

// NewStackWithCentral builds a stack over an existing central
func NewStackWithCentral(central Central, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{central: central, logger: logger}
}

// Scan reports advertisements until ctx ends
func (s *Stack) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := s.central.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return NormalizeError(err)
}

// Connect dials the peripheral and returns a live link
func (s *Stack) Connect(ctx context.Context, id device.PeripheralIdentity) (device.Link, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("device address is empty")
	}

	s.logger.WithField("address", id.ID()).Debug("Dialing BLE device...")

	client, err := s.central.Dial(ctx, ble.NewAddr(id.Address))
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": id.ID(),
			"error":   err,
		}).Debug("Failed to dial BLE device")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = NormalizeError(err)
		if device.KindOf(err) == "" {
			err = device.NewError(device.ConnectFailed, fmt.Sprintf("failed to connect to %q", id.ID()), err)
		}
		return nil, err
	}

	return newLink(client, id, s.logger), nil
}
