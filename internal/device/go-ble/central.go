package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Central is the part of ble.Device the stack adapter uses
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, addr ble.Addr) (Client, error)
}

// Client is the part of ble.Client a link uses. Any ble.Client satisfies it.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// deviceCentral adapts a ble.Device to Central
type deviceCentral struct {
	dev ble.Device
}

func (d *deviceCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.dev.Scan(ctx, allowDup, h)
}

func (d *deviceCentral) Dial(ctx context.Context, addr ble.Addr) (Client, error) {
	return d.dev.Dial(ctx, addr)
}

// DeviceCentral wraps a platform ble.Device
func DeviceCentral(dev ble.Device) Central {
	return &deviceCentral{dev: dev}
}
