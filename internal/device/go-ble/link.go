package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
)

// Link is a live go-ble connection to one peripheral
type Link struct {
	client     Client
	peripheral device.PeripheralIdentity
	logger     *logrus.Logger

	// ctx ends when the link goes down. Its cause is ErrLinkLost for a
	// remote drop and context.Canceled for a local Disconnect.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	subscribed map[*ble.Characteristic]bool // value: subscribed via indicate
	closed     bool
}

func newLink(client Client, id device.PeripheralIdentity, logger *logrus.Logger) *Link {
	ctx, cancel := context.WithCancelCause(context.Background())
	l := &Link{
		client:     client,
		peripheral: id,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[*ble.Characteristic]bool),
	}

	if lost := client.Disconnected(); lost != nil {
		groutine.Go(ctx, "ble-link-monitor", func(monitorCtx context.Context) {
			select {
			case <-lost:
				l.logger.WithField("address", id.ID()).Warn("BLE stack reported disconnection")
				l.cancel(device.ErrLinkLost)
			case <-monitorCtx.Done():
			}
		})
	} else {
		l.logger.Debug("Client does not expose a Disconnected channel")
	}

	return l
}

// Peripheral returns the identity this link is connected to
func (l *Link) Peripheral() device.PeripheralIdentity {
	return l.peripheral
}

// Disconnected is closed once the link is down
func (l *Link) Disconnected() <-chan struct{} {
	return l.ctx.Done()
}

// Err returns why the link went down, or nil while it is up
func (l *Link) Err() error {
	return context.Cause(l.ctx)
}

func (l *Link) alive() error {
	if l.ctx.Err() != nil {
		return device.NewError(device.LinkLost, "link to "+l.peripheral.ID()+" is down", nil)
	}
	return nil
}

// DiscoverServices resolves the services matching uuids (all services when empty)
func (l *Link) DiscoverServices(ctx context.Context, uuids []string) ([]device.ServiceHandle, error) {
	if err := l.alive(); err != nil {
		return nil, err
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}

	svcs, err := await(ctx, l.ctx, func() ([]*ble.Service, error) {
		return l.client.DiscoverServices(filter)
	})
	if err != nil {
		return nil, NormalizeError(err)
	}

	result := make([]device.ServiceHandle, 0, len(svcs))
	for _, svc := range svcs {
		l.logger.WithField("service_uuid", svc.UUID.String()).Debug("Found service UUID")
		result = append(result, newService(svc))
	}
	return result, nil
}

// DiscoverCharacteristics resolves characteristics of svc matching uuids.
// Client configuration descriptors are discovered for notifying characteristics
// so they can be subscribed.
func (l *Link) DiscoverCharacteristics(ctx context.Context, svcHandle device.ServiceHandle, uuids []string) ([]device.CharacteristicHandle, error) {
	if err := l.alive(); err != nil {
		return nil, err
	}
	svc, err := asService(svcHandle)
	if err != nil {
		return nil, err
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return nil, err
	}

	chars, err := await(ctx, l.ctx, func() ([]*ble.Characteristic, error) {
		return l.client.DiscoverCharacteristics(filter, svc.svc)
	})
	if err != nil {
		return nil, NormalizeError(err)
	}

	result := make([]device.CharacteristicHandle, 0, len(chars))
	for _, c := range chars {
		handle := newCharacteristic(c, svc.uuid)
		l.logger.WithFields(logrus.Fields{
			"service_uuid": svc.uuid,
			"char_uuid":    handle.uuid,
			"properties":   handle.props.String(),
		}).Debug("Found characteristic UUID")

		if handle.props.CanNotify() && c.CCCD == nil {
			_, derr := await(ctx, l.ctx, func() ([]*ble.Descriptor, error) {
				return l.client.DiscoverDescriptors(nil, c)
			})
			if derr != nil {
				l.logger.WithFields(logrus.Fields{
					"char_uuid": handle.uuid,
					"error":     derr,
				}).Debug("Descriptor discovery failed")
			}
		}
		result = append(result, handle)
	}
	return result, nil
}

// Subscribe enables notifications on ch, falling back to indications when
// the characteristic only indicates
func (l *Link) Subscribe(h device.CharacteristicHandle, handler func([]byte)) error {
	if err := l.alive(); err != nil {
		return err
	}
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}
	if !c.props.CanNotify() {
		return fmt.Errorf("characteristic %s supports neither notify nor indicate", c.uuid)
	}
	ind := !c.props.Has(device.PropNotify)

	err = NormalizeError(l.client.Subscribe(c.char, ind, func(data []byte) {
		defer func() {
			if r := recover(); r != nil {
				l.logger.WithFields(logrus.Fields{
					"char_uuid": c.uuid,
					"panic":     r,
				}).Error("Notification handler panicked")
			}
		}()
		handler(append([]byte(nil), data...))
	}))
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"service_uuid": c.service,
			"char_uuid":    c.uuid,
			"error":        err,
		}).Error("Failed to subscribe to characteristic notifications")
		return err
	}

	l.mu.Lock()
	l.subscribed[c.char] = ind
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"service_uuid": c.service,
		"char_uuid":    c.uuid,
		"indicate":     ind,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe disables notifications on ch. Unknown characteristics are a no-op.
func (l *Link) Unsubscribe(h device.CharacteristicHandle) error {
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}

	l.mu.Lock()
	ind, ok := l.subscribed[c.char]
	delete(l.subscribed, c.char)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if err := l.alive(); err != nil {
		return err
	}
	return NormalizeError(l.client.Unsubscribe(c.char, ind))
}

// WriteValue writes data to ch. withResponse waits for the peripheral's acknowledgement.
func (l *Link) WriteValue(ctx context.Context, h device.CharacteristicHandle, data []byte, withResponse bool) error {
	if err := l.alive(); err != nil {
		return err
	}
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}

	_, err = await(ctx, l.ctx, func() (struct{}, error) {
		return struct{}{}, l.client.WriteCharacteristic(c.char, data, !withResponse)
	})
	if err != nil {
		return fmt.Errorf("failed to write to characteristic %s in service %s: %w", c.uuid, c.service, NormalizeError(err))
	}
	return nil
}

// Disconnect unsubscribes everything and cancels the connection. Idempotent.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subscribed := l.subscribed
	l.subscribed = make(map[*ble.Characteristic]bool)
	l.mu.Unlock()

	up := l.ctx.Err() == nil
	if up {
		for char, ind := range subscribed {
			if err := l.client.Unsubscribe(char, ind); err != nil {
				l.logger.WithFields(logrus.Fields{
					"char_uuid": char.UUID.String(),
					"error":     err,
				}).Debug("Failed to unsubscribe during disconnect")
			}
		}
	}

	l.cancel(nil)

	err := l.client.CancelConnection()
	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	l.logger.WithField("address", l.peripheral.ID()).Info("BLE device disconnected")
	return nil
}

// await runs a blocking go-ble call and gives up when ctx ends or the link
// goes down. The call itself keeps running in the background.
func await[T any](ctx context.Context, link context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-link.Done():
		return zero, device.NewError(device.LinkLost, "link went down during operation", context.Cause(link))
	}
}
