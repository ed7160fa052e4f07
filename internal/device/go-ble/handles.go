package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/stepble/internal/device"
)

// Service references a go-ble service discovered on one link
type Service struct {
	svc  *ble.Service
	uuid string
}

func newService(svc *ble.Service) *Service {
	return &Service{svc: svc, uuid: device.NormalizeUUID(svc.UUID.String())}
}

func (s *Service) UUID() string { return s.uuid }

// Characteristic references a go-ble characteristic discovered on one link.
// It is never reused across links.
type Characteristic struct {
	char    *ble.Characteristic
	uuid    string
	service string
	props   device.Property
}

func newCharacteristic(char *ble.Characteristic, service string) *Characteristic {
	return &Characteristic{
		char:    char,
		uuid:    device.NormalizeUUID(char.UUID.String()),
		service: service,
		props:   ConvertProperties(char.Property),
	}
}

func (c *Characteristic) UUID() string                { return c.uuid }
func (c *Characteristic) ServiceUUID() string         { return c.service }
func (c *Characteristic) Properties() device.Property { return c.props }

// Unwrap returns the underlying ble.Characteristic
func (c *Characteristic) Unwrap() *ble.Characteristic {
	return c.char
}

// parseUUIDs converts normalized UUID strings into go-ble filters
func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func asService(h device.ServiceHandle) (*Service, error) {
	svc, ok := h.(*Service)
	if !ok || svc == nil {
		return nil, fmt.Errorf("service handle %T was not produced by the go-ble stack", h)
	}
	return svc, nil
}

func asCharacteristic(h device.CharacteristicHandle) (*Characteristic, error) {
	c, ok := h.(*Characteristic)
	if !ok || c == nil {
		return nil, fmt.Errorf("characteristic handle %T was not produced by the go-ble stack", h)
	}
	return c, nil
}
