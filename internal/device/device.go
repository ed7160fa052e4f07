package device

import (
	"context"
	"strings"
)

// PeripheralIdentity identifies a discovered peripheral. It is a value type and
// never changes once discovered.
type PeripheralIdentity struct {
	Address string
	Name    string
}

// ID returns the normalized address used as the registry key
func (p PeripheralIdentity) ID() string {
	return NormalizeAddress(p.Address)
}

// IsZero reports whether the identity carries no address
func (p PeripheralIdentity) IsZero() bool {
	return strings.TrimSpace(p.Address) == ""
}

func (p PeripheralIdentity) String() string {
	if p.Name == "" {
		return p.ID()
	}
	return p.Name + " (" + p.ID() + ")"
}

// NormalizeAddress lower-cases and trims a platform address
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Advertisement is a single advertising report delivered by the platform stack
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string
	ManufacturerData() []byte
	TxPowerLevel() int
	Connectable() bool
}

// Property is the characteristic property bit set
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether all bits of q are set
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanNotify reports notify or indicate support
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

func (p Property) String() string {
	names := []struct {
		bit  Property
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ServiceHandle references a platform service object
type ServiceHandle interface {
	UUID() string
}

// CharacteristicHandle references, without owning, a platform characteristic
// object. It stays valid only while the link that resolved it is up.
type CharacteristicHandle interface {
	UUID() string
	ServiceUUID() string
	Properties() Property
}

// HandleKey returns the normalized "service/characteristic" key of a handle
func HandleKey(h CharacteristicHandle) string {
	return NormalizeUUID(h.ServiceUUID()) + "/" + NormalizeUUID(h.UUID())
}

// Scanner represents a radio capable of reporting advertisements
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Stack is the platform BLE stack as seen by the session layer
type Stack interface {
	Scanner
	Connect(ctx context.Context, id PeripheralIdentity) (Link, error)
}

// Link is an established connection to one peripheral.
//
// Blocking calls honour ctx. Notification handlers and the Disconnected
// channel fire on stack-owned goroutines.
type Link interface {
	Peripheral() PeripheralIdentity
	DiscoverServices(ctx context.Context, uuids []string) ([]ServiceHandle, error)
	DiscoverCharacteristics(ctx context.Context, svc ServiceHandle, uuids []string) ([]CharacteristicHandle, error)
	Subscribe(ch CharacteristicHandle, handler func([]byte)) error
	Unsubscribe(ch CharacteristicHandle) error
	WriteValue(ctx context.Context, ch CharacteristicHandle, data []byte, withResponse bool) error
	Disconnected() <-chan struct{}
	Disconnect() error
}

// Profile names the GATT attributes a session resolves before it is Ready
type Profile struct {
	Service         string
	Characteristics []string
}

// Normalized returns a copy with every UUID normalized
func (p Profile) Normalized() Profile {
	return Profile{
		Service:         NormalizeUUID(p.Service),
		Characteristics: NormalizeUUIDs(p.Characteristics),
	}
}

// LinkResolver validates a characteristic handle against the current session.
// Resolve returns the live link and the Ready generation that owns the handle,
// or ErrNotReady when the session is not Ready or the handle is stale.
type LinkResolver interface {
	Resolve(h CharacteristicHandle) (Link, uint64, error)
}
