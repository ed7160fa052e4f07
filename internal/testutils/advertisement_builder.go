package testutils

import (
	"github.com/go-ble/ble"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/testutils/mocks"
)

// Advertisement is a plain device.Advertisement for tests that bypass go-ble
type Advertisement struct {
	Name         string
	Address      string
	Signal       int
	ServiceUUIDs []string
	Manufacturer []byte
	TxPower      int
	Connect      bool
}

func (a *Advertisement) LocalName() string        { return a.Name }
func (a *Advertisement) Addr() string             { return a.Address }
func (a *Advertisement) RSSI() int                { return a.Signal }
func (a *Advertisement) Services() []string       { return a.ServiceUUIDs }
func (a *Advertisement) ManufacturerData() []byte { return a.Manufacturer }
func (a *Advertisement) TxPowerLevel() int        { return a.TxPower }
func (a *Advertisement) Connectable() bool        { return a.Connect }

// AdvertisementBuilder builds advertisements for tests, either as a mocked
// ble.Advertisement (Build) or as a plain device.Advertisement (BuildAdvertisement).
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	txPower     int
	connectable bool

	// Track which fields were explicitly set
	nameSet        bool
	addressSet     bool
	rssiSet        bool
	servicesSet    bool
	manufDataSet   bool
	txPowerSet     bool
	connectableSet bool
}

// NewAdvertisementBuilder creates a connectable advertisement builder
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		rssi:        -50,
		txPower:     127,
		connectable: true,
	}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	b.nameSet = true
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	b.addressSet = true
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	b.rssiSet = true
	return b
}

// WithServices adds service UUIDs, short ("fff0") or full form
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	b.manufDataSet = true
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = power
	b.txPowerSet = true
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	b.connectableSet = true
	return b
}

// BuildAdvertisement returns a plain device.Advertisement
func (b *AdvertisementBuilder) BuildAdvertisement() device.Advertisement {
	return &Advertisement{
		Name:         b.name,
		Address:      b.address,
		Signal:       b.rssi,
		ServiceUUIDs: append([]string(nil), b.services...),
		Manufacturer: b.manufData,
		TxPower:      b.txPower,
		Connect:      b.connectable,
	}
}

// Build returns a mocked ble.Advertisement. Only explicitly set fields get
// expectations, so reading an unset field fails the test.
func (b *AdvertisementBuilder) Build() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}

	if b.addressSet {
		addr := &mocks.MockAddr{}
		addr.On("String").Return(b.address)
		adv.On("Addr").Return(addr)
	}
	if b.nameSet {
		adv.On("LocalName").Return(b.name)
	}
	if b.rssiSet {
		adv.On("RSSI").Return(b.rssi)
	}
	if b.manufDataSet {
		adv.On("ManufacturerData").Return(b.manufData)
	}
	if b.servicesSet {
		var uuids []ble.UUID
		for _, s := range b.services {
			uuids = append(uuids, ble.MustParse(s))
		}
		adv.On("Services").Return(uuids)
	}
	if b.connectableSet {
		adv.On("Connectable").Return(b.connectable)
	}
	if b.txPowerSet {
		adv.On("TxPowerLevel").Return(b.txPower)
	}
	return adv
}

// BuildComplete returns a mocked ble.Advertisement with every field answered
func (b *AdvertisementBuilder) BuildComplete() *mocks.MockAdvertisement {
	b.nameSet, b.addressSet, b.rssiSet = true, true, true
	b.servicesSet, b.manufDataSet, b.txPowerSet, b.connectableSet = true, true, true, true
	return b.Build()
}
