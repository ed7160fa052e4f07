package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/srg/stepble/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "write,notify"
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// MockPeripheral is the output of PeripheralDeviceBuilder: a mocked central
// that scans the configured advertisements and dials a mocked client serving
// the configured profile.
type MockPeripheral struct {
	Central  *mocks.MockCentral
	Client   *mocks.MockClient
	Services []*blelib.Service

	// Lost is returned from Client.Disconnected; close it to simulate a link drop
	Lost chan struct{}
}

// Characteristic returns the configured go-ble characteristic with the given UUID
func (p *MockPeripheral) Characteristic(uuid string) *blelib.Characteristic {
	want := blelib.MustParse(uuid)
	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(want) {
				return c
			}
		}
	}
	return nil
}

// PeripheralDeviceBuilder builds a mocked go-ble peripheral with services,
// characteristics and scan advertisements
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []blelib.Advertisement
}

// NewPeripheralDeviceBuilder creates an empty peripheral builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// WithScanAdvertisements adds advertisements reported by Scan
func (b *PeripheralDeviceBuilder) WithScanAdvertisements(ads ...blelib.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// parseCharacteristicProperties converts "read,write,notify" style strings to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "broadcast":
			property |= blelib.CharBroadcast
		case "read":
			property |= blelib.CharRead
		case "write-without-response", "writenr":
			property |= blelib.CharWriteNR
		case "write":
			property |= blelib.CharWrite
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// Build creates the mocked central and client. Scan reports the configured
// advertisements and then blocks until its context ends.
func (b *PeripheralDeviceBuilder) Build() *MockPeripheral {
	central := &mocks.MockCentral{}
	client := &mocks.MockClient{}
	lost := make(chan struct{})

	var services []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			c := &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
			}
			if c.Property&(blelib.CharNotify|blelib.CharIndicate) != 0 {
				c.CCCD = &blelib.Descriptor{UUID: blelib.ClientCharacteristicConfigUUID}
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		services = append(services, svc)
	}

	central.On("Dial", mock.Anything, mock.Anything).Return(client, nil)
	central.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(interface{ Done() <-chan struct{} })
			handler := args.Get(2).(blelib.AdvHandler)
			for _, adv := range b.scanAdvertisements {
				handler(adv)
			}
			<-ctx.Done()
		}).
		Return(nil)

	client.On("Disconnected").Return(lost)
	client.On("CancelConnection").Return(nil)
	client.On("DiscoverServices", mock.Anything).Return(services, nil)
	for _, svc := range services {
		client.On("DiscoverCharacteristics", mock.Anything, svc).Return(svc.Characteristics, nil)
		for _, c := range svc.Characteristics {
			client.On("Subscribe", c, mock.Anything, mock.Anything).Return(nil)
			client.On("Unsubscribe", c, mock.Anything).Return(nil)
			client.On("WriteCharacteristic", c, mock.Anything, mock.Anything).Return(nil)
		}
	}

	return &MockPeripheral{
		Central:  central,
		Client:   client,
		Services: services,
		Lost:     lost,
	}
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
