package session

import (
	"time"

	"github.com/srg/stepble/internal/device"
)

const (
	DefaultConnectTimeout                 = 10 * time.Second
	DefaultServiceDiscoveryTimeout        = 5 * time.Second
	DefaultCharacteristicDiscoveryTimeout = 5 * time.Second
	DefaultEventBuffer                    = 32
	DefaultReconnectAttempts              = 5
	DefaultReconnectInitialBackoff        = time.Second
	DefaultReconnectMaxBackoff            = 30 * time.Second
)

// ReconnectPolicy controls automatic reconnection after a link drop in Ready.
// An explicit Disconnect never reconnects.
type ReconnectPolicy struct {
	Enabled bool

	// MaxAttempts bounds consecutive reconnects without reaching Ready; 0 means unbounded
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Options configures a Session
type Options struct {
	// Profile is the service and characteristics that must resolve before Ready
	Profile device.Profile

	ConnectTimeout                 time.Duration
	ServiceDiscoveryTimeout        time.Duration
	CharacteristicDiscoveryTimeout time.Duration

	// ScanTimeout bounds Scanning; 0 scans until a peripheral is found
	ScanTimeout time.Duration

	Reconnect ReconnectPolicy

	// EventBuffer is the capacity of the Events channel; the oldest events are dropped when full
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ServiceDiscoveryTimeout <= 0 {
		o.ServiceDiscoveryTimeout = DefaultServiceDiscoveryTimeout
	}
	if o.CharacteristicDiscoveryTimeout <= 0 {
		o.CharacteristicDiscoveryTimeout = DefaultCharacteristicDiscoveryTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Reconnect.InitialBackoff <= 0 {
		o.Reconnect.InitialBackoff = DefaultReconnectInitialBackoff
	}
	if o.Reconnect.MaxBackoff <= 0 {
		o.Reconnect.MaxBackoff = DefaultReconnectMaxBackoff
	}
	o.Profile = o.Profile.Normalized()
	return o
}

// backoffDelay returns the wait before reconnect attempt n (1-based):
// initial, 2*initial, 4*initial... capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
