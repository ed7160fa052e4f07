package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/stepble/internal/device"
)

var propertyBits = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
}

// ConvertProperties maps go-ble characteristic property flags onto device.Property.
// Signed-write and extended-properties bits have no session meaning and are dropped.
func ConvertProperties(p ble.Property) device.Property {
	var out device.Property
	for _, b := range propertyBits {
		if p&b.ble != 0 {
			out |= b.dev
		}
	}
	return out
}
