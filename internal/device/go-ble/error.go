package goble

import (
	"github.com/srg/stepble/internal/device"
)

// NormalizeError maps go-ble error strings onto the session error taxonomy.
// Adapter-specific messages are handled here; the rest is shared with
// device.NormalizeError.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if device.KindOf(err) != "" {
		return err
	}
	if containsAny(err.Error(), "connection is not initialized", "not connected") {
		return device.NewError(device.LinkLost, "", err)
	}
	return device.NormalizeError(err)
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if device.ContainsIgnoreCase(msg, n) {
			return true
		}
	}
	return false
}
