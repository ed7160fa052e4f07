// Package device defines the contract between the session layer and the
// platform Bluetooth Low Energy stack.
//
// It contains:
//   - the Stack and Link interfaces the session drives (scan, connect, GATT
//     discovery, notifications, writes, link-drop signalling)
//   - peripheral identities, characteristic handles and properties
//   - the session error taxonomy (SessionError and its sentinel values)
//   - UUID normalization helpers
//
// Concrete stacks live in subpackages (see go-ble).
package device
