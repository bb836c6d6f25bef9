//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates ble.Device instances (a variable so tests can
// substitute a mock).
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
