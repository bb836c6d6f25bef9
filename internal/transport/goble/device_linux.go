//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates ble.Device instances (a variable so tests can
// substitute a mock).
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
