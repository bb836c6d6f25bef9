package main

import (
	"errors"

	"github.com/srg/smartbike/internal/transport"
)

// FormatUserError rewrites low-level transport errors into something a
// person at the terminal can act on.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return "the bike did not respond in time - make sure it is powered on and in range"
	case errors.Is(err, transport.ErrNotConnected):
		return "connection lost - the bike may have powered off"
	case errors.Is(err, transport.ErrCharacteristicMissing):
		return "connected, but this device does not speak the SmartBike protocol"
	default:
		return err.Error()
	}
}
