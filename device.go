package provisioner

import (
	"strings"

	"github.com/pkg/errors"
)

// Device names a provisionable unit.
type Device string

const (
	DeviceRouter Device = "router"
	DeviceCPE    Device = "cpe"
	// DeviceEverything selects both devices. It never has a status of its own.
	DeviceEverything Device = "everything"
)

// Devices lists the concrete devices in a stable order.
var Devices = []Device{DeviceRouter, DeviceCPE}

// ParseDevice validates a device name from the control surface.
func ParseDevice(name string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(name))); d {
	case DeviceRouter, DeviceCPE, DeviceEverything:
		return d, nil
	default:
		return "", errors.Wrapf(ErrInvalidDevice, "%q", name)
	}
}

// Expand resolves the pseudo device into the concrete set it stands for.
func (d Device) Expand() []Device {
	if d == DeviceEverything {
		return append([]Device(nil), Devices...)
	}
	return []Device{d}
}

func (d Device) concrete() bool {
	return d == DeviceRouter || d == DeviceCPE
}
