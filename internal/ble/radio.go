package ble

import (
	"context"
	"fmt"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// Advertisement is the slice of a BLE advertisement the scanner consumes.
type Advertisement struct {
	Addr             string
	Name             string
	RSSI             int
	ManufacturerData []byte
}

// Radio abstracts the Bluetooth adapter. Scan blocks until ctx is done and
// invokes h for every advertisement received.
type Radio interface {
	Scan(ctx context.Context, h func(Advertisement)) error
}

// HCIRadio drives the host's Bluetooth adapter through the HCI socket.
type HCIRadio struct {
	device goble.Device
}

// NewHCIRadio opens the default adapter.
func NewHCIRadio() (*HCIRadio, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("ble: open adapter: %w", err)
	}
	goble.SetDefaultDevice(dev)
	return &HCIRadio{device: dev}, nil
}

// Scan implements Radio. Duplicate advertisements are allowed so RSSI and
// sensor readings keep refreshing during a scan window.
func (r *HCIRadio) Scan(ctx context.Context, h func(Advertisement)) error {
	return goble.Scan(ctx, true, func(a goble.Advertisement) {
		h(Advertisement{
			Addr:             a.Addr().String(),
			Name:             a.LocalName(),
			RSSI:             a.RSSI(),
			ManufacturerData: a.ManufacturerData(),
		})
	}, nil)
}

// Close shuts the adapter down.
func (r *HCIRadio) Close() error {
	if r.device == nil {
		return nil
	}
	return r.device.Stop()
}
