package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/windlass/relay/internal/events"
	"github.com/windlass/relay/internal/metrics"
	"github.com/windlass/relay/internal/state"
)

// Scan cycle defaults.
const (
	DefaultScanWindow = 10 * time.Second
	DefaultRestWindow = 5 * time.Second
)

// StateSink is the slice of the state manager the scanner feeds.
type StateSink interface {
	UpdateBluetoothDevice(dev state.BluetoothDevice, kind string)
	UpdateBluetoothDeviceSensorData(id string, data map[string]interface{}) error
	UpdateBluetoothStatus(status string) error
	UpdateBluetoothScanningStatus(scanning bool) error
	SelectedDeviceIDs() []string
	DeviceEncryptionKey(id string) string
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Radio      Radio
	Registry   *Registry
	State      StateSink
	Bus        *events.Bus
	Logger     *zap.Logger
	ScanWindow time.Duration
	RestWindow time.Duration
}

// cycleEntry accumulates one device's advertisements within a scan window.
type cycleEntry struct {
	device state.BluetoothDevice
	sensor map[string]interface{}
}

// Scanner cycles scan/rest windows, coalescing advertisements into one
// batch per window that it pushes to the state core.
type Scanner struct {
	radio      Radio
	registry   *Registry
	state      StateSink
	bus        *events.Bus
	logger     *zap.Logger
	scanWindow time.Duration
	restWindow time.Duration

	mu       sync.Mutex
	cycle    map[string]*cycleEntry
	selected map[string]bool
	known    map[string]bool
}

// NewScanner creates a scan loop.
func NewScanner(opts ScannerOptions) (*Scanner, error) {
	if opts.Radio == nil {
		return nil, fmt.Errorf("ble: radio required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("ble: state sink required")
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scanWindow := opts.ScanWindow
	if scanWindow <= 0 {
		scanWindow = DefaultScanWindow
	}
	restWindow := opts.RestWindow
	if restWindow <= 0 {
		restWindow = DefaultRestWindow
	}
	return &Scanner{
		radio:      opts.Radio,
		registry:   registry,
		state:      opts.State,
		bus:        opts.Bus,
		logger:     logger,
		scanWindow: scanWindow,
		restWindow: restWindow,
		cycle:      make(map[string]*cycleEntry),
		selected:   make(map[string]bool),
		known:      make(map[string]bool),
	}, nil
}

// Run drives the scan/rest loop until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	if err := s.state.UpdateBluetoothStatus("poweredOn"); err != nil {
		s.logger.Warn("bluetooth status update failed", zap.Error(err))
	}
	defer func() {
		_ = s.state.UpdateBluetoothScanningStatus(false)
		_ = s.state.UpdateBluetoothStatus("stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		s.runScanWindow(ctx)
		s.commitCycle()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restWindow):
		}
	}
}

func (s *Scanner) runScanWindow(ctx context.Context) {
	s.refreshSelected()
	if err := s.state.UpdateBluetoothScanningStatus(true); err != nil {
		s.logger.Warn("bluetooth scanning status update failed", zap.Error(err))
	}
	defer func() {
		if err := s.state.UpdateBluetoothScanningStatus(false); err != nil {
			s.logger.Warn("bluetooth scanning status update failed", zap.Error(err))
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, s.scanWindow)
	defer cancel()

	err := s.radio.Scan(scanCtx, s.onAdvertisement)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.logger.Warn("ble scan failed", zap.Error(err))
	}
}

func (s *Scanner) refreshSelected() {
	ids := s.state.SelectedDeviceIDs()
	s.mu.Lock()
	s.selected = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.selected[id] = true
	}
	s.mu.Unlock()
}

// onAdvertisement merges one advertisement into the in-cycle map. Sensor
// payloads are only decoded for selected devices; everything else just
// contributes presence, name and RSSI.
func (s *Scanner) onAdvertisement(adv Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cycle[adv.Addr]
	if !ok {
		entry = &cycleEntry{device: state.BluetoothDevice{ID: adv.Addr}}
		s.cycle[adv.Addr] = entry
	}
	if adv.Name != "" {
		entry.device.Name = adv.Name
	}
	entry.device.RSSI = adv.RSSI
	entry.device.LastSeen = time.Now().UTC().Format(time.RFC3339)

	if len(adv.ManufacturerData) == 0 {
		return
	}
	parser := s.registry.FindParserFor(adv.ManufacturerData)
	if parser == nil {
		metrics.BLEAdvertisements.WithLabelValues("unmatched").Inc()
		return
	}
	entry.device.Manufacturer = parser.Name()

	if !s.selected[adv.Addr] {
		metrics.BLEAdvertisements.WithLabelValues("matched").Inc()
		return
	}

	record, err := parser.Parse(adv.ManufacturerData, ParseOptions{
		EncryptionKey: s.state.DeviceEncryptionKey(adv.Addr),
	})
	if err != nil {
		metrics.BLEAdvertisements.WithLabelValues("decode_error").Inc()
		s.logger.Debug("advertisement decode failed",
			zap.String("device", adv.Addr),
			zap.String("parser", parser.Name()),
			zap.Error(err),
		)
		return
	}
	metrics.BLEAdvertisements.WithLabelValues("decoded").Inc()
	entry.sensor = record
}

// commitCycle pushes the batch accumulated during the last scan window.
func (s *Scanner) commitCycle() {
	s.mu.Lock()
	batch := s.cycle
	s.cycle = make(map[string]*cycleEntry)
	selected := s.selected
	s.mu.Unlock()

	for id, entry := range batch {
		kind := "update"
		if !s.known[id] {
			s.known[id] = true
			kind = "discovery"
		}
		s.state.UpdateBluetoothDevice(entry.device, kind)

		if entry.sensor != nil && selected[id] {
			if err := s.state.UpdateBluetoothDeviceSensorData(id, entry.sensor); err != nil {
				s.logger.Warn("sensor data update failed", zap.String("device", id), zap.Error(err))
			}
		}
	}

	if s.bus != nil && len(batch) > 0 {
		s.bus.Publish(events.Event{
			Type:   events.BluetoothScan,
			Detail: map[string]interface{}{"devices": len(batch)},
		})
	}
}
