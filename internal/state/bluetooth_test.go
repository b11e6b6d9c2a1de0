package state

import (
	"testing"
	"time"

	"github.com/windlass/relay/internal/events"
)

func waitForPath(t *testing.T, m *Manager, pointer string, timeout time.Duration) interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v, ok := m.ValueAt(pointer); ok {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("path %s never appeared", pointer)
	return nil
}

func TestBluetoothBatchCommit(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb", Name: "Ruuvi", RSSI: -60}, "update")
	m.UpdateBluetoothDevice(BluetoothDevice{ID: "cc:dd", Name: "SmartShunt", RSSI: -70}, "update")

	// Nothing lands before the debounce window closes.
	if _, ok := m.ValueAt("/bluetooth/devices/aa:bb"); ok {
		t.Fatal("commit must be debounced")
	}

	waitForPath(t, m, "/bluetooth/devices/aa:bb", time.Second)
	waitForPath(t, m, "/bluetooth/devices/cc:dd", time.Second)

	var env PatchEnvelope
	for _, evt := range drain(ch) {
		if evt.Type == events.StatePatch {
			env = evt.Detail.(PatchEnvelope)
		}
	}
	if env.UpdateType != "update" {
		t.Fatalf("expected update type, got %q", env.UpdateType)
	}
	if _, ok := m.ValueAt("/bluetooth/lastUpdated"); !ok {
		t.Fatal("lastUpdated must be touched by the batch")
	}
}

func TestBluetoothDiscoveryKindDominatesBatch(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb"}, "discovery")
	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb", RSSI: -55}, "update")

	waitForPath(t, m, "/bluetooth/devices/aa:bb", 2*time.Second)

	var env PatchEnvelope
	for _, evt := range drain(ch) {
		if evt.Type == events.StatePatch {
			env = evt.Detail.(PatchEnvelope)
		}
	}
	if env.UpdateType != "discovery" {
		t.Fatalf("expected discovery type for a batch containing a discovery, got %q", env.UpdateType)
	}
}

func TestDiscoveryPreservesUserMetadata(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb", Name: "SmartShunt"}, "discovery")
	waitForPath(t, m, "/bluetooth/devices/aa:bb", 2*time.Second)

	if err := m.UpdateBluetoothDeviceMetadata("aa:bb", map[string]interface{}{"userLabel": "House Bank"}); err != nil {
		t.Fatalf("UpdateBluetoothDeviceMetadata error: %v", err)
	}

	// A later discovery for the same device must not clobber the label.
	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb", Name: "SmartShunt", RSSI: -48}, "discovery")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := m.ValueAt("/bluetooth/devices/aa:bb/rssi"); ok {
			if n, _ := v.(float64); n == -48 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("second discovery never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	v, ok := m.ValueAt("/bluetooth/devices/aa:bb/metadata/userLabel")
	if !ok || v != "House Bank" {
		t.Fatalf("user label lost on discovery update, got %v", v)
	}
}

func TestSelectedDeviceMirror(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb", Name: "Ruuvi"}, "discovery")
	waitForPath(t, m, "/bluetooth/devices/aa:bb", 2*time.Second)

	if err := m.SetBluetoothDeviceSelected("aa:bb", true); err != nil {
		t.Fatalf("SetBluetoothDeviceSelected error: %v", err)
	}
	if _, ok := m.ValueAt("/bluetooth/selectedDevices/aa:bb"); !ok {
		t.Fatal("expected selectedDevices mirror entry")
	}
	if ids := m.SelectedDeviceIDs(); len(ids) != 1 || ids[0] != "aa:bb" {
		t.Fatalf("unexpected selected ids: %v", ids)
	}

	if err := m.SetBluetoothDeviceSelected("aa:bb", false); err != nil {
		t.Fatalf("deselect error: %v", err)
	}
	if _, ok := m.ValueAt("/bluetooth/selectedDevices/aa:bb"); ok {
		t.Fatal("mirror entry must be removed on deselect")
	}
}

func TestSensorDataUpdate(t *testing.T) {
	m, ch := newTestManager(t, Options{})

	m.UpdateBluetoothDevice(BluetoothDevice{ID: "aa:bb"}, "discovery")
	waitForPath(t, m, "/bluetooth/devices/aa:bb", 2*time.Second)
	drain(ch)

	if err := m.UpdateBluetoothDeviceSensorData("aa:bb", map[string]interface{}{"voltage": 12.8}); err != nil {
		t.Fatalf("UpdateBluetoothDeviceSensorData error: %v", err)
	}
	v, ok := m.ValueAt("/bluetooth/devices/aa:bb/sensorData/voltage")
	if !ok || v.(float64) != 12.8 {
		t.Fatalf("sensor data not stored: %v", v)
	}

	var env PatchEnvelope
	for _, evt := range drain(ch) {
		if evt.Type == events.StatePatch {
			env = evt.Detail.(PatchEnvelope)
		}
	}
	if env.UpdateType != "sensor" {
		t.Fatalf("expected sensor update type, got %q", env.UpdateType)
	}
}
