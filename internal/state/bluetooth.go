package state

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Debounce windows for the per-kind bluetooth batch queue.
const (
	discoveryDebounce = 1000 * time.Millisecond
	updateDebounce    = 250 * time.Millisecond
)

// BluetoothDevice is the document projection of one BLE device.
type BluetoothDevice struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	Manufacturer string                 `json:"manufacturer,omitempty"`
	RSSI         int                    `json:"rssi,omitempty"`
	LastSeen     string                 `json:"lastSeen,omitempty"`
	Selected     bool                   `json:"selected,omitempty"`
	SensorData   map[string]interface{} `json:"sensorData,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type queuedDevice struct {
	dev  BluetoothDevice
	kind string
}

// escapeToken applies RFC 6901 escaping to a single pointer token.
func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}

func devicePath(id string) string {
	return "/bluetooth/devices/" + escapeToken(id)
}

func selectedPath(id string) string {
	return "/bluetooth/selectedDevices/" + escapeToken(id)
}

func deviceToMap(dev BluetoothDevice) map[string]interface{} {
	data, err := json.Marshal(dev)
	if err != nil {
		return map[string]interface{}{"id": dev.ID}
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"id": dev.ID}
	}
	return out
}

// UpdateBluetoothDevice enqueues a device update for batched commit.
// Discovery updates coalesce over a 1 s window, sensor-driven updates over
// 250 ms; an earlier deadline shortens a pending later one.
func (m *Manager) UpdateBluetoothDevice(dev BluetoothDevice, kind string) {
	if dev.ID == "" {
		return
	}
	delay := updateDebounce
	if kind == "discovery" {
		delay = discoveryDebounce
	}

	m.btMu.Lock()
	defer m.btMu.Unlock()

	if existing, ok := m.btQueue[dev.ID]; ok && existing.kind == "discovery" && kind != "discovery" {
		// A queued discovery keeps its kind so the commit is tagged correctly.
		kind = "discovery"
	}
	m.btQueue[dev.ID] = queuedDevice{dev: dev, kind: kind}

	due := time.Now().Add(delay)
	if m.btTimer == nil {
		m.btTimer = time.AfterFunc(delay, m.commitBluetoothQueue)
		m.btDue = due
	} else if due.Before(m.btDue) {
		m.btTimer.Reset(delay)
		m.btDue = due
	}
}

// commitBluetoothQueue drains the queue into one batched patch.
func (m *Manager) commitBluetoothQueue() {
	m.btMu.Lock()
	queue := m.btQueue
	m.btQueue = make(map[string]queuedDevice)
	if m.btTimer != nil {
		m.btTimer.Stop()
		m.btTimer = nil
	}
	m.btMu.Unlock()

	if len(queue) == 0 {
		return
	}

	snap := m.Snapshot()
	ids := make([]string, 0, len(queue))
	for id := range queue {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	updateType := "update"
	ops := make([]PatchOp, 0, len(queue)*2+1)
	for _, id := range ids {
		q := queue[id]
		if q.kind == "discovery" {
			updateType = "discovery"
		}

		existing, _ := valueAt(snap, devicePath(id))
		merged := reconcileDevice(existing, q.dev)

		op := "add"
		if existing != nil {
			op = "replace"
		}
		ops = append(ops, PatchOp{Op: op, Path: devicePath(id), Value: merged})

		if sel, _ := merged["selected"].(bool); sel {
			mirrorOp := "add"
			if pathExists(snap, selectedPath(id)) {
				mirrorOp = "replace"
			}
			ops = append(ops, PatchOp{Op: mirrorOp, Path: selectedPath(id), Value: merged})
		}
	}
	ops = append(ops, PatchOp{Op: "replace", Path: "/bluetooth/lastUpdated", Value: time.Now().UTC().Format(time.RFC3339)})

	if err := m.ApplyPatchWithType(ops, updateType); err != nil {
		m.logger.Warn("bluetooth batch commit failed", zap.Int("devices", len(queue)), zap.Error(err))
	}
}

// reconcileDevice merges an incoming device record over the stored one.
// User-owned fields (metadata, selection) survive discovery updates; sensor
// data survives when the incoming record carries none.
func reconcileDevice(existing interface{}, incoming BluetoothDevice) map[string]interface{} {
	merged := deviceToMap(incoming)
	prev, ok := existing.(map[string]interface{})
	if !ok {
		return merged
	}

	if prevMeta, ok := prev["metadata"].(map[string]interface{}); ok {
		meta := make(map[string]interface{}, len(prevMeta))
		for k, v := range prevMeta {
			meta[k] = v
		}
		if inMeta, ok := merged["metadata"].(map[string]interface{}); ok {
			for k, v := range inMeta {
				meta[k] = v
			}
		}
		merged["metadata"] = meta
	}
	if _, ok := merged["selected"]; !ok {
		if sel, ok := prev["selected"]; ok {
			merged["selected"] = sel
		}
	}
	if _, ok := merged["sensorData"]; !ok {
		if sd, ok := prev["sensorData"]; ok {
			merged["sensorData"] = sd
		}
	}
	if _, ok := merged["name"]; !ok {
		if name, ok := prev["name"]; ok {
			merged["name"] = name
		}
	}
	return merged
}

// UpdateBluetoothDeviceSensorData stores a decoded sensor record for a device.
func (m *Manager) UpdateBluetoothDeviceSensorData(id string, data map[string]interface{}) error {
	if id == "" {
		return nil
	}
	snap := m.Snapshot()
	ops := make([]PatchOp, 0, 3)

	if pathExists(snap, devicePath(id)) {
		op := "add"
		if pathExists(snap, devicePath(id)+"/sensorData") {
			op = "replace"
		}
		ops = append(ops, PatchOp{Op: op, Path: devicePath(id) + "/sensorData", Value: data})
	} else {
		dev := BluetoothDevice{ID: id, SensorData: data, LastSeen: time.Now().UTC().Format(time.RFC3339)}
		ops = append(ops, PatchOp{Op: "add", Path: devicePath(id), Value: deviceToMap(dev)})
	}

	if pathExists(snap, selectedPath(id)) {
		ops = append(ops, PatchOp{Op: "add", Path: selectedPath(id) + "/sensorData", Value: data})
	}
	ops = append(ops, PatchOp{Op: "replace", Path: "/bluetooth/lastUpdated", Value: time.Now().UTC().Format(time.RFC3339)})

	return m.ApplyPatchWithType(ops, "sensor")
}

// SetBluetoothDeviceSelected toggles device selection and keeps the
// selectedDevices mirror in sync.
func (m *Manager) SetBluetoothDeviceSelected(id string, selected bool) error {
	snap := m.Snapshot()
	if !pathExists(snap, devicePath(id)) {
		return nil
	}

	ops := []PatchOp{
		{Op: "add", Path: devicePath(id) + "/selected", Value: selected},
	}
	if selected {
		dev, _ := valueAt(snap, devicePath(id))
		if devMap, ok := dev.(map[string]interface{}); ok {
			devMap["selected"] = true
			mirrorOp := "add"
			if pathExists(snap, selectedPath(id)) {
				mirrorOp = "replace"
			}
			ops = append(ops, PatchOp{Op: mirrorOp, Path: selectedPath(id), Value: devMap})
		}
	} else if pathExists(snap, selectedPath(id)) {
		ops = append(ops, PatchOp{Op: "remove", Path: selectedPath(id)})
	}
	return m.ApplyPatchWithType(ops, "update")
}

// UpdateBluetoothStatus sets the subsystem status string.
func (m *Manager) UpdateBluetoothStatus(status string) error {
	return m.ApplyPatchWithType([]PatchOp{
		{Op: "replace", Path: "/bluetooth/status", Value: status},
	}, "update")
}

// UpdateBluetoothScanningStatus flags whether a scan cycle is in progress.
func (m *Manager) UpdateBluetoothScanningStatus(scanning bool) error {
	return m.ApplyPatchWithType([]PatchOp{
		{Op: "replace", Path: "/bluetooth/scanning", Value: scanning},
	}, "update")
}

// UpdateBluetoothDeviceMetadata merges client-supplied metadata
// (userLabel, notes, encryptionKey) under the device's metadata object.
func (m *Manager) UpdateBluetoothDeviceMetadata(id string, metadata map[string]interface{}) error {
	snap := m.Snapshot()
	if !pathExists(snap, devicePath(id)) {
		dev := BluetoothDevice{ID: id, Metadata: metadata}
		return m.ApplyPatchWithType([]PatchOp{
			{Op: "add", Path: devicePath(id), Value: deviceToMap(dev)},
		}, "metadata")
	}

	ops := make([]PatchOp, 0, len(metadata))
	if !pathExists(snap, devicePath(id)+"/metadata") {
		ops = append(ops, PatchOp{Op: "add", Path: devicePath(id) + "/metadata", Value: metadata})
	} else {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ops = append(ops, PatchOp{Op: "add", Path: devicePath(id) + "/metadata/" + escapeToken(k), Value: metadata[k]})
		}
	}
	return m.ApplyPatchWithType(ops, "metadata")
}

// SelectedDeviceIDs lists device ids currently mirrored as selected.
func (m *Manager) SelectedDeviceIDs() []string {
	snap := m.Snapshot()
	sel, _ := valueAt(snap, "/bluetooth/selectedDevices")
	selMap, ok := sel.(map[string]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(selMap))
	for id := range selMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeviceEncryptionKey returns the hex-encoded per-device key, if set.
func (m *Manager) DeviceEncryptionKey(id string) string {
	v, ok := m.ValueAt(devicePath(id) + "/metadata/encryptionKey")
	if !ok {
		return ""
	}
	key, _ := v.(string)
	return key
}
