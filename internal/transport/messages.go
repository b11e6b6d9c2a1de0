package transport

import (
	"encoding/json"
	"time"
)

// Client command types accepted over the WebSocket.
const (
	MsgStatePatch        = "state:patch"
	MsgStateUpdate       = "state:update"
	MsgBluetoothMetadata = "bluetooth:update-metadata"
	MsgBluetoothSelect   = "bluetooth:select-device"
	MsgPushRegister      = "push:register"
	MsgPushUnregister    = "push:unregister"
	MsgAlertAcknowledge  = "alert:acknowledge"
	MsgAlertMute         = "alert:mute"
	MsgAlertResolve      = "alert:resolve"
)

// ClientMessage is the envelope clients send.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statePatchPayload struct {
	Ops []patchOpPayload `json:"ops"`
}

type patchOpPayload struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

type bluetoothMetadataPayload struct {
	DeviceID string                 `json:"deviceId"`
	Metadata map[string]interface{} `json:"metadata"`
}

type bluetoothSelectPayload struct {
	DeviceID string `json:"deviceId"`
	Selected bool   `json:"selected"`
}

type pushRegisterPayload struct {
	Platform string `json:"platform"`
	Token    string `json:"token"`
	DeviceID string `json:"deviceId,omitempty"`
}

type alertCommandPayload struct {
	AlertID    string     `json:"alertId"`
	Muted      bool       `json:"muted,omitempty"`
	MutedUntil *time.Time `json:"mutedUntil,omitempty"`
}
