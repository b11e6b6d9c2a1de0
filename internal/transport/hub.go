// Package transport manages client WebSocket connections: state
// replication fan-out and inbound client commands.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/windlass/relay/internal/events"
	"github.com/windlass/relay/internal/state"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readDeadline = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients connect from phones and browsers on the boat network;
	// authentication is the front-end proxy's job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientConn is one connected client.
type ClientConn struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	mu        sync.Mutex
}

func (c *ClientConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// AlertAPI is the slice of the alert service exposed to clients.
type AlertAPI interface {
	AcknowledgeAlert(id string) error
	MuteAlert(id string, muted bool, until *time.Time) error
	ResolveAlert(id string) error
}

// PushAPI is the slice of the push dispatcher the hub drives.
type PushAPI interface {
	RegisterPushToken(clientID, platform, token, deviceID string) error
	UnregisterPushToken(clientID string)
	SetClientActive(clientID string)
	SetClientInactive(clientID string)
}

// Options configures a Hub.
type Options struct {
	State  *state.Manager
	Bus    *events.Bus
	Logger *zap.Logger
	Alerts AlertAPI
	Push   PushAPI
}

// Hub manages all connected clients.
type Hub struct {
	state  *state.Manager
	bus    *events.Bus
	logger *zap.Logger
	alerts AlertAPI
	push   PushAPI

	mu      sync.RWMutex
	clients map[string]*ClientConn
}

// NewHub creates a client hub.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		state:   opts.State,
		bus:     opts.Bus,
		logger:  logger,
		alerts:  opts.Alerts,
		push:    opts.Push,
		clients: make(map[string]*ClientConn),
	}
}

// Run fans replication events out to connected clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ch := h.bus.Subscribe("transport-hub")
	defer h.bus.Unsubscribe("transport-hub")

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Type {
			case events.StatePatch, events.StateFullUpdate:
				h.broadcast(evt.Detail)
			}
		}
	}
}

// broadcast sends one replication envelope to every connected client.
func (h *Hub) broadcast(envelope interface{}) {
	h.mu.RLock()
	conns := make([]*ClientConn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeJSON(envelope); err != nil {
			h.logger.Debug("client write failed", zap.String("client", c.ID), zap.Error(err))
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleClientWS is the HTTP handler for client WebSocket connections.
func (h *Hub) HandleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	cc := &ClientConn{
		ID:        clientID,
		Conn:      conn,
		Connected: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}

	h.mu.Lock()
	if existing, ok := h.clients[clientID]; ok {
		existing.Conn.Close()
	}
	h.clients[clientID] = cc
	h.mu.Unlock()

	h.logger.Info("client connected", zap.String("client", clientID))
	if h.push != nil {
		h.push.SetClientActive(clientID)
	}
	if h.bus != nil {
		h.bus.Publish(events.Event{Type: events.ClientAttached, Summary: clientID})
	}

	// New clients get the full document immediately; the manager's
	// cadence gate decides whether the shared stream also carries one.
	if err := cc.writeJSON(state.FullStateEnvelope{
		Type:      "state:full-update",
		Data:      h.state.Snapshot(),
		BoatID:    h.state.BoatID(),
		Role:      "boat-server",
		Timestamp: time.Now().UTC().UnixMilli(),
	}); err != nil {
		h.logger.Warn("initial snapshot send failed", zap.String("client", clientID), zap.Error(err))
	}
	h.state.NotifyClientAttached()

	defer func() {
		conn.Close()
		h.mu.Lock()
		if h.clients[clientID] == cc {
			delete(h.clients, clientID)
		}
		h.mu.Unlock()
		h.logger.Info("client disconnected", zap.String("client", clientID))
		if h.push != nil {
			h.push.SetClientInactive(clientID)
		}
		if h.bus != nil {
			h.bus.Publish(events.Event{Type: events.ClientDetached, Summary: clientID})
		}
	}()

	conn.SetPongHandler(func(string) error {
		cc.mu.Lock()
		cc.LastSeen = time.Now().UTC()
		cc.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			cc.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			cc.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var cm ClientMessage
		if err := json.Unmarshal(msg, &cm); err != nil {
			h.logger.Warn("invalid client message", zap.String("client", clientID), zap.Error(err))
			continue
		}

		cc.mu.Lock()
		cc.LastSeen = time.Now().UTC()
		cc.mu.Unlock()

		h.handleCommand(clientID, cm)
	}
}

func (h *Hub) handleCommand(clientID string, cm ClientMessage) {
	var err error
	switch cm.Type {
	case MsgStatePatch:
		var p statePatchPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil {
			ops := make([]state.PatchOp, 0, len(p.Ops))
			for _, op := range p.Ops {
				ops = append(ops, state.PatchOp{Op: op.Op, Path: op.Path, From: op.From, Value: op.Value})
			}
			err = h.state.ApplyPatch(ops)
		}
	case MsgStateUpdate:
		var doc map[string]interface{}
		if err = json.Unmarshal(cm.Data, &doc); err == nil {
			err = h.state.ReceiveExternalStateUpdate(doc)
		}
	case MsgBluetoothMetadata:
		var p bluetoothMetadataPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil {
			err = h.state.UpdateBluetoothDeviceMetadata(p.DeviceID, p.Metadata)
		}
	case MsgBluetoothSelect:
		var p bluetoothSelectPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil {
			err = h.state.SetBluetoothDeviceSelected(p.DeviceID, p.Selected)
		}
	case MsgPushRegister:
		var p pushRegisterPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil && h.push != nil {
			err = h.push.RegisterPushToken(clientID, p.Platform, p.Token, p.DeviceID)
		}
	case MsgPushUnregister:
		if h.push != nil {
			h.push.UnregisterPushToken(clientID)
		}
	case MsgAlertAcknowledge:
		var p alertCommandPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil && h.alerts != nil {
			err = h.alerts.AcknowledgeAlert(p.AlertID)
		}
	case MsgAlertMute:
		var p alertCommandPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil && h.alerts != nil {
			err = h.alerts.MuteAlert(p.AlertID, p.Muted, p.MutedUntil)
		}
	case MsgAlertResolve:
		var p alertCommandPayload
		if err = json.Unmarshal(cm.Data, &p); err == nil && h.alerts != nil {
			err = h.alerts.ResolveAlert(p.AlertID)
		}
	default:
		h.logger.Debug("unknown client command",
			zap.String("client", clientID),
			zap.String("type", cm.Type),
		)
		return
	}
	if err != nil {
		h.logger.Warn("client command failed",
			zap.String("client", clientID),
			zap.String("type", cm.Type),
			zap.Error(err),
		)
	}
}
