package model

// Realtime event types pushed to WebSocket subscribers.
const (
	EventSystemStatus       = "system-status"
	EventDeviceFound        = "device-found"
	EventDeviceConnected    = "device-connected"
	EventDeviceDisconnected = "device-disconnected"
	EventDeviceRemoved      = "device-removed"
	EventDeviceUpdated      = "device-updated"
	EventDevicesList        = "devices-list"
	EventScanStarted        = "scan-started"
	EventScanStopped        = "scan-stopped"
	EventOutput             = "output"
	EventPong               = "pong"
)

// Event is one realtime message sent to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
