package model

// ConnectivityState is the single tagged state of the bluetoothctl child
// process. Scanning is only representable while the process is ready, which
// makes "scanning while disconnected" impossible by construction.
type ConnectivityState string

const (
	ConnectivityUninitialized ConnectivityState = "UNINITIALIZED"
	ConnectivityInitializing  ConnectivityState = "INITIALIZING"
	ConnectivityReadyIdle     ConnectivityState = "READY_IDLE"
	ConnectivityReadyScanning ConnectivityState = "READY_SCANNING"
	ConnectivityDisconnected  ConnectivityState = "DISCONNECTED"
)

// Connected reports whether the child process is up and usable.
func (s ConnectivityState) Connected() bool {
	return s == ConnectivityReadyIdle || s == ConnectivityReadyScanning
}

// Scanning reports whether a discovery scan is active.
func (s ConnectivityState) Scanning() bool {
	return s == ConnectivityReadyScanning
}

// SystemStatus is the status payload returned by GET /api/status and pushed
// to every new realtime subscriber.
type SystemStatus struct {
	State              ConnectivityState `json:"state"`
	BluetoothConnected bool              `json:"bluetooth_connected"`
	Scanning           bool              `json:"scanning"`
	ConnectedMAC       string            `json:"connected_mac,omitempty"`
	DeviceCount        int               `json:"device_count"`
}
