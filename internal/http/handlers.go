package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/chris-hammond-ross/pi-podcast/internal/bluetooth"
	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

// Bluetooth is the controller surface the HTTP layer consumes.
type Bluetooth interface {
	Init(ctx context.Context) error
	Power(ctx context.Context, on bool) (string, error)
	Scan(ctx context.Context, on bool) (string, error)
	Pair(ctx context.Context, mac string) (string, error)
	Trust(ctx context.Context, mac string) (string, error)
	Connect(ctx context.Context, mac string) (string, error)
	Disconnect(ctx context.Context, mac string) (string, error)
	Remove(ctx context.Context, mac string, purge bool) (string, error)
	Info(ctx context.Context, mac string) (string, error)
	Raw(ctx context.Context, command string) (string, error)
	Devices() []model.DeviceView
	Status() model.SystemStatus
}

// Realtime serves the WebSocket event surface.
type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// API groups HTTP handlers and dependencies.
type API struct {
	bt        Bluetooth
	realtime  Realtime
	logger    *slog.Logger
	staticDir string
}

// New creates HTTP handlers with explicit dependencies.
func New(bt Bluetooth, realtime Realtime, logger *slog.Logger, staticDir string) *API {
	return &API{bt: bt, realtime: realtime, logger: logger, staticDir: staticDir}
}

// Health reports service liveness and bluetooth availability.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	status := a.bt.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"bluetooth_connected": status.BluetoothConnected,
	})
}

// Status returns the current system status.
func (a *API) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.bt.Status())
}

// Init starts (or restarts) the bluetooth child process.
func (a *API) Init(w http.ResponseWriter, r *http.Request) {
	if err := a.bt.Init(r.Context()); err != nil {
		a.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Power toggles the adapter radio.
func (a *API) Power(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, a.bt.Power)
}

// Scan toggles device discovery.
func (a *API) Scan(w http.ResponseWriter, r *http.Request) {
	a.toggle(w, r, a.bt.Scan)
}

func (a *API) toggle(w http.ResponseWriter, r *http.Request, op func(context.Context, bool) (string, error)) {
	var payload struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	on, err := parseState(payload.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
		return
	}
	out, err := op(r.Context(), on)
	if err != nil {
		a.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": out})
}

// ListDevices returns the session device list.
func (a *API) ListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.bt.Devices()})
}

// Pair pairs with a device.
func (a *API) Pair(w http.ResponseWriter, r *http.Request) {
	a.deviceOp(w, r, a.bt.Pair)
}

// Trust marks a device trusted.
func (a *API) Trust(w http.ResponseWriter, r *http.Request) {
	a.deviceOp(w, r, a.bt.Trust)
}

// Connect makes a device the active sink.
func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	a.deviceOp(w, r, a.bt.Connect)
}

// Disconnect drops the active connection.
func (a *API) Disconnect(w http.ResponseWriter, r *http.Request) {
	a.deviceOp(w, r, a.bt.Disconnect)
}

// Info queries the adapter for one device.
func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	a.deviceOp(w, r, a.bt.Info)
}

func (a *API) deviceOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (string, error)) {
	mac, ok := decodeMAC(w, r)
	if !ok {
		return
	}
	out, err := op(r.Context(), mac)
	if err != nil {
		a.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": out})
}

// Remove forgets a device. With purge set the persisted record goes too.
func (a *API) Remove(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MAC   string `json:"mac"`
		Purge bool   `json:"purge"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.MAC) == "" {
		writeError(w, http.StatusBadRequest, "missing_mac", "mac is required")
		return
	}
	out, err := a.bt.Remove(r.Context(), payload.MAC, payload.Purge)
	if err != nil {
		a.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": out})
}

// Command forwards a raw command line to the tool.
func (a *API) Command(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		writeError(w, http.StatusBadRequest, "missing_command", "command is required")
		return
	}
	out, err := a.bt.Raw(r.Context(), payload.Command)
	if err != nil {
		a.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": out})
}

// Events upgrades to the realtime event stream.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	a.realtime.ServeWS(w, r)
}

// Static serves frontend assets and SPA fallback.
func (a *API) Static(w http.ResponseWriter, r *http.Request) {
	if a.staticDir == "" {
		writeError(w, http.StatusNotFound, "frontend_missing", "Frontend dist not found")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}
	cleanPath := strings.TrimPrefix(filepath.Clean("/"+path), "/")
	fullPath := filepath.Join(a.staticDir, cleanPath)
	if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
		http.ServeFile(w, r, fullPath)
		return
	}
	http.ServeFile(w, r, filepath.Join(a.staticDir, "index.html"))
}

func (a *API) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bluetooth.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "bluetooth_unavailable", err.Error())
	case errors.Is(err, bluetooth.ErrCommandFailed):
		writeError(w, http.StatusBadGateway, "command_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "command_failed", err.Error())
	}
}

func decodeMAC(w http.ResponseWriter, r *http.Request) (string, bool) {
	var payload struct {
		MAC string `json:"mac"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return "", false
	}
	if strings.TrimSpace(payload.MAC) == "" {
		writeError(w, http.StatusBadRequest, "missing_mac", "mac is required")
		return "", false
	}
	return payload.MAC, true
}

func parseState(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, errors.New("state must be on or off")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
