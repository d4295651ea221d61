package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

// ErrCommandFailed wraps any bluetoothctl command whose captured output
// signals failure. There is no retry policy: the caller may simply re-issue.
var ErrCommandFailed = errors.New("bluetooth command failed")

// Options carries the tunables the controller needs from config.
type Options struct {
	BluetoothctlPath string
	CommandTimeout   time.Duration
	ScanTimeout      time.Duration
	PairTimeout      time.Duration
}

// Controller is the single explicitly constructed service instance driving
// the whole Bluetooth subsystem. The HTTP/WS layer holds it by reference;
// there is no package-level state.
type Controller struct {
	opts     Options
	sup      *Supervisor
	disp     *Dispatcher
	parser   *Parser
	registry *Registry
	events   Publisher
	logger   *slog.Logger

	outMu sync.Mutex

	mu    sync.Mutex
	state model.ConnectivityState

	runCtx context.Context
}

func NewController(opts Options, registry *Registry, events Publisher, logger *slog.Logger) *Controller {
	c := &Controller{
		opts:     opts,
		parser:   NewParser(),
		registry: registry,
		events:   events,
		logger:   logger,
		state:    model.ConnectivityUninitialized,
		runCtx:   context.Background(),
	}
	c.sup = NewSupervisor(opts.BluetoothctlPath, logger)
	c.disp = NewDispatcher(c.sup, logger)
	c.sup.SetOnOutput(c.handleOutput)
	c.sup.SetOnExit(c.handleExit)
	return c
}

// Run starts the command queue worker. It must be called once before Init.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	go c.disp.Run(ctx)
}

// Init spawns (or respawns) the bluetoothctl process and brings the adapter
// to a ready state. Spawn failure degrades only Bluetooth; the caller keeps
// serving.
func (c *Controller) Init(ctx context.Context) error {
	c.setState(model.ConnectivityInitializing)
	// Restarting kills the old process without firing the crash callback, so
	// a command still waiting on its window must be rejected here instead of
	// running out its full timeout.
	c.disp.Fail(ErrNotRunning)
	if err := c.sup.Start(c.runCtx); err != nil {
		c.setState(model.ConnectivityDisconnected)
		c.publishStatus()
		return err
	}
	for _, cmd := range []string{"power on", "agent on", "default-agent"} {
		if _, err := c.disp.Send(ctx, cmd, c.opts.CommandTimeout); err != nil {
			c.setState(model.ConnectivityDisconnected)
			c.publishStatus()
			return fmt.Errorf("init %q: %w", cmd, err)
		}
	}
	c.setState(model.ConnectivityReadyIdle)
	c.publishStatus()
	c.logger.Info("bluetooth controller ready")
	return nil
}

// Stop terminates the child process without broadcasting a crash. Any
// command still in flight is rejected rather than left to time out.
func (c *Controller) Stop() {
	c.sup.Stop()
	c.disp.Fail(ErrNotRunning)
	c.setState(model.ConnectivityDisconnected)
}

// Power toggles the adapter radio.
func (c *Controller) Power(ctx context.Context, on bool) (string, error) {
	return c.send(ctx, "power "+onOff(on), c.opts.CommandTimeout)
}

// Scan toggles device discovery. Starting a scan drops session-only entries
// so the discovery list rebuilds from the persisted set.
func (c *Controller) Scan(ctx context.Context, on bool) (string, error) {
	if !c.State().Connected() {
		return "", ErrNotRunning
	}
	if on {
		c.registry.BeginScan()
	}
	out, err := c.send(ctx, "scan "+onOff(on), c.opts.ScanTimeout)
	if err != nil {
		return out, err
	}
	if on {
		c.setState(model.ConnectivityReadyScanning)
		c.events.Publish(model.Event{Type: model.EventScanStarted})
	} else {
		c.setState(model.ConnectivityReadyIdle)
		c.events.Publish(model.Event{Type: model.EventScanStopped})
	}
	c.publishStatus()
	return out, nil
}

// Pair pairs with a device; the long timeout covers PIN negotiation.
func (c *Controller) Pair(ctx context.Context, mac string) (string, error) {
	out, err := c.send(ctx, "pair "+model.NormalizeMAC(mac), c.opts.PairTimeout)
	if err != nil {
		return out, err
	}
	if !strings.Contains(out, "Pairing successful") {
		return out, commandError(out)
	}
	c.registry.SetPaired(ctx, mac, true)
	return out, nil
}

// Trust marks a device trusted so the adapter auto-accepts its connections.
func (c *Controller) Trust(ctx context.Context, mac string) (string, error) {
	out, err := c.send(ctx, "trust "+model.NormalizeMAC(mac), c.opts.CommandTimeout)
	if err != nil {
		return out, err
	}
	if !strings.Contains(out, "trust succeeded") {
		return out, commandError(out)
	}
	c.registry.SetTrusted(ctx, mac, true)
	return out, nil
}

// Connect makes a device the active audio sink.
func (c *Controller) Connect(ctx context.Context, mac string) (string, error) {
	out, err := c.send(ctx, "connect "+model.NormalizeMAC(mac), c.opts.PairTimeout)
	if err != nil {
		return out, err
	}
	if !strings.Contains(out, "Connection successful") {
		return out, commandError(out)
	}
	c.registry.MarkConnected(ctx, mac)
	c.publishStatus()
	return out, nil
}

// Disconnect drops the active connection to a device.
func (c *Controller) Disconnect(ctx context.Context, mac string) (string, error) {
	out, err := c.send(ctx, "disconnect "+model.NormalizeMAC(mac), c.opts.CommandTimeout)
	if err != nil {
		return out, err
	}
	c.registry.MarkDisconnected(mac)
	c.publishStatus()
	return out, nil
}

// Remove forgets a device on the adapter and clears it from the session.
// The persisted row survives unless purge is set.
func (c *Controller) Remove(ctx context.Context, mac string, purge bool) (string, error) {
	out, err := c.send(ctx, "remove "+model.NormalizeMAC(mac), c.opts.CommandTimeout)
	if err != nil {
		return out, err
	}
	c.registry.Remove(ctx, mac, purge)
	return out, nil
}

// Info queries the adapter for one device and syncs any paired/trusted/
// connected flags it reports back into the registry.
func (c *Controller) Info(ctx context.Context, mac string) (string, error) {
	out, err := c.send(ctx, "info "+model.NormalizeMAC(mac), c.opts.CommandTimeout)
	if err != nil {
		return out, err
	}
	c.applyInfo(ctx, mac, out)
	return out, nil
}

// Raw sends an arbitrary command line to the tool and broadcasts the
// captured output to subscribers.
func (c *Controller) Raw(ctx context.Context, command string) (string, error) {
	out, err := c.send(ctx, command, c.opts.CommandTimeout)
	if err != nil {
		return out, err
	}
	c.events.Publish(model.Event{Type: model.EventOutput, Data: map[string]any{
		"command": strings.TrimSpace(command),
		"output":  out,
	}})
	return out, nil
}

// Devices returns the current session device list.
func (c *Controller) Devices() []model.DeviceView {
	return c.registry.List()
}

// State returns the current connectivity state.
func (c *Controller) State() model.ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status builds the system status payload.
func (c *Controller) Status() model.SystemStatus {
	state := c.State()
	return model.SystemStatus{
		State:              state,
		BluetoothConnected: state.Connected(),
		Scanning:           state.Scanning(),
		ConnectedMAC:       c.registry.ConnectedMAC(),
		DeviceCount:        c.registry.Count(),
	}
}

// Snapshot is the state replay for a new realtime subscriber: current status
// plus the full device list.
func (c *Controller) Snapshot() []model.Event {
	return []model.Event{
		{Type: model.EventSystemStatus, Data: c.Status()},
		{Type: model.EventDevicesList, Data: c.Devices()},
	}
}

func (c *Controller) send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return c.disp.Send(ctx, command, timeout)
}

// handleOutput is the supervisor's stdout sink: it feeds the active capture
// window and the announcement parser. The two consumers share each chunk but
// never each other's state.
func (c *Controller) handleOutput(chunk []byte) {
	c.disp.Feed(chunk)

	c.outMu.Lock()
	anns := c.parser.Feed(chunk)
	c.outMu.Unlock()

	for _, ann := range anns {
		c.registry.Observe(c.runCtx, ann)
	}
}

// handleExit runs when the child process dies unexpectedly. It fails the
// in-flight command, clears the active sink and broadcasts the degraded
// status exactly once.
func (c *Controller) handleExit(err error) {
	c.setState(model.ConnectivityDisconnected)
	if err == nil {
		err = errors.New("process exited")
	}
	c.disp.Fail(fmt.Errorf("%w: %v", ErrNotRunning, err))
	c.registry.ClearConnected()
	c.publishStatus()
}

func (c *Controller) setState(state model.ConnectivityState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) publishStatus() {
	c.events.Publish(model.Event{Type: model.EventSystemStatus, Data: c.Status()})
}

// applyInfo scrapes the paired/trusted/connected flags out of an `info`
// response. The output format is unversioned, so this is best-effort.
func (c *Controller) applyInfo(ctx context.Context, mac string, out string) {
	paired, hasPaired := infoFlag(out, "Paired:")
	trusted, hasTrusted := infoFlag(out, "Trusted:")
	connected, hasConnected := infoFlag(out, "Connected:")

	if hasPaired {
		c.registry.SetPaired(ctx, mac, paired)
	}
	if hasTrusted {
		c.registry.SetTrusted(ctx, mac, trusted)
	}
	if hasConnected {
		if connected {
			c.registry.MarkConnected(ctx, mac)
		} else {
			c.registry.MarkDisconnected(mac)
		}
	}
}

func infoFlag(out string, label string) (bool, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(StripANSI(line))
		if !strings.HasPrefix(line, label) {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, label))
		return strings.EqualFold(value, "yes"), true
	}
	return false, false
}

func commandError(out string) error {
	reason := failureReason(out)
	if reason == "" {
		reason = "no success confirmation in output"
	}
	return fmt.Errorf("%w: %s", ErrCommandFailed, reason)
}

func failureReason(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(StripANSI(line))
		if strings.Contains(line, "Failed") || strings.Contains(line, "not available") {
			return line
		}
	}
	return ""
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
