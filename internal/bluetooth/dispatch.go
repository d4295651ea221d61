package bluetooth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrEmptyCommand rejects a blank command before it reaches the queue.
var ErrEmptyCommand = errors.New("empty command")

// commandWriter is the slice of the supervisor the dispatcher needs.
type commandWriter interface {
	Write(p []byte) (int, error)
	Running() bool
}

type commandResult struct {
	output string
	err    error
}

type commandRequest struct {
	command string
	timeout time.Duration
	reply   chan commandResult
}

// Dispatcher serializes commands to the bluetoothctl input pipe through a
// single-worker FIFO queue. Each request owns its own capture window and
// timer, so one command's response window never overlaps another's. The tool
// emits no completion marker for most commands, which is why a window is
// closed by its timeout rather than by inspecting the output.
type Dispatcher struct {
	writer commandWriter
	logger *slog.Logger

	queue chan *commandRequest
	fail  chan error

	mu      sync.Mutex
	capture *bytes.Buffer
}

func NewDispatcher(writer commandWriter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		writer: writer,
		logger: logger,
		queue:  make(chan *commandRequest, 16),
		fail:   make(chan error, 1),
	}
}

// Feed appends process output to the active capture window, if any. It is
// called from the supervisor's read loop for every output chunk.
func (d *Dispatcher) Feed(chunk []byte) {
	d.mu.Lock()
	if d.capture != nil {
		d.capture.Write(chunk)
	}
	d.mu.Unlock()
}

// Fail rejects the in-flight request, if any. Called when the process dies
// so a pending command is never left dangling.
func (d *Dispatcher) Fail(err error) {
	select {
	case d.fail <- err:
	default:
	}
}

// Send queues a command and blocks until its capture window closes. The
// window is resolved exactly once: by timeout with the accumulated output,
// or early with an error when the process dies or was never running.
func (d *Dispatcher) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", ErrEmptyCommand
	}
	if !d.writer.Running() {
		return "", ErrNotRunning
	}

	req := &commandRequest{command: command, timeout: timeout, reply: make(chan commandResult, 1)}
	select {
	case d.queue <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.output, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run processes the queue until the context is cancelled. One request is in
// flight at a time.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ctx.Err())
			return
		case req := <-d.queue:
			d.process(ctx, req)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, req *commandRequest) {
	if !d.writer.Running() {
		req.reply <- commandResult{err: ErrNotRunning}
		return
	}

	d.openWindow()
	if _, err := d.writer.Write([]byte(req.command + "\n")); err != nil {
		d.closeWindow()
		req.reply <- commandResult{err: err}
		return
	}
	d.logger.Debug("command dispatched", "command", req.command, "timeout", req.timeout)

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		req.reply <- commandResult{output: d.closeWindow()}
	case err := <-d.fail:
		d.closeWindow()
		req.reply <- commandResult{err: err}
	case <-ctx.Done():
		d.closeWindow()
		req.reply <- commandResult{err: ctx.Err()}
	}
}

func (d *Dispatcher) openWindow() {
	// A failure signalled between requests belongs to no window.
	select {
	case <-d.fail:
	default:
	}
	d.mu.Lock()
	d.capture = &bytes.Buffer{}
	d.mu.Unlock()
}

func (d *Dispatcher) closeWindow() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture == nil {
		return ""
	}
	out := d.capture.String()
	d.capture = nil
	return out
}

func (d *Dispatcher) drain(err error) {
	for {
		select {
		case req := <-d.queue:
			req.reply <- commandResult{err: err}
		default:
			return
		}
	}
}
