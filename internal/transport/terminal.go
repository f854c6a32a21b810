/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/gridcore/internal/events"
)

// terminalTransport pipes an interactive shell's I/O over the data
// channel. Host side spawns and owns the shell process; guest side holds
// no process of its own — it only relays keystrokes in and re-emits
// output as a UI event.
type terminalTransport struct {
	id     string
	role   Role
	bus    *events.Bus
	logger zerolog.Logger

	send SendFunc

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stopped bool
}

func newTerminalTransport(id string, cfg Config, bus *events.Bus, logger zerolog.Logger) *terminalTransport {
	return &terminalTransport{
		id:     id,
		role:   cfg.Role,
		bus:    bus,
		logger: logger.With().Str("transport_id", id).Str("kind", "terminal").Logger(),
	}
}

func (t *terminalTransport) ID() string { return t.id }
func (t *terminalTransport) Kind() Kind { return KindTerminal }

func (t *terminalTransport) Start(send SendFunc) error {
	t.send = send
	if t.role != RoleHost {
		// Guest side has no process; it only relays frames via HandleFrame.
		return nil
	}

	name, args := shellCommand()
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	go t.mirror(stdout, StreamStdout)
	go t.mirror(stderr, StreamStderr)
	go func() {
		_ = cmd.Wait()
		// Both mirror pumps exit on their own EOF once the process dies.
		// The transport itself remains registered until Stop is called.
	}()

	return nil
}

func (t *terminalTransport) mirror(r io.Reader, stream StreamName) {
	reader := bufio.NewReaderSize(r, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if sendErr := t.send(Frame{
				Type: FrameTerminalOutput, TransportID: t.id, Data: payload, Stream: string(stream),
			}); sendErr != nil {
				t.logger.Debug().Err(sendErr).Msg("terminal_output send failed")
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *terminalTransport) HandleFrame(f Frame) {
	switch f.Type {
	case FrameTerminalInput:
		t.handleInput(f)
	case FrameTerminalOutput:
		t.handleOutput(f)
	}
}

// handleInput runs host-side: write guest keystrokes to the shell's stdin.
func (t *terminalTransport) handleInput(f Frame) {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()

	if stdin == nil {
		return
	}
	if _, err := stdin.Write(f.Data); err != nil {
		t.logger.Debug().Err(err).Msg("terminal stdin write failed")
	}
}

// handleOutput runs guest-side: re-emit the host's mirrored output as a
// UI event rather than writing anywhere locally.
func (t *terminalTransport) handleOutput(f Frame) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.EventP2PTerminalOutput, events.Payload{
		"transport_id": t.id,
		"stream":       f.Stream,
		"data":         f.Data,
	})
}

func (t *terminalTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// shellCommand picks the interactive shell to spawn for the host side of
// a Terminal transport, per the platform conventions in spec §4.B.
func shellCommand() (name string, args []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("powershell"); err == nil {
			return "powershell", []string{"-NoLogo", "-Interactive"}
		}
		return "cmd", nil
	}

	if shell := os.Getenv("SHELL"); shell != "" {
		if strings.Contains(shell, "zsh") {
			return shell, []string{"-i"}
		}
		return shell, []string{"-i"}
	}
	return "bash", []string{"-i"}
}
