// Agent RDP - drive a Windows host over RDP on behalf of automation clients
// Copyright (C) 2025 - Agent RDP contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package daemon implements the per-session daemon: the IPC dispatcher,
// the channel multiplexer and handlers over one RDP connection, the
// streaming fan-out, and on-disk session lifecycle.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
)

// Daemon serves one session over a local IPC endpoint.
type Daemon struct {
	cfg     *Config
	logger  *slog.Logger
	session *Session
	locator Locator

	listener net.Listener

	lastActivity atomic.Int64 // unix nanos

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a daemon for the configured session. locator may be nil
// (locate requests then answer not_supported).
func New(cfg *Config, logger *slog.Logger, locator Locator) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		session:  NewSession(cfg.Session, logger),
		locator:  locator,
		shutdown: make(chan struct{}),
	}
	d.touch()
	return d
}

// Session exposes the daemon's session (for tests and embedders).
func (d *Daemon) Session() *Session { return d.session }

func (d *Daemon) touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
}

// Run starts the IPC listener and serves until shutdown. It writes the
// PID file on entry and removes the session directory on every exit
// path.
func (d *Daemon) Run() error {
	sessionDir := SessionDir(d.cfg.Session)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	defer CleanupSession(d.cfg.Session)

	if err := os.WriteFile(PIDPath(d.cfg.Session), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	ln, err := d.listen()
	if err != nil {
		return err
	}
	d.listener = ln
	d.logger.Info("daemon started", "session", d.cfg.Session, "addr", ln.Addr().String(), "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go d.idleWatch()

	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Info("signal received, shutting down", "signal", sig.String())
		case <-d.shutdown:
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			break // listener closed
		}
		d.touch()
		go d.handleClient(conn)
	}

	d.gracefulStop()
	return nil
}

func (d *Daemon) listen() (net.Listener, error) {
	if runtime.GOOS == "windows" {
		addr := fmt.Sprintf("127.0.0.1:%d", SessionPort(d.cfg.Session))
		return net.Listen("tcp", addr)
	}
	path := SocketPath(d.cfg.Session)
	os.Remove(path) // stale socket from a crashed daemon
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0o600)
	return ln, nil
}

// idleWatch exits the daemon after the idle window passes with no IPC
// activity.
func (d *Daemon) idleWatch() {
	if d.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			last := time.Unix(0, d.lastActivity.Load())
			if time.Since(last) > d.cfg.IdleTimeout {
				d.logger.Info("idle timeout reached, shutting down",
					"idle", time.Since(last).Round(time.Second).String())
				d.requestShutdown()
				return
			}
		}
	}
}

// gracefulStop disconnects and drains on the way out.
func (d *Daemon) gracefulStop() {
	d.logger.Info("daemon stopping")
	if d.session.State() == proto.StateConnected || d.session.State() == proto.StateFailed {
		d.session.Disconnect()
	}
	d.logger.Info("daemon stopped")
}

// handleClient serves one IPC connection: newline-delimited JSON
// requests answered in order. Parse errors produce invalid_request and
// keep the connection open.
func (d *Daemon) handleClient(conn net.Conn) {
	defer conn.Close()

	// Cancelled when the client goes away so in-flight work stops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		d.touch()

		req, err := proto.DecodeRequest(line)
		if err != nil {
			if encodeErr := encoder.Encode(proto.Error(proto.ErrInvalidRequest, err.Error())); encodeErr != nil {
				return
			}
			continue
		}

		resp := d.Dispatch(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return
		}

		if req.Type == proto.TypeShutdown {
			return
		}
	}
}
