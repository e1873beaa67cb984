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

package daemon

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
	"github.com/agent-rdp/agent-rdp/pkg/rdp"
)

// StreamConfig controls the WebSocket fan-out.
type StreamConfig struct {
	Port        uint16
	FPS         int
	Quality     int
	ServeViewer bool
}

// StreamServer broadcasts JPEG frames to WebSocket viewers and feeds
// their input back into the session.
type StreamServer struct {
	cfg     StreamConfig
	session *Session
	logger  *slog.Logger

	httpServer *http.Server

	mu    sync.Mutex
	peers map[*streamPeer]struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

type streamPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the socket
}

func (p *streamPeer) write(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(ctx, websocket.MessageText, payload)
}

type frameMessage struct {
	Type     string        `json:"type"`
	Data     string        `json:"data"`
	Metadata frameMetadata `json:"metadata"`
}

type frameMetadata struct {
	DeviceWidth  int `json:"deviceWidth"`
	DeviceHeight int `json:"deviceHeight"`
}

type statusMessage struct {
	Type           string `json:"type"`
	Connected      bool   `json:"connected"`
	Streaming      bool   `json:"streaming"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
}

// StartStreamServer binds the port and begins the broadcast loop.
func StartStreamServer(cfg StreamConfig, session *Session, logger *slog.Logger) (*StreamServer, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 80
	}

	s := &StreamServer{
		cfg:     cfg,
		session: session,
		logger:  logger,
		peers:   make(map[*streamPeer]struct{}),
		stop:    make(chan struct{}),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{Handler: http.HandlerFunc(s.handleHTTP)}
	go s.httpServer.Serve(ln)
	go s.broadcastLoop()

	logger.Info("streaming server listening", "port", cfg.Port, "fps", cfg.FPS, "quality", cfg.Quality)
	return s, nil
}

// Stop closes the listener and every peer.
func (s *StreamServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)

		s.mu.Lock()
		for p := range s.peers {
			p.conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		}
		s.peers = make(map[*streamPeer]struct{})
		s.mu.Unlock()
	})
}

// handleHTTP upgrades WebSocket requests; plain GETs serve the viewer.
func (s *StreamServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(viewerHTML)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local viewer, no cross-origin state
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	peer := &streamPeer{conn: conn}
	s.mu.Lock()
	s.peers[peer] = struct{}{}
	count := len(s.peers)
	s.mu.Unlock()
	s.logger.Info("viewer connected", "peers", count)

	go s.servePeer(peer)
}

func (s *StreamServer) dropPeer(peer *streamPeer) {
	s.mu.Lock()
	if _, ok := s.peers[peer]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer)
	count := len(s.peers)
	s.mu.Unlock()
	peer.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("viewer disconnected", "peers", count)
}

// servePeer sends the initial status and frame, then pumps input until
// the socket dies. A failing peer is dropped without touching others.
func (s *StreamServer) servePeer(peer *streamPeer) {
	defer s.dropPeer(peer)
	ctx := context.Background()

	w, h := 0, 0
	connected := s.session.State() == proto.StateConnected
	if connected {
		if _, fb, _, _, _, err := s.session.handlers(); err == nil {
			w, h = fb.Size()
		}
	}
	status, _ := json.Marshal(statusMessage{
		Type: "status", Connected: connected, Streaming: true,
		ViewportWidth: w, ViewportHeight: h,
	})
	if err := peer.write(ctx, status); err != nil {
		return
	}

	if frame := s.encodeFrame(); frame != nil {
		if err := peer.write(ctx, frame); err != nil {
			return
		}
	}

	for {
		_, data, err := peer.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleViewerMessage(ctx, peer, data)
	}
}

// broadcastLoop pushes frames to every peer at the configured rate.
func (s *StreamServer) broadcastLoop() {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := len(s.peers) == 0
		s.mu.Unlock()
		if idle {
			continue
		}

		frame := s.encodeFrame()
		if frame == nil {
			continue
		}
		s.broadcast(frame)
	}
}

func (s *StreamServer) broadcast(payload []byte) {
	s.mu.Lock()
	peers := make([]*streamPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := p.write(ctx, payload)
		cancel()
		if err != nil {
			s.dropPeer(p)
		}
	}
}

// encodeFrame renders the current frame buffer as a frame message, or
// nil when not connected.
func (s *StreamServer) encodeFrame() []byte {
	_, fb, _, _, _, err := s.session.handlers()
	if err != nil {
		return nil
	}

	img := fb.Snapshot()
	w, h := fb.Size()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		s.logger.Warn("frame encode failed", "err", err)
		return nil
	}

	msg := frameMessage{
		Type: "frame",
		Data: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Metadata: frameMetadata{
			DeviceWidth:  w,
			DeviceHeight: h,
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return payload
}

// NotifyClipboardChange broadcasts a clipboard-changed event.
func (s *StreamServer) NotifyClipboardChange() {
	payload, _ := json.Marshal(map[string]string{"type": "clipboard_changed"})
	go s.broadcast(payload)
}

// viewerInput is the input message shape from the viewer page.
type viewerInput struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	X      uint16 `json:"x"`
	Y      uint16 `json:"y"`
	Button string `json:"button"`
	Delta  int    `json:"delta"`
	Key    string `json:"key"`
	Code   string `json:"code"`
	Text   string `json:"text"`
}

// handleViewerMessage treats viewer traffic like IPC requests.
func (s *StreamServer) handleViewerMessage(ctx context.Context, peer *streamPeer, data []byte) {
	var msg viewerInput
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("bad viewer message", "err", err)
		return
	}

	switch msg.Type {
	case "input_mouse":
		s.viewerMouse(&msg)

	case "input_keyboard":
		s.viewerKeyboard(&msg)

	case "clipboard_set":
		clip, err := s.session.Clipboard()
		if err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := clip.Set(cctx, msg.Text); err != nil {
			s.logger.Warn("viewer clipboard set failed", "err", err)
		}

	case "clipboard_get":
		clip, err := s.session.Clipboard()
		if err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		text, err := clip.Get(cctx)
		if err != nil {
			return
		}
		payload, _ := json.Marshal(map[string]string{"type": "clipboard", "text": text})
		peer.write(ctx, payload)
	}
}

func (s *StreamServer) viewerMouse(msg *viewerInput) {
	mux, _, _, _, _, err := s.session.handlers()
	if err != nil {
		return
	}

	flag := rdp.PTRFLAGS_BUTTON1
	switch msg.Button {
	case "right":
		flag = rdp.PTRFLAGS_BUTTON2
	case "middle":
		flag = rdp.PTRFLAGS_BUTTON3
	}

	var events []rdp.InputEvent
	switch msg.Action {
	case "move":
		s.session.setPointer(msg.X, msg.Y)
		events = []rdp.InputEvent{rdp.MouseEvent{Flags: rdp.PTRFLAGS_MOVE, X: msg.X, Y: msg.Y}}
	case "down":
		events = []rdp.InputEvent{rdp.MouseEvent{Flags: uint16(flag) | rdp.PTRFLAGS_DOWN, X: msg.X, Y: msg.Y}}
	case "up":
		events = []rdp.InputEvent{rdp.MouseEvent{Flags: uint16(flag), X: msg.X, Y: msg.Y}}
	case "wheel":
		flags := uint16(rdp.PTRFLAGS_WHEEL)
		if msg.Delta < 0 {
			flags |= rdp.PTRFLAGS_WHEEL_NEGATIVE | (uint16(msg.Delta) & rdp.WheelRotationMask)
		} else {
			flags |= uint16(msg.Delta) & rdp.WheelRotationMask
		}
		events = []rdp.InputEvent{rdp.MouseEvent{Flags: flags, X: msg.X, Y: msg.Y}}
	default:
		return
	}

	if err := mux.SendInput(events); err != nil {
		s.logger.Debug("viewer input failed", "err", err)
	}
}

func (s *StreamServer) viewerKeyboard(msg *viewerInput) {
	mux, _, _, _, _, err := s.session.handlers()
	if err != nil {
		return
	}

	info, ok := keyFromBrowserCode(msg.Code, msg.Key)
	if !ok {
		// Printable key without a scancode mapping: type it as Unicode
		if msg.Action == "down" && len([]rune(msg.Key)) == 1 {
			r := []rune(msg.Key)[0]
			mux.SendInput([]rdp.InputEvent{
				rdp.UnicodeEvent{Code: uint16(r)},
				rdp.UnicodeEvent{Code: uint16(r), Release: true},
			})
		}
		return
	}

	event := rdp.KeyboardEvent{
		Scancode: info.Scancode,
		Extended: info.Extended,
		Release:  msg.Action == "up",
	}
	if err := mux.SendInput([]rdp.InputEvent{event}); err != nil {
		s.logger.Debug("viewer key failed", "err", err)
	}
}

// keyFromBrowserCode maps KeyboardEvent.code values onto scancodes.
func keyFromBrowserCode(code, key string) (KeyInfo, bool) {
	switch {
	case len(code) == 4 && code[:3] == "Key":
		return LookupKey(string(code[3] | 0x20))
	case len(code) == 6 && code[:5] == "Digit":
		return LookupKey(string(code[5]))
	}

	named := map[string]string{
		"Enter": "enter", "Escape": "esc", "Backspace": "backspace",
		"Tab": "tab", "Space": "space", "Delete": "delete",
		"Insert": "insert", "Home": "home", "End": "end",
		"PageUp": "pageup", "PageDown": "pagedown",
		"ArrowUp": "up", "ArrowDown": "down",
		"ArrowLeft": "left", "ArrowRight": "right",
		"ControlLeft": "lctrl", "ControlRight": "rctrl",
		"ShiftLeft": "lshift", "ShiftRight": "rshift",
		"AltLeft": "lalt", "AltRight": "ralt",
		"MetaLeft": "lwin", "MetaRight": "rwin",
		"CapsLock": "capslock",
		"F1":       "f1", "F2": "f2", "F3": "f3", "F4": "f4",
		"F5": "f5", "F6": "f6", "F7": "f7", "F8": "f8",
		"F9": "f9", "F10": "f10", "F11": "f11", "F12": "f12",
		"Minus": "-", "Equal": "=", "BracketLeft": "[",
		"BracketRight": "]", "Backslash": "\\", "Semicolon": ";",
		"Quote": "'", "Backquote": "`", "Comma": ",",
		"Period": ".", "Slash": "/",
	}
	if name, ok := named[code]; ok {
		return LookupKey(name)
	}
	return KeyInfo{}, false
}
