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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-rdp/agent-rdp/pkg/bitmap"
	"github.com/agent-rdp/agent-rdp/pkg/proto"
	"github.com/agent-rdp/agent-rdp/pkg/rdp"
	"github.com/agent-rdp/agent-rdp/pkg/rdp/cliprdr"
	"github.com/agent-rdp/agent-rdp/pkg/rdp/rdpdr"
)

// Session owns at most one live RDP connection and the channel handlers
// multiplexed onto it.
type Session struct {
	name   string
	logger *slog.Logger

	mu            sync.Mutex
	state         proto.ConnectionState
	conn          *rdp.Conn
	mux           *Mux
	fb            *FrameBuffer
	clip          *cliprdr.Handler
	drive         *rdpdr.Backend
	auto          *Automation
	stream        *StreamServer
	heartbeat     *rdp.HeartbeatMonitor
	host          string
	width, height uint16
	pointerX      uint16
	pointerY      uint16
	automationDir string

	startTime time.Time
}

// NewSession builds an unconnected session.
func NewSession(name string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		name:      name,
		logger:    logger,
		state:     proto.StateDisconnected,
		startTime: time.Now(),
	}
}

// State returns the connection state.
func (s *Session) State() proto.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the RDP connection and wires up every channel
// handler. Any failure before activation leaves the session disconnected
// with no partial connection exposed.
func (s *Session) Connect(req *proto.ConnectRequest) error {
	s.mu.Lock()
	if s.state == proto.StateConnected || s.state == proto.StateConnecting {
		s.mu.Unlock()
		return &proto.ErrorInfo{Code: proto.ErrAlreadyConnected, Message: "session is already connected"}
	}
	s.state = proto.StateConnecting
	s.mu.Unlock()

	fail := func(code proto.ErrorCode, err error) error {
		s.mu.Lock()
		s.state = proto.StateDisconnected
		s.mu.Unlock()
		return &proto.ErrorInfo{Code: code, Message: err.Error()}
	}

	target := fmt.Sprintf("%s:%d", req.Host, req.Port)
	opts := rdp.DefaultOptions()
	opts.Username = req.Username
	opts.Password = req.Password
	opts.Domain = req.Domain
	opts.DesktopWidth = req.Width
	opts.DesktopHeight = req.Height
	opts.Channels = []string{rdp.ChannelCliprdr, rdp.ChannelRdpdr, rdp.ChannelDrdynvc}

	s.logger.Info("connecting", "target", target, "size", fmt.Sprintf("%dx%d", req.Width, req.Height))

	conn, err := rdp.Connect(target, opts)
	if err != nil {
		s.logger.Error("connect failed", "target", target, "err", err)
		if errors.Is(err, rdp.ErrAuthentication) {
			return fail(proto.ErrAuthenticationFailed, err)
		}
		return fail(proto.ErrConnectionFailed, err)
	}

	width, height := conn.DesktopSize()
	channels := conn.Channels()
	mux := NewMux(conn, s.logger)
	fb := NewFrameBuffer(int(width), int(height))
	heartbeat := rdp.NewHeartbeatMonitor()

	// Clipboard
	var clip *cliprdr.Handler
	if id, ok := channels[rdp.ChannelCliprdr]; ok {
		clip = cliprdr.NewHandler(func(data []byte) error {
			return mux.Send(id, data)
		}, s.logger)
		mux.Subscribe(id, rdp.ChannelCliprdr, func(msg []byte) {
			if err := clip.HandleMessage(msg); err != nil {
				s.logger.Warn("clipboard handler error", "err", err)
			}
		}, clip.Closed)
	}

	// Drive redirection
	var drive *rdpdr.Backend
	if id, ok := channels[rdp.ChannelRdpdr]; ok {
		mappings := make([]rdpdr.Drive, 0, len(req.Drives))
		for i, d := range req.Drives {
			mappings = append(mappings, rdpdr.Drive{
				DeviceID: uint32(i + 1),
				Name:     d.Name,
				Root:     d.Path,
			})
		}
		drive = rdpdr.NewBackend(mappings, func(data []byte) error {
			return mux.Send(id, data)
		}, s.logger)
		mux.Subscribe(id, rdp.ChannelRdpdr, func(msg []byte) {
			if err := drive.HandleMessage(msg); err != nil {
				s.logger.Warn("drive handler error", "err", err)
			}
		}, func(error) { drive.Shutdown() })
	}

	// Automation DVC
	var auto *Automation
	if id, ok := channels[rdp.ChannelDrdynvc]; ok {
		auto = NewAutomation(func(data []byte) error {
			return mux.Send(id, data)
		}, s.logger)
		mux.Subscribe(id, rdp.ChannelDrdynvc, auto.HandleMessage, auto.Closed)
	}

	mux.OnUpdates(func(updates []rdp.FastPathUpdate) {
		heartbeat.Touch()
		s.applyUpdates(fb, updates)
	})
	mux.OnGlobal(func(payload []byte) {
		heartbeat.Touch()
		s.handleGlobalPDU(fb, heartbeat, payload)
	})
	mux.OnClosed(func(err error) {
		s.logger.Error("stream closed", "err", err)
		s.mu.Lock()
		if s.state == proto.StateConnected {
			s.state = proto.StateFailed
		}
		s.mu.Unlock()
	})

	var automationDir string
	if req.EnableWinAutomation {
		automationDir, err = s.materializeHelper(req)
		if err != nil {
			s.logger.Warn("helper payload not materialized", "err", err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mux = mux
	s.fb = fb
	s.clip = clip
	s.drive = drive
	s.auto = auto
	s.heartbeat = heartbeat
	s.host = req.Host
	s.width = width
	s.height = height
	s.automationDir = automationDir
	s.state = proto.StateConnected
	s.mu.Unlock()

	go mux.Run()

	if req.StreamPort > 0 {
		stream, err := StartStreamServer(StreamConfig{
			Port:        req.StreamPort,
			FPS:         req.StreamFPS,
			Quality:     req.StreamQuality,
			ServeViewer: req.ServeViewer,
		}, s, s.logger)
		if err != nil {
			s.logger.Warn("streaming server failed to start", "port", req.StreamPort, "err", err)
		} else {
			s.mu.Lock()
			s.stream = stream
			s.mu.Unlock()
			if clip != nil {
				clip.OnRemoteChange = stream.NotifyClipboardChange
			}
		}
	}

	s.logger.Info("connected", "host", req.Host, "width", width, "height", height)
	return nil
}

// materializeHelper writes the embedded guest-helper payload into the
// session directory so a mapped drive can expose it to the guest.
func (s *Session) materializeHelper(req *proto.ConnectRequest) (string, error) {
	dir := filepath.Join(SessionDir(s.name), "automation-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	script := filepath.Join(dir, "agent.ps1")
	if err := os.WriteFile(script, automationAgentScript, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	s.logger.Info("automation helper payload ready", "path", script)
	return dir, nil
}

// applyUpdates feeds fast-path output into the frame buffer.
func (s *Session) applyUpdates(fb *FrameBuffer, updates []rdp.FastPathUpdate) {
	for _, u := range updates {
		switch u.Code {
		case rdp.FASTPATH_UPDATETYPE_BITMAP:
			s.applyBitmapUpdate(fb, u.Data)
		case rdp.FASTPATH_UPDATETYPE_PTR_POSITION:
			if len(u.Data) >= 4 {
				s.mu.Lock()
				s.pointerX = binary.LittleEndian.Uint16(u.Data[0:])
				s.pointerY = binary.LittleEndian.Uint16(u.Data[2:])
				s.mu.Unlock()
			}
		}
	}
}

// applyBitmapUpdate decodes TS_UPDATE_BITMAP_DATA and paints each
// rectangle.
func (s *Session) applyBitmapUpdate(fb *FrameBuffer, data []byte) {
	update, err := rdp.ParseBitmapUpdate(data)
	if err != nil {
		s.logger.Debug("bad bitmap update", "err", err)
		return
	}
	for i := range update.Rectangles {
		r := &update.Rectangles[i]
		if len(r.BitmapDataStream) == 0 {
			continue
		}
		payload := r.BitmapDataStream
		if r.Compressed() && !r.NoCompressionHeader() && len(payload) > 8 {
			// TS_CD_HEADER: skip to the main body
			payload = payload[8:]
		}
		rect, err := bitmap.Decode(int(r.Width), int(r.Height), int(r.BitsPerPixel), payload, r.Compressed())
		if err != nil {
			s.logger.Debug("bitmap decode failed", "err", err)
			continue
		}
		rect.Left = int(r.DestLeft)
		rect.Top = int(r.DestTop)
		// The rectangle may be wider than the dest region due to
		// 4-byte row alignment; clip to the dest bounds.
		if w := int(r.DestRight-r.DestLeft) + 1; w < rect.Width {
			rect = cropRect(rect, w, rect.Height)
		}
		if h := int(r.DestBottom-r.DestTop) + 1; h < rect.Height {
			rect = cropRect(rect, rect.Width, h)
		}
		fb.Apply(rect)
	}
}

func cropRect(r *bitmap.Rect, w, h int) *bitmap.Rect {
	out := &bitmap.Rect{Left: r.Left, Top: r.Top, Width: w, Height: h, Pixels: make([]byte, w*h*4)}
	for y := 0; y < h; y++ {
		copy(out.Pixels[y*w*4:(y+1)*w*4], r.Pixels[y*r.Width*4:y*r.Width*4+w*4])
	}
	return out
}

// handleGlobalPDU consumes slow-path share PDUs in steady state.
func (s *Session) handleGlobalPDU(fb *FrameBuffer, heartbeat *rdp.HeartbeatMonitor, payload []byte) {
	if len(payload) < 6 {
		return
	}
	r := bytes.NewReader(payload)
	hdr, err := rdp.ParseShareControlHeader(r)
	if err != nil {
		return
	}

	switch hdr.PDUType & 0x0F {
	case rdp.PDUTYPE_DATAPDU:
		if len(payload) < 18 {
			return
		}
		dataHdr, err := rdp.ParseShareDataHeader(bytes.NewReader(payload[6:]))
		if err != nil {
			return
		}
		body := payload[18:]
		switch dataHdr.PDUType2 {
		case rdp.PDUTYPE2_UPDATE:
			if len(body) >= 2 && binary.LittleEndian.Uint16(body) == rdp.UPDATETYPE_BITMAP {
				s.applyBitmapUpdate(fb, body)
			}
		case rdp.PDUTYPE2_HEARTBEAT:
			heartbeat.Observe(body)
		case rdp.PDUTYPE2_SET_ERROR_INFO_PDU:
			if len(body) >= 4 {
				s.logger.Warn("server error info", "code", fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(body)))
			}
		}
	case rdp.PDUTYPE_DEACTIVATEALLPDU:
		s.logger.Info("server deactivated the share")
	}
}

// Disconnect tears the connection down. Idempotent: a second call
// reports not_connected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != proto.StateConnected && s.state != proto.StateFailed {
		s.mu.Unlock()
		return &proto.ErrorInfo{Code: proto.ErrNotConnected, Message: "not connected to an RDP server"}
	}
	conn, mux, stream := s.conn, s.mux, s.stream
	automationDir := s.automationDir
	s.conn, s.mux, s.stream = nil, nil, nil
	s.clip, s.drive, s.auto = nil, nil, nil
	s.automationDir = ""
	s.state = proto.StateDisconnected
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if conn != nil {
		conn.Shutdown()
	}
	if mux != nil {
		mux.Close()
	}
	if automationDir != "" {
		os.RemoveAll(automationDir)
	}
	s.logger.Info("disconnected")
	return nil
}

// handlers returns the live channel handlers, or a not_connected error.
func (s *Session) handlers() (*Mux, *FrameBuffer, *cliprdr.Handler, *rdpdr.Backend, *Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != proto.StateConnected {
		code := proto.ErrNotConnected
		msg := "not connected to an RDP server"
		if s.state == proto.StateFailed {
			code = proto.ErrChannelClosed
			msg = "the RDP stream failed; reconnect to recover"
		}
		return nil, nil, nil, nil, nil, &proto.ErrorInfo{Code: code, Message: msg}
	}
	return s.mux, s.fb, s.clip, s.drive, s.auto, nil
}

// Screenshot returns one consistent frame encoded as PNG or JPEG.
func (s *Session) Screenshot(format proto.ImageFormat) (*proto.ScreenshotData, error) {
	_, fb, _, _, _, err := s.handlers()
	if err != nil {
		return nil, err
	}
	return encodeScreenshot(fb, format, 90)
}

// Clipboard returns the clipboard handler.
func (s *Session) Clipboard() (*cliprdr.Handler, error) {
	_, _, clip, _, _, err := s.handlers()
	if err != nil {
		return nil, err
	}
	if clip == nil {
		return nil, &proto.ErrorInfo{Code: proto.ErrClipboardError, Message: "clipboard channel was not negotiated"}
	}
	return clip, nil
}

// Drives lists the announced drive table.
func (s *Session) Drives() ([]proto.MappedDrive, error) {
	_, _, _, drive, _, err := s.handlers()
	if err != nil {
		return nil, err
	}
	if drive == nil {
		return []proto.MappedDrive{}, nil
	}
	var out []proto.MappedDrive
	for _, d := range drive.Drives() {
		out = append(out, proto.MappedDrive{Name: d.Name, Path: d.Root})
	}
	return out, nil
}

// Automate performs one automation exchange.
func (s *Session) Automate(ctx context.Context, req *proto.AutomateRequest) (*AutomationResult, error) {
	_, _, _, _, auto, err := s.handlers()
	if err != nil {
		return nil, err
	}
	if auto == nil {
		return nil, &proto.ErrorInfo{Code: proto.ErrAutomationNotEnabled, Message: "automation channel was not negotiated"}
	}

	timeout := time.Duration(0)
	switch req.Op {
	case "snapshot":
		timeout = 30 * time.Second
	case "wait_for":
		if ms := req.TimeoutMSHint(); ms > 0 {
			timeout = time.Duration(ms)*time.Millisecond + 2*time.Second
		} else {
			timeout = 32 * time.Second
		}
	}
	return auto.Request(ctx, req.Op, req.ParamsJSON(), timeout)
}

// Info reports the session snapshot.
func (s *Session) Info() proto.SessionInfoData {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := proto.SessionInfoData{
		Type:       "session_info",
		Name:       s.name,
		State:      s.state,
		PID:        os.Getpid(),
		UptimeSecs: int64(time.Since(s.startTime).Seconds()),
	}
	if s.state == proto.StateConnected {
		info.Host = s.host
		info.Width = s.width
		info.Height = s.height
		if s.conn != nil {
			info.BytesIn = s.conn.BytesIn()
			info.BytesOut = s.conn.BytesOut()
		}
		if s.fb != nil {
			info.Frames = s.fb.Frames()
		}
	}
	return info
}

// Pointer returns the last known pointer position.
func (s *Session) Pointer() (uint16, uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointerX, s.pointerY
}

// setPointer records the position after client-driven movement.
func (s *Session) setPointer(x, y uint16) {
	s.mu.Lock()
	s.pointerX, s.pointerY = x, y
	s.mu.Unlock()
}
