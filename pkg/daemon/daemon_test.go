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
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agent-rdp/agent-rdp/pkg/bitmap"
	"github.com/agent-rdp/agent-rdp/pkg/proto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Session = "test-" + t.Name()
	return New(cfg, testLogger(), nil)
}

func dispatch(t *testing.T, d *Daemon, line string) *proto.Response {
	t.Helper()
	req, err := proto.DecodeRequest([]byte(line))
	if err != nil {
		t.Fatalf("DecodeRequest(%q) error = %v", line, err)
	}
	return d.Dispatch(context.Background(), req)
}

func TestDispatchPing(t *testing.T) {
	d := testDaemon(t)
	resp := dispatch(t, d, `{"type":"ping"}`)
	if !resp.Success {
		t.Fatalf("ping failed: %+v", resp.Error)
	}
	var data proto.PongData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("pong data: %v", err)
	}
	if data.Type != "pong" {
		t.Errorf("pong type = %q", data.Type)
	}
}

func TestDispatchSessionInfoDisconnected(t *testing.T) {
	d := testDaemon(t)
	resp := dispatch(t, d, `{"type":"session_info"}`)
	if !resp.Success {
		t.Fatalf("session_info failed: %+v", resp.Error)
	}
	var info proto.SessionInfoData
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		t.Fatalf("info data: %v", err)
	}
	if info.State != proto.StateDisconnected {
		t.Errorf("state = %q, want disconnected", info.State)
	}
	if info.PID == 0 {
		t.Error("pid missing")
	}
}

func TestDispatchNotConnectedErrors(t *testing.T) {
	d := testDaemon(t)

	tests := []struct {
		name string
		line string
	}{
		{"screenshot", `{"type":"screenshot","format":"png"}`},
		{"mouse", `{"type":"mouse","action":"click","x":1,"y":2}`},
		{"keyboard", `{"type":"keyboard","action":"type","text":"abc"}`},
		{"scroll", `{"type":"scroll","direction":"down"}`},
		{"drive list", `{"type":"drive","action":"list"}`},
		{"automate", `{"type":"automate","op":"status"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := dispatch(t, d, tt.line)
			if resp.Success {
				t.Fatal("request succeeded while disconnected")
			}
			if resp.Error.Code != proto.ErrNotConnected {
				t.Errorf("error code = %q, want not_connected", resp.Error.Code)
			}
		})
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	d := testDaemon(t)
	resp := dispatch(t, d, `{"type":"disconnect"}`)
	if resp.Success {
		t.Fatal("disconnect while disconnected should fail")
	}
	if resp.Error.Code != proto.ErrNotConnected {
		t.Errorf("error code = %q, want not_connected", resp.Error.Code)
	}
}

func TestDispatchInvalidKeyboard(t *testing.T) {
	testDaemon(t)
	// Even connected sessions reject unknown keys; here the session
	// check fires first, so force the parser path directly.
	if _, err := ParseKeyCombination("ctrl+bogus"); err == nil {
		t.Error("expected unknown key error")
	}
}

func TestDispatchUnknownType(t *testing.T) {
	if _, err := proto.DecodeRequest([]byte(`{"type":"warp"}`)); err == nil {
		t.Error("DecodeRequest accepted unknown type")
	}
	if _, err := proto.DecodeRequest([]byte(`not json`)); err == nil {
		t.Error("DecodeRequest accepted malformed JSON")
	}
}

func TestDispatchConnectRequiresHost(t *testing.T) {
	d := testDaemon(t)
	resp := dispatch(t, d, `{"type":"connect","port":3389,"username":"u","password":"p"}`)
	if resp.Success {
		t.Fatal("connect without host succeeded")
	}
	if resp.Error.Code != proto.ErrInvalidRequest {
		t.Errorf("error code = %q, want invalid_request", resp.Error.Code)
	}
}

func TestFrameBufferSnapshotConsistency(t *testing.T) {
	fb := NewFrameBuffer(64, 64)

	// Writer repaints the whole buffer with one value per pass; any
	// snapshot must observe a single value, never a mix.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v := byte(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			rect := &bitmap.Rect{Width: 64, Height: 64, Pixels: solidPixels(64, 64, v)}
			fb.Apply(rect)
			v++
		}
	}()

	for i := 0; i < 50; i++ {
		img := fb.Snapshot()
		first := img.Pix[0]
		for p := 0; p < len(img.Pix); p += 4 {
			if img.Pix[p] != first {
				t.Fatalf("snapshot mixes frames: pixel %d = %d, first = %d", p/4, img.Pix[p], first)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func solidPixels(w, h int, v byte) []byte {
	out := make([]byte, w*h*4)
	for i := 0; i < len(out); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = v, v, v, 0xFF
	}
	return out
}

func TestFrameBufferApplyClips(t *testing.T) {
	fb := NewFrameBuffer(4, 4)
	rect := &bitmap.Rect{Left: 2, Top: 2, Width: 4, Height: 4, Pixels: solidPixels(4, 4, 7)}
	fb.Apply(rect) // must not panic on out-of-bounds pixels

	img := fb.Snapshot()
	if img.Pix[(2*4+2)*4] != 7 {
		t.Error("in-bounds pixel not painted")
	}
	if img.Pix[0] == 7 {
		t.Error("out-of-region pixel painted")
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_RDP_SESSION", "envsess")
	t.Setenv("AGENT_RDP_PORT", "3390")
	t.Setenv("AGENT_RDP_STREAM_FPS", "25")
	t.Setenv("AGENT_RDP_STREAM_QUALITY", "55")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Session != "envsess" {
		t.Errorf("session = %q", cfg.Session)
	}
	if cfg.Port != 3390 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.StreamFPS != 25 {
		t.Errorf("fps = %d", cfg.StreamFPS)
	}
	if cfg.StreamQuality != 55 {
		t.Errorf("quality = %d", cfg.StreamQuality)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Session != "default" || cfg.Port != 3389 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.StreamFPS != 10 || cfg.StreamQuality != 80 {
		t.Errorf("stream defaults = fps %d quality %d", cfg.StreamFPS, cfg.StreamQuality)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("idle timeout = %v", cfg.IdleTimeout)
	}
}

func TestSessionPortStable(t *testing.T) {
	a := SessionPort("default")
	b := SessionPort("default")
	if a != b {
		t.Errorf("port not deterministic: %d vs %d", a, b)
	}
	if a < 49152 {
		t.Errorf("port %d below the ephemeral range", a)
	}
	if SessionPort("other") == a && SessionPort("another") == a {
		t.Error("distinct sessions all hash to one port")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	s := NewSession("t", testLogger())
	if s.State() != proto.StateDisconnected {
		t.Fatalf("initial state = %q", s.State())
	}

	err := s.Disconnect()
	info, ok := err.(*proto.ErrorInfo)
	if !ok || info.Code != proto.ErrNotConnected {
		t.Fatalf("disconnect while disconnected = %v, want not_connected", err)
	}
}
