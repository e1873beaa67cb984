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

package proto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeConnectRequest(t *testing.T) {
	line := `{"type":"connect","host":"h","port":3389,"username":"u","password":"p","width":1280,"height":800,"drives":[],"enable_win_automation":false}`
	req, err := DecodeRequest([]byte(line))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Type != TypeConnect || req.Connect == nil {
		t.Fatalf("req = %+v", req)
	}
	c := req.Connect
	if c.Host != "h" || c.Port != 3389 || c.Username != "u" || c.Password != "p" {
		t.Errorf("connect fields = %+v", c)
	}
	if c.Width != 1280 || c.Height != 800 {
		t.Errorf("size = %dx%d", c.Width, c.Height)
	}
	if c.EnableWinAutomation {
		t.Error("automation flag should be false")
	}
	// Defaults that the line omitted
	if c.StreamFPS != 10 || c.StreamQuality != 80 {
		t.Errorf("stream defaults = %d/%d", c.StreamFPS, c.StreamQuality)
	}
}

func TestDecodeConnectDrives(t *testing.T) {
	line := `{"type":"connect","host":"h","username":"u","password":"p","drives":[{"path":"/tmp/shared","name":"Shared"}]}`
	req, err := DecodeRequest([]byte(line))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if len(req.Connect.Drives) != 1 {
		t.Fatalf("drives = %+v", req.Connect.Drives)
	}
	if req.Connect.Drives[0].Name != "Shared" || req.Connect.Drives[0].Path != "/tmp/shared" {
		t.Errorf("drive = %+v", req.Connect.Drives[0])
	}
	if req.Connect.Port != 3389 {
		t.Errorf("default port = %d", req.Connect.Port)
	}
}

func TestDecodeMouseRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"mouse","action":"click","x":100,"y":200}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Mouse.Action != MouseClick || req.Mouse.X != 100 || req.Mouse.Y != 200 {
		t.Errorf("mouse = %+v", req.Mouse)
	}
}

func TestDecodeKeyboardRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"keyboard","action":"press","keys":"ctrl+shift+esc"}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Keyboard.Action != KeyboardPress || req.Keyboard.Keys != "ctrl+shift+esc" {
		t.Errorf("keyboard = %+v", req.Keyboard)
	}
}

func TestDecodeAutomateRequestPreservesParams(t *testing.T) {
	line := `{"type":"automate","op":"snapshot","interactive_only":true,"compact":false,"max_depth":10,"focused":false}`
	req, err := DecodeRequest([]byte(line))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Automate.Op != "snapshot" {
		t.Fatalf("op = %q", req.Automate.Op)
	}

	var params map[string]any
	if err := json.Unmarshal(req.Automate.ParamsJSON(), &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["interactive_only"] != true {
		t.Errorf("interactive_only = %v", params["interactive_only"])
	}
	if params["max_depth"] != float64(10) {
		t.Errorf("max_depth = %v", params["max_depth"])
	}
	if _, ok := params["op"]; ok {
		t.Error("op leaked into params")
	}
	if _, ok := params["type"]; ok {
		t.Error("type leaked into params")
	}
}

func TestAutomateTimeoutHint(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"automate","op":"wait_for","selector":"@e1","timeout_ms":45000}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got := req.Automate.TimeoutMSHint(); got != 45000 {
		t.Errorf("TimeoutMSHint() = %d", got)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	tests := []string{
		`{}`,
		`{"type":"warp"}`,
		`{"type":"automate","selector":"@e1"}`, // missing op
		`garbage`,
	}
	for _, line := range tests {
		if _, err := DecodeRequest([]byte(line)); err == nil {
			t.Errorf("DecodeRequest(%q) accepted invalid input", line)
		}
	}
}

func TestResponseEncoding(t *testing.T) {
	resp := Success(ConnectedData{Type: "connected", Host: "h", Width: 1280, Height: 800})
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(out)
	for _, want := range []string{`"success":true`, `"type":"connected"`, `"host":"h"`, `"width":1280`} {
		if !strings.Contains(s, want) {
			t.Errorf("response %s missing %s", s, want)
		}
	}
	if strings.Contains(s, `"error"`) {
		t.Errorf("success response carries an error field: %s", s)
	}
}

func TestErrorResponseEncoding(t *testing.T) {
	resp := Error(ErrConnectionFailed, "connection refused")
	out, _ := json.Marshal(resp)
	s := string(out)
	for _, want := range []string{`"success":false`, `"code":"connection_failed"`, `"message":"connection refused"`} {
		if !strings.Contains(s, want) {
			t.Errorf("response %s missing %s", s, want)
		}
	}
	if strings.Contains(s, `"data"`) {
		t.Errorf("error response carries a data field: %s", s)
	}
}

func TestDvcRequestEncoding(t *testing.T) {
	out, err := EncodeDvcRequest("abc12345", "click", json.RawMessage(`{"selector":"@e2","double_click":false}`))
	if err != nil {
		t.Fatalf("EncodeDvcRequest() error = %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(out, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "request" || msg["id"] != "abc12345" || msg["command"] != "click" {
		t.Errorf("envelope = %v", msg)
	}
	params := msg["params"].(map[string]any)
	if params["selector"] != "@e2" {
		t.Errorf("params = %v", params)
	}
}

func TestDvcRequestRejectsBadID(t *testing.T) {
	tests := []string{"", "short", "toolongid", "notahex!"}
	for _, id := range tests {
		if _, err := EncodeDvcRequest(id, "status", nil); err == nil {
			t.Errorf("EncodeDvcRequest(%q) accepted a bad id", id)
		}
	}
}

func TestDecodeDvcHandshake(t *testing.T) {
	payload := `{"type":"handshake","version":"1.2.0","agent_pid":4242,"capabilities":["snapshot","click"]}`
	env, err := DecodeDvcMessage([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeDvcMessage() error = %v", err)
	}
	if env.Type != DvcHandshake || env.Version != "1.2.0" || env.AgentPID != 4242 {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Capabilities) != 2 {
		t.Errorf("capabilities = %v", env.Capabilities)
	}
}

func TestDecodeDvcMessageBOM(t *testing.T) {
	payload := "\ufeff" + `{"type":"response","id":"abc12345","success":true,"data":null,"error":null}`
	env, err := DecodeDvcMessage([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeDvcMessage() error = %v", err)
	}
	if env.Type != DvcResponse || env.ID != "abc12345" || !env.Success {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDecodeDvcMessageRejectsGarbage(t *testing.T) {
	for _, payload := range []string{"", "   ", "{}", "nope"} {
		if _, err := DecodeDvcMessage([]byte(payload)); err == nil {
			t.Errorf("DecodeDvcMessage(%q) accepted invalid input", payload)
		}
	}
}
