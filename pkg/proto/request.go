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

// Package proto defines the JSON line protocol spoken between local clients
// and the session daemon, and the message shapes of the automation dynamic
// virtual channel.
package proto

import (
	"encoding/json"
	"fmt"
)

// Request type tags.
const (
	TypeConnect     = "connect"
	TypeDisconnect  = "disconnect"
	TypeScreenshot  = "screenshot"
	TypeMouse       = "mouse"
	TypeKeyboard    = "keyboard"
	TypeScroll      = "scroll"
	TypeClipboard   = "clipboard"
	TypeDrive       = "drive"
	TypeAutomate    = "automate"
	TypeLocate      = "locate"
	TypeSessionInfo = "session_info"
	TypePing        = "ping"
	TypeShutdown    = "shutdown"
)

// Request is a decoded IPC request. At most one of the pointer fields is
// populated, selected by Type; types without a body populate none.
type Request struct {
	Type string `json:"type"`

	Connect    *ConnectRequest    `json:"-"`
	Screenshot *ScreenshotRequest `json:"-"`
	Mouse      *MouseRequest      `json:"-"`
	Keyboard   *KeyboardRequest   `json:"-"`
	Scroll     *ScrollRequest     `json:"-"`
	Clipboard  *ClipboardRequest  `json:"-"`
	Drive      *DriveRequest      `json:"-"`
	Automate   *AutomateRequest   `json:"-"`
	Locate     *LocateRequest     `json:"-"`
}

// DecodeRequest parses one IPC line into a tagged request.
func DecodeRequest(line []byte) (*Request, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &tag); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	req := &Request{Type: tag.Type}

	var err error
	switch tag.Type {
	case TypeConnect:
		req.Connect = &ConnectRequest{
			Port:          3389,
			Width:         1280,
			Height:        800,
			StreamFPS:     10,
			StreamQuality: 80,
		}
		err = json.Unmarshal(line, req.Connect)
	case TypeScreenshot:
		req.Screenshot = &ScreenshotRequest{Format: FormatPNG}
		err = json.Unmarshal(line, req.Screenshot)
	case TypeMouse:
		req.Mouse = &MouseRequest{}
		err = json.Unmarshal(line, req.Mouse)
	case TypeKeyboard:
		req.Keyboard = &KeyboardRequest{}
		err = json.Unmarshal(line, req.Keyboard)
	case TypeScroll:
		req.Scroll = &ScrollRequest{Amount: 3}
		err = json.Unmarshal(line, req.Scroll)
	case TypeClipboard:
		req.Clipboard = &ClipboardRequest{}
		err = json.Unmarshal(line, req.Clipboard)
	case TypeDrive:
		req.Drive = &DriveRequest{}
		err = json.Unmarshal(line, req.Drive)
	case TypeAutomate:
		req.Automate = &AutomateRequest{}
		err = json.Unmarshal(line, req.Automate)
	case TypeLocate:
		req.Locate = &LocateRequest{IgnoreCase: true}
		err = json.Unmarshal(line, req.Locate)
	case TypeDisconnect, TypeSessionInfo, TypePing, TypeShutdown:
		// no body
	case "":
		return nil, fmt.Errorf("request has no type")
	default:
		return nil, fmt.Errorf("unknown request type %q", tag.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", tag.Type, err)
	}
	return req, nil
}

// DriveMapping names a local directory exposed to the guest as a drive.
type DriveMapping struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// ConnectRequest carries RDP connection parameters.
type ConnectRequest struct {
	Host                string         `json:"host"`
	Port                uint16         `json:"port"`
	Username            string         `json:"username"`
	Password            string         `json:"password"`
	Domain              string         `json:"domain,omitempty"`
	Width               uint16         `json:"width"`
	Height              uint16         `json:"height"`
	Drives              []DriveMapping `json:"drives"`
	EnableWinAutomation bool           `json:"enable_win_automation"`
	StreamPort          uint16         `json:"stream_port"`
	StreamFPS           int            `json:"stream_fps"`
	StreamQuality       int            `json:"stream_quality"`
	ServeViewer         bool           `json:"serve_viewer"`
}

// ImageFormat selects the screenshot encoding.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// ScreenshotRequest asks for the current frame buffer contents.
type ScreenshotRequest struct {
	Format ImageFormat `json:"format"`
}

// Mouse actions.
const (
	MouseMove        = "move"
	MouseClick       = "click"
	MouseRightClick  = "right_click"
	MouseDoubleClick = "double_click"
	MouseMiddleClick = "middle_click"
	MouseDrag        = "drag"
	MouseButtonDown  = "button_down"
	MouseButtonUp    = "button_up"
)

// MouseButton identifies a pointer button.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// MouseRequest carries one pointer operation.
type MouseRequest struct {
	Action string      `json:"action"`
	X      uint16      `json:"x"`
	Y      uint16      `json:"y"`
	FromX  uint16      `json:"from_x"`
	FromY  uint16      `json:"from_y"`
	ToX    uint16      `json:"to_x"`
	ToY    uint16      `json:"to_y"`
	Button MouseButton `json:"button,omitempty"`
}

// Keyboard actions.
const (
	KeyboardType    = "type"
	KeyboardPress   = "press"
	KeyboardKeyDown = "key_down"
	KeyboardKeyUp   = "key_up"
)

// KeyboardRequest carries one keyboard operation.
type KeyboardRequest struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
	Keys   string `json:"keys,omitempty"`
	Key    string `json:"key,omitempty"`
}

// ScrollDirection for wheel events.
type ScrollDirection string

const (
	ScrollUp    ScrollDirection = "up"
	ScrollDown  ScrollDirection = "down"
	ScrollLeft  ScrollDirection = "left"
	ScrollRight ScrollDirection = "right"
)

// ScrollRequest carries a wheel operation. X/Y are optional; when present
// the pointer is moved there first.
type ScrollRequest struct {
	Direction ScrollDirection `json:"direction"`
	Amount    int             `json:"amount"`
	X         *uint16         `json:"x,omitempty"`
	Y         *uint16         `json:"y,omitempty"`
}

// Clipboard actions.
const (
	ClipboardGet = "get"
	ClipboardSet = "set"
)

// ClipboardRequest carries a clipboard operation.
type ClipboardRequest struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
}

// DriveRequest carries a drive-mapping operation. Drives are fixed at
// connect time; list is the only action.
type DriveRequest struct {
	Action string `json:"action"`
}

// AutomateRequest carries one UI-automation operation. Op is the command
// name forwarded to the in-guest helper; Params preserves every other field
// of the request object verbatim.
type AutomateRequest struct {
	Op     string
	Params map[string]json.RawMessage
}

// UnmarshalJSON splits the "op" tag from the remaining fields, which are
// kept raw so the helper sees exactly what the client sent.
func (a *AutomateRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	opRaw, ok := fields["op"]
	if !ok {
		return fmt.Errorf("automate request missing op")
	}
	if err := json.Unmarshal(opRaw, &a.Op); err != nil {
		return fmt.Errorf("automate op: %w", err)
	}
	delete(fields, "op")
	delete(fields, "type")
	a.Params = fields
	return nil
}

// ParamsJSON renders the preserved params as one JSON object.
func (a *AutomateRequest) ParamsJSON() json.RawMessage {
	if len(a.Params) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(a.Params)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// TimeoutMSHint extracts an explicit timeout from commands that carry one
// (wait_for's timeout_ms). Returns 0 when absent.
func (a *AutomateRequest) TimeoutMSHint() int64 {
	raw, ok := a.Params["timeout_ms"]
	if !ok {
		return 0
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0
	}
	return ms
}

// LocateRequest asks for OCR-based text location over a screenshot.
type LocateRequest struct {
	Text       string `json:"text"`
	Pattern    bool   `json:"pattern"`
	IgnoreCase bool   `json:"ignore_case"`
	All        bool   `json:"all"`
}
