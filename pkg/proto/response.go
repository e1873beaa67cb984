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

import "encoding/json"

// Response is one IPC reply line.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Ok returns a bare success response ({"type":"ok"}).
func Ok() *Response {
	return Success(map[string]any{"type": "ok"})
}

// Success wraps data in a success response. data must marshal cleanly;
// a marshal failure degrades to an internal_error response.
func Success(data any) *Response {
	b, err := json.Marshal(data)
	if err != nil {
		return Error(ErrInternalError, err.Error())
	}
	return &Response{Success: true, Data: b}
}

// Error builds a failure response.
func Error(code ErrorCode, message string) *Response {
	return &Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// ErrorFrom converts an error into a failure response, passing typed
// *ErrorInfo through and defaulting everything else to the given code.
func ErrorFrom(fallback ErrorCode, err error) *Response {
	if info, ok := err.(*ErrorInfo); ok {
		return &Response{Success: false, Error: info}
	}
	return Error(fallback, err.Error())
}

// ConnectionState of the session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// ConnectedData is the payload of a successful connect.
type ConnectedData struct {
	Type   string `json:"type"`
	Host   string `json:"host"`
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

// ScreenshotData carries an encoded frame.
type ScreenshotData struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Base64 string `json:"base64"`
}

// ClipboardData carries clipboard text.
type ClipboardData struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionInfoData describes the daemon and its connection.
type SessionInfoData struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	State      ConnectionState `json:"state"`
	Host       string          `json:"host,omitempty"`
	Width      uint16          `json:"width,omitempty"`
	Height     uint16          `json:"height,omitempty"`
	PID        int             `json:"pid"`
	UptimeSecs int64           `json:"uptime_secs"`
	BytesIn    uint64          `json:"bytes_in"`
	BytesOut   uint64          `json:"bytes_out"`
	Frames     uint64          `json:"frames"`
}

// MappedDrive is one entry of a drive list response.
type MappedDrive struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DriveListData lists the drives announced to the guest.
type DriveListData struct {
	Type   string        `json:"type"`
	Drives []MappedDrive `json:"drives"`
}

// PongData answers a ping.
type PongData struct {
	Type string `json:"type"`
}

// OcrMatch is one text region found on screen.
type OcrMatch struct {
	Text    string `json:"text"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	CenterX int    `json:"center_x"`
	CenterY int    `json:"center_y"`
}

// LocateData is the OCR locate result.
type LocateData struct {
	Type       string     `json:"type"`
	Matches    []OcrMatch `json:"matches"`
	TotalWords int        `json:"total_words"`
}
