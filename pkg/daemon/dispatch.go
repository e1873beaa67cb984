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
	"time"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
)

// requestTimeout bounds one IPC request; automation commands carry their
// own deadlines inside the DVC handler.
const requestTimeout = 30 * time.Second

// Dispatch routes one decoded request to its handler and renders the
// response. ctx is cancelled when the IPC client disconnects.
func (d *Daemon) Dispatch(ctx context.Context, req *proto.Request) *proto.Response {
	if req.Type != proto.TypeAutomate {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	switch req.Type {
	case proto.TypePing:
		return proto.Success(proto.PongData{Type: "pong"})

	case proto.TypeSessionInfo:
		return proto.Success(d.session.Info())

	case proto.TypeConnect:
		if req.Connect.Host == "" {
			return proto.Error(proto.ErrInvalidRequest, "connect requires a host")
		}
		// Environment/config supply streaming defaults the request omits
		if req.Connect.StreamPort == 0 {
			req.Connect.StreamPort = d.cfg.StreamPort
		}
		if req.Connect.StreamFPS == 0 {
			req.Connect.StreamFPS = d.cfg.StreamFPS
		}
		if req.Connect.StreamQuality == 0 {
			req.Connect.StreamQuality = d.cfg.StreamQuality
		}
		if err := d.session.Connect(req.Connect); err != nil {
			return proto.ErrorFrom(proto.ErrConnectionFailed, err)
		}
		w, h := req.Connect.Width, req.Connect.Height
		if info := d.session.Info(); info.Width != 0 {
			w, h = info.Width, info.Height
		}
		return proto.Success(proto.ConnectedData{
			Type:   "connected",
			Host:   req.Connect.Host,
			Width:  w,
			Height: h,
		})

	case proto.TypeDisconnect:
		if err := d.session.Disconnect(); err != nil {
			return proto.ErrorFrom(proto.ErrInternalError, err)
		}
		return proto.Ok()

	case proto.TypeScreenshot:
		data, err := d.session.Screenshot(req.Screenshot.Format)
		if err != nil {
			return proto.ErrorFrom(proto.ErrInternalError, err)
		}
		return proto.Success(data)

	case proto.TypeMouse:
		if err := d.session.Mouse(req.Mouse); err != nil {
			return proto.ErrorFrom(proto.ErrInternalError, err)
		}
		return proto.Ok()

	case proto.TypeKeyboard:
		if err := d.session.Keyboard(req.Keyboard); err != nil {
			return proto.ErrorFrom(proto.ErrInternalError, err)
		}
		return proto.Ok()

	case proto.TypeScroll:
		if err := d.session.Scroll(req.Scroll); err != nil {
			return proto.ErrorFrom(proto.ErrInternalError, err)
		}
		return proto.Ok()

	case proto.TypeClipboard:
		return d.dispatchClipboard(ctx, req.Clipboard)

	case proto.TypeDrive:
		if req.Drive.Action != "" && req.Drive.Action != "list" {
			return proto.Error(proto.ErrInvalidRequest, "drives are fixed at connect time; only list is supported")
		}
		drives, err := d.session.Drives()
		if err != nil {
			return proto.ErrorFrom(proto.ErrDriveError, err)
		}
		return proto.Success(proto.DriveListData{Type: "drive_list", Drives: drives})

	case proto.TypeAutomate:
		return d.dispatchAutomate(ctx, req.Automate)

	case proto.TypeLocate:
		data, err := d.session.Locate(d.locator, req.Locate)
		if err != nil {
			return proto.ErrorFrom(proto.ErrInternalError, err)
		}
		return proto.Success(data)

	case proto.TypeShutdown:
		d.requestShutdown()
		return proto.Ok()

	default:
		return proto.Error(proto.ErrInvalidRequest, "unknown request type "+req.Type)
	}
}

func (d *Daemon) dispatchClipboard(ctx context.Context, req *proto.ClipboardRequest) *proto.Response {
	clip, err := d.session.Clipboard()
	if err != nil {
		return proto.ErrorFrom(proto.ErrClipboardError, err)
	}

	switch req.Action {
	case proto.ClipboardGet:
		text, err := clip.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return proto.Error(proto.ErrTimeout, "clipboard get timed out")
			}
			return proto.Error(proto.ErrClipboardError, err.Error())
		}
		return proto.Success(proto.ClipboardData{Type: "clipboard", Text: text})

	case proto.ClipboardSet:
		if err := clip.Set(ctx, req.Text); err != nil {
			if ctx.Err() != nil {
				return proto.Error(proto.ErrTimeout, "clipboard set timed out")
			}
			return proto.Error(proto.ErrClipboardError, err.Error())
		}
		return proto.Ok()

	default:
		return proto.Error(proto.ErrInvalidRequest, "unknown clipboard action "+req.Action)
	}
}

func (d *Daemon) dispatchAutomate(ctx context.Context, req *proto.AutomateRequest) *proto.Response {
	result, err := d.session.Automate(ctx, req)
	if err != nil {
		return proto.ErrorFrom(proto.ErrAutomationError, err)
	}
	if !result.Success {
		code := proto.ErrCommandFailed
		message := "automation command failed"
		if result.Error != nil {
			message = result.Error.Message
			switch result.Error.Code {
			case "element_not_found":
				code = proto.ErrElementNotFound
			case "stale_ref":
				code = proto.ErrStaleRef
			case string(proto.ErrChannelClosed):
				code = proto.ErrChannelClosed
			case "invalid_request":
				code = proto.ErrInvalidRequest
			}
		}
		return proto.Error(code, message)
	}
	data := result.Data
	if data == nil {
		data = json.RawMessage("null")
	}
	return &proto.Response{Success: true, Data: data}
}
