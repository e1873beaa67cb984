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
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"image/png"
	"time"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
	"github.com/agent-rdp/agent-rdp/pkg/rdp"
)

// typeCharDelay paces Unicode typing; bursts get swallowed by slow
// guests.
const typeCharDelay = 25 * time.Millisecond

func buttonFlag(button proto.MouseButton) (uint16, error) {
	switch button {
	case proto.ButtonLeft, "":
		return rdp.PTRFLAGS_BUTTON1, nil
	case proto.ButtonRight:
		return rdp.PTRFLAGS_BUTTON2, nil
	case proto.ButtonMiddle:
		return rdp.PTRFLAGS_BUTTON3, nil
	default:
		return 0, &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: fmt.Sprintf("unknown mouse button %q", button)}
	}
}

// Mouse performs one pointer operation.
func (s *Session) Mouse(req *proto.MouseRequest) error {
	mux, _, _, _, _, err := s.handlers()
	if err != nil {
		return err
	}

	click := func(x, y uint16, flag uint16) error {
		events := []rdp.InputEvent{
			rdp.MouseEvent{Flags: rdp.PTRFLAGS_MOVE, X: x, Y: y},
			rdp.MouseEvent{Flags: flag | rdp.PTRFLAGS_DOWN, X: x, Y: y},
			rdp.MouseEvent{Flags: flag, X: x, Y: y},
		}
		s.setPointer(x, y)
		return mux.SendInput(events)
	}

	switch req.Action {
	case proto.MouseMove:
		s.setPointer(req.X, req.Y)
		return mux.SendInput([]rdp.InputEvent{
			rdp.MouseEvent{Flags: rdp.PTRFLAGS_MOVE, X: req.X, Y: req.Y},
		})

	case proto.MouseClick:
		flag, err := buttonFlag(req.Button)
		if err != nil {
			return err
		}
		return click(req.X, req.Y, flag)

	case proto.MouseRightClick:
		return click(req.X, req.Y, rdp.PTRFLAGS_BUTTON2)

	case proto.MouseMiddleClick:
		return click(req.X, req.Y, rdp.PTRFLAGS_BUTTON3)

	case proto.MouseDoubleClick:
		if err := click(req.X, req.Y, rdp.PTRFLAGS_BUTTON1); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
		return click(req.X, req.Y, rdp.PTRFLAGS_BUTTON1)

	case proto.MouseDrag:
		events := []rdp.InputEvent{
			rdp.MouseEvent{Flags: rdp.PTRFLAGS_MOVE, X: req.FromX, Y: req.FromY},
			rdp.MouseEvent{Flags: rdp.PTRFLAGS_BUTTON1 | rdp.PTRFLAGS_DOWN, X: req.FromX, Y: req.FromY},
		}
		if err := mux.SendInput(events); err != nil {
			return err
		}
		// A few intermediate moves so drag-sensitive UIs track the path
		steps := 8
		for i := 1; i <= steps; i++ {
			x := uint16(int(req.FromX) + (int(req.ToX)-int(req.FromX))*i/steps)
			y := uint16(int(req.FromY) + (int(req.ToY)-int(req.FromY))*i/steps)
			if err := mux.SendInput([]rdp.InputEvent{
				rdp.MouseEvent{Flags: rdp.PTRFLAGS_MOVE, X: x, Y: y},
			}); err != nil {
				return err
			}
			time.Sleep(15 * time.Millisecond)
		}
		s.setPointer(req.ToX, req.ToY)
		return mux.SendInput([]rdp.InputEvent{
			rdp.MouseEvent{Flags: rdp.PTRFLAGS_BUTTON1, X: req.ToX, Y: req.ToY},
		})

	case proto.MouseButtonDown:
		flag, err := buttonFlag(req.Button)
		if err != nil {
			return err
		}
		x, y := s.Pointer()
		return mux.SendInput([]rdp.InputEvent{
			rdp.MouseEvent{Flags: flag | rdp.PTRFLAGS_DOWN, X: x, Y: y},
		})

	case proto.MouseButtonUp:
		flag, err := buttonFlag(req.Button)
		if err != nil {
			return err
		}
		x, y := s.Pointer()
		return mux.SendInput([]rdp.InputEvent{
			rdp.MouseEvent{Flags: flag, X: x, Y: y},
		})

	default:
		return &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: fmt.Sprintf("unknown mouse action %q", req.Action)}
	}
}

// Keyboard performs one keyboard operation.
func (s *Session) Keyboard(req *proto.KeyboardRequest) error {
	mux, _, _, _, _, err := s.handlers()
	if err != nil {
		return err
	}

	switch req.Action {
	case proto.KeyboardType:
		// One code point at a time, auto-released
		for _, r := range req.Text {
			events := []rdp.InputEvent{
				rdp.UnicodeEvent{Code: uint16(r)},
				rdp.UnicodeEvent{Code: uint16(r), Release: true},
			}
			if err := mux.SendInput(events); err != nil {
				return err
			}
			time.Sleep(typeCharDelay)
		}
		return nil

	case proto.KeyboardPress:
		infos, err := ParseKeyCombination(req.Keys)
		if err != nil {
			return &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: err.Error()}
		}
		// All keys down in order, then up in reverse
		for _, info := range infos {
			if err := mux.SendInput([]rdp.InputEvent{
				rdp.KeyboardEvent{Scancode: info.Scancode, Extended: info.Extended},
			}); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(30 * time.Millisecond)
		for i := len(infos) - 1; i >= 0; i-- {
			info := infos[i]
			if err := mux.SendInput([]rdp.InputEvent{
				rdp.KeyboardEvent{Scancode: info.Scancode, Extended: info.Extended, Release: true},
			}); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil

	case proto.KeyboardKeyDown, proto.KeyboardKeyUp:
		info, ok := LookupKey(req.Key)
		if !ok {
			return &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: fmt.Sprintf("unknown key: %s", req.Key)}
		}
		return mux.SendInput([]rdp.InputEvent{
			rdp.KeyboardEvent{
				Scancode: info.Scancode,
				Extended: info.Extended,
				Release:  req.Action == proto.KeyboardKeyUp,
			},
		})

	default:
		return &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: fmt.Sprintf("unknown keyboard action %q", req.Action)}
	}
}

// Scroll performs wheel rotation, optionally moving the pointer first.
func (s *Session) Scroll(req *proto.ScrollRequest) error {
	mux, _, _, _, _, err := s.handlers()
	if err != nil {
		return err
	}

	x, y := s.Pointer()
	if req.X != nil && req.Y != nil {
		x, y = *req.X, *req.Y
		s.setPointer(x, y)
		if err := mux.SendInput([]rdp.InputEvent{
			rdp.MouseEvent{Flags: rdp.PTRFLAGS_MOVE, X: x, Y: y},
		}); err != nil {
			return err
		}
	}

	amount := req.Amount
	if amount <= 0 {
		amount = 3
	}

	// 120 units per notch; negative rotation is two's complement in the
	// low 8 bits under the negative flag (0x100 - 120 = 0x88)
	var flags uint16
	switch req.Direction {
	case proto.ScrollUp:
		flags = rdp.PTRFLAGS_WHEEL | 0x0078
	case proto.ScrollDown:
		flags = rdp.PTRFLAGS_WHEEL | rdp.PTRFLAGS_WHEEL_NEGATIVE | 0x0088
	case proto.ScrollRight:
		flags = rdp.PTRFLAGS_HWHEEL | 0x0078
	case proto.ScrollLeft:
		flags = rdp.PTRFLAGS_HWHEEL | rdp.PTRFLAGS_WHEEL_NEGATIVE | 0x0088
	default:
		return &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: fmt.Sprintf("unknown scroll direction %q", req.Direction)}
	}

	for i := 0; i < amount; i++ {
		if err := mux.SendInput([]rdp.InputEvent{
			rdp.MouseEvent{Flags: flags, X: x, Y: y},
		}); err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// encodeScreenshot encodes one frame buffer snapshot. The pixel copy is
// taken under the read lock; encoding happens after it is released.
func encodeScreenshot(fb *FrameBuffer, format proto.ImageFormat, jpegQuality int) (*proto.ScreenshotData, error) {
	img := fb.Snapshot()
	w, h := fb.Size()

	var buf bytes.Buffer
	switch format {
	case proto.FormatPNG, "":
		format = proto.FormatPNG
		if err := png.Encode(&buf, img); err != nil {
			return nil, &proto.ErrorInfo{Code: proto.ErrInternalError, Message: err.Error()}
		}
	case proto.FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, &proto.ErrorInfo{Code: proto.ErrInternalError, Message: err.Error()}
		}
	default:
		return nil, &proto.ErrorInfo{Code: proto.ErrInvalidRequest, Message: fmt.Sprintf("unknown image format %q", format)}
	}

	return &proto.ScreenshotData{
		Type:   "screenshot",
		Width:  w,
		Height: h,
		Format: string(format),
		Base64: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
