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

package rdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Fast-path input event codes (MS-RDPBCGR 2.2.8.1.2.2)
const (
	FASTPATH_INPUT_EVENT_SCANCODE = 0x0
	FASTPATH_INPUT_EVENT_MOUSE    = 0x1
	FASTPATH_INPUT_EVENT_MOUSEX   = 0x2
	FASTPATH_INPUT_EVENT_SYNC     = 0x3
	FASTPATH_INPUT_EVENT_UNICODE  = 0x4

	FASTPATH_INPUT_KBDFLAGS_RELEASE  = 0x01
	FASTPATH_INPUT_KBDFLAGS_EXTENDED = 0x02
)

// Fast-path update codes (MS-RDPBCGR 2.2.9.1.2.1)
const (
	FASTPATH_UPDATETYPE_ORDERS       = 0x0
	FASTPATH_UPDATETYPE_BITMAP       = 0x1
	FASTPATH_UPDATETYPE_PALETTE      = 0x2
	FASTPATH_UPDATETYPE_SYNCHRONIZE  = 0x3
	FASTPATH_UPDATETYPE_SURFCMDS     = 0x4
	FASTPATH_UPDATETYPE_PTR_NULL     = 0x5
	FASTPATH_UPDATETYPE_PTR_DEFAULT  = 0x6
	FASTPATH_UPDATETYPE_PTR_POSITION = 0x8
	FASTPATH_UPDATETYPE_COLOR        = 0x9
	FASTPATH_UPDATETYPE_CACHED       = 0xA
	FASTPATH_UPDATETYPE_POINTER      = 0xB

	FASTPATH_FRAGMENT_SINGLE = 0x0
	FASTPATH_FRAGMENT_LAST   = 0x1
	FASTPATH_FRAGMENT_FIRST  = 0x2
	FASTPATH_FRAGMENT_NEXT   = 0x3

	FASTPATH_OUTPUT_COMPRESSION_USED = 0x2
)

// InputEvent is one fast-path input event.
type InputEvent interface {
	encode(buf *bytes.Buffer)
}

// KeyboardEvent is a scancode key event.
type KeyboardEvent struct {
	Scancode byte
	Extended bool
	Release  bool
}

func (e KeyboardEvent) encode(buf *bytes.Buffer) {
	var flags byte
	if e.Release {
		flags |= FASTPATH_INPUT_KBDFLAGS_RELEASE
	}
	if e.Extended {
		flags |= FASTPATH_INPUT_KBDFLAGS_EXTENDED
	}
	buf.WriteByte(flags | FASTPATH_INPUT_EVENT_SCANCODE<<5)
	buf.WriteByte(e.Scancode)
}

// UnicodeEvent is a Unicode key event.
type UnicodeEvent struct {
	Code    uint16
	Release bool
}

func (e UnicodeEvent) encode(buf *bytes.Buffer) {
	var flags byte
	if e.Release {
		flags |= FASTPATH_INPUT_KBDFLAGS_RELEASE
	}
	buf.WriteByte(flags | FASTPATH_INPUT_EVENT_UNICODE<<5)
	binary.Write(buf, binary.LittleEndian, e.Code)
}

// MouseEvent is a pointer event.
type MouseEvent struct {
	Flags uint16
	X     uint16
	Y     uint16
}

func (e MouseEvent) encode(buf *bytes.Buffer) {
	buf.WriteByte(FASTPATH_INPUT_EVENT_MOUSE << 5)
	binary.Write(buf, binary.LittleEndian, e.Flags)
	binary.Write(buf, binary.LittleEndian, e.X)
	binary.Write(buf, binary.LittleEndian, e.Y)
}

// SyncEvent carries keyboard toggle state.
type SyncEvent struct {
	Flags byte
}

func (e SyncEvent) encode(buf *bytes.Buffer) {
	buf.WriteByte(e.Flags&0x1F | FASTPATH_INPUT_EVENT_SYNC<<5)
}

// encodeFastPathInput builds one client fast-path input PDU for up to 15
// events (MS-RDPBCGR 2.2.8.1.2). Callers chunk longer sequences.
func encodeFastPathInput(events []InputEvent) ([]byte, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("no input events")
	}
	if len(events) > 15 {
		return nil, fmt.Errorf("too many events for one fast-path PDU: %d", len(events))
	}

	body := new(bytes.Buffer)
	for _, ev := range events {
		ev.encode(body)
	}

	// fpInputHeader: action=FASTPATH_INPUT_ACTION_FASTPATH(0),
	// numEvents in bits 2..5
	header := byte(len(events)) << 2

	// Length includes the header and length bytes themselves. The 2-byte
	// form carries the high bit in the first byte.
	total := 1 + 1 + body.Len()
	buf := new(bytes.Buffer)
	buf.WriteByte(header)
	if total+1 <= 127 {
		buf.WriteByte(byte(total))
	} else {
		total++ // second length byte
		buf.WriteByte(0x80 | byte(total>>8))
		buf.WriteByte(byte(total))
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// FastPathUpdate is one decoded server fast-path update.
type FastPathUpdate struct {
	Code byte
	Data []byte
}

// parseFastPathUpdates walks the update PDUs inside a fast-path output
// payload. Compressed updates are rejected; compression is declined at
// capability exchange so a compliant server never sends them.
func parseFastPathUpdates(data []byte, frag *fastPathFragments) ([]FastPathUpdate, error) {
	var updates []FastPathUpdate
	pos := 0
	for pos+3 <= len(data) {
		updateHeader := data[pos]
		code := updateHeader & 0x0F
		fragmentation := (updateHeader >> 4) & 0x3
		compression := (updateHeader >> 6) & 0x3
		pos++

		if compression == FASTPATH_OUTPUT_COMPRESSION_USED {
			return nil, fmt.Errorf("compressed fast-path update (code 0x%X) not negotiated", code)
		}

		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated fast-path update size")
		}
		size := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2

		if pos+size > len(data) {
			return nil, fmt.Errorf("fast-path update overruns payload: %d > %d", size, len(data)-pos)
		}
		payload := data[pos : pos+size]
		pos += size

		switch fragmentation {
		case FASTPATH_FRAGMENT_SINGLE:
			updates = append(updates, FastPathUpdate{Code: code, Data: payload})
		case FASTPATH_FRAGMENT_FIRST:
			frag.reset(code)
			frag.append(payload)
		case FASTPATH_FRAGMENT_NEXT:
			frag.append(payload)
		case FASTPATH_FRAGMENT_LAST:
			frag.append(payload)
			updates = append(updates, FastPathUpdate{Code: frag.code, Data: frag.take()})
		}
	}
	return updates, nil
}

// fastPathFragments reassembles fragmented fast-path updates.
type fastPathFragments struct {
	code byte
	buf  bytes.Buffer
}

func (f *fastPathFragments) reset(code byte) {
	f.code = code
	f.buf.Reset()
}

func (f *fastPathFragments) append(data []byte) {
	f.buf.Write(data)
}

func (f *fastPathFragments) take() []byte {
	out := make([]byte, f.buf.Len())
	copy(out, f.buf.Bytes())
	f.buf.Reset()
	return out
}
