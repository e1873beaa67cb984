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

// Package cliprdr implements the RDP clipboard redirection sub-protocol
// (MS-RDPECLIP): the capability handshake and Unicode text transfer in
// both directions.
package cliprdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Message types (MS-RDPECLIP 2.2.1)
const (
	CB_MONITOR_READY        = 0x0001
	CB_FORMAT_LIST          = 0x0002
	CB_FORMAT_LIST_RESPONSE = 0x0003
	CB_FORMAT_DATA_REQUEST  = 0x0004
	CB_FORMAT_DATA_RESPONSE = 0x0005
	CB_TEMP_DIRECTORY       = 0x0006
	CB_CLIP_CAPS            = 0x0007
	CB_FILECONTENTS_REQUEST = 0x0008
	CB_FILECONTENTS_RESPONSE = 0x0009
	CB_LOCK_CLIPDATA        = 0x000A
	CB_UNLOCK_CLIPDATA      = 0x000B
)

// Message flags
const (
	CB_RESPONSE_OK   = 0x0001
	CB_RESPONSE_FAIL = 0x0002
	CB_ASCII_NAMES   = 0x0004
)

// Capability constants
const (
	CB_CAPSTYPE_GENERAL = 0x0001
	CB_CAPS_VERSION_2   = 0x0002
)

// CF_UNICODETEXT is the only format carried; everything else is declined.
const CF_UNICODETEXT = 13

// Header is the CLIPRDR_HEADER preceding every clipboard PDU.
type Header struct {
	MsgType  uint16
	MsgFlags uint16
	DataLen  uint32
}

// Message is one decoded clipboard PDU.
type Message struct {
	Header Header
	Data   []byte
}

// Decode splits one complete channel payload into header and body.
func Decode(data []byte) (*Message, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("clipboard PDU too short: %d bytes", len(data))
	}
	msg := &Message{
		Header: Header{
			MsgType:  binary.LittleEndian.Uint16(data[0:]),
			MsgFlags: binary.LittleEndian.Uint16(data[2:]),
			DataLen:  binary.LittleEndian.Uint32(data[4:]),
		},
	}
	body := data[8:]
	if int(msg.Header.DataLen) < len(body) {
		body = body[:msg.Header.DataLen]
	}
	msg.Data = body
	return msg, nil
}

// Encode renders one clipboard PDU.
func Encode(msgType, msgFlags uint16, body []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, msgType)
	binary.Write(buf, binary.LittleEndian, msgFlags)
	binary.Write(buf, binary.LittleEndian, uint32(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// EncodeCapabilities builds the client CB_CLIP_CAPS message: one general
// capability set, version 2, no optional features.
func EncodeCapabilities() []byte {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint16(1)) // cCapabilitiesSets
	binary.Write(body, binary.LittleEndian, uint16(0)) // pad
	binary.Write(body, binary.LittleEndian, uint16(CB_CAPSTYPE_GENERAL))
	binary.Write(body, binary.LittleEndian, uint16(12))
	binary.Write(body, binary.LittleEndian, uint32(CB_CAPS_VERSION_2))
	binary.Write(body, binary.LittleEndian, uint32(0)) // generalFlags
	return Encode(CB_CLIP_CAPS, 0, body.Bytes())
}

// EncodeFormatList announces the given formats with short (32-byte)
// format names, all empty.
func EncodeFormatList(formats []uint32) []byte {
	body := new(bytes.Buffer)
	for _, f := range formats {
		binary.Write(body, binary.LittleEndian, f)
		body.Write(make([]byte, 32))
	}
	return Encode(CB_FORMAT_LIST, 0, body.Bytes())
}

// ParseFormatList extracts the format ids from a short-name format list.
func ParseFormatList(body []byte) []uint32 {
	var formats []uint32
	for len(body) >= 36 {
		formats = append(formats, binary.LittleEndian.Uint32(body))
		body = body[36:]
	}
	// Long-name lists (id + wide NUL-terminated name) fall back here
	for len(body) >= 6 {
		formats = append(formats, binary.LittleEndian.Uint32(body))
		body = body[4:]
		for len(body) >= 2 {
			isNul := body[0] == 0 && body[1] == 0
			body = body[2:]
			if isNul {
				break
			}
		}
	}
	return formats
}

// EncodeFormatListResponse acknowledges a server format list.
func EncodeFormatListResponse(ok bool) []byte {
	flags := uint16(CB_RESPONSE_OK)
	if !ok {
		flags = CB_RESPONSE_FAIL
	}
	return Encode(CB_FORMAT_LIST_RESPONSE, flags, nil)
}

// EncodeFormatDataRequest asks the peer for one format's payload.
func EncodeFormatDataRequest(format uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, format)
	return Encode(CB_FORMAT_DATA_REQUEST, 0, body)
}

// EncodeFormatDataResponse answers a data request. text is encoded as
// UTF-16LE with a terminating NUL per CF_UNICODETEXT.
func EncodeFormatDataResponse(ok bool, text string) []byte {
	if !ok {
		return Encode(CB_FORMAT_DATA_RESPONSE, CB_RESPONSE_FAIL, nil)
	}
	return Encode(CB_FORMAT_DATA_RESPONSE, CB_RESPONSE_OK, EncodeText(text))
}

// EncodeText renders CF_UNICODETEXT bytes: UTF-16LE plus NUL terminator.
func EncodeText(text string) []byte {
	u16 := utf16.Encode([]rune(text))
	out := make([]byte, (len(u16)+1)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// DecodeText parses CF_UNICODETEXT bytes, dropping the NUL terminator.
func DecodeText(data []byte) string {
	u16 := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		v := binary.LittleEndian.Uint16(data[i:])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}
