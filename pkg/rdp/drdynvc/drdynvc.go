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

// Package drdynvc implements the Dynamic Virtual Channel Protocol
// (MS-RDPEDYC): capability negotiation, channel create/close, and data
// transfer with fragmentation, multiplexed inside the "drdynvc" static
// channel.
package drdynvc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ChannelName is the static channel DRDYNVC rides on.
const ChannelName = "drdynvc"

// Command IDs (MS-RDPEDYC 2.2.1)
const (
	CmdCreate       uint8 = 0x01 // DYNVC_CREATE_REQ / _RSP
	CmdDataFirst    uint8 = 0x02 // DYNVC_DATA_FIRST
	CmdData         uint8 = 0x03 // DYNVC_DATA
	CmdClose        uint8 = 0x04 // DYNVC_CLOSE
	CmdCapability   uint8 = 0x05 // DYNVC_CAPS_VERSION
	CmdDataFirstCmp uint8 = 0x06 // DYNVC_DATA_FIRST_COMPRESSED (v3)
	CmdDataCmp      uint8 = 0x07 // DYNVC_DATA_COMPRESSED (v3)
	CmdSoftSync     uint8 = 0x08 // DYNVC_SOFT_SYNC_REQUEST / _RESPONSE (v3)
)

// Capability versions
const (
	CapsVersion1 uint16 = 0x0001
	CapsVersion2 uint16 = 0x0002
	CapsVersion3 uint16 = 0x0003
)

// Create response result codes
const (
	CreateResultOK              uint32 = 0x00000000
	CreateResultDenied          uint32 = 0x00000001
	CreateResultNoMemory        uint32 = 0x00000002
	CreateResultNoListener      uint32 = 0x00000003
	CreateResultChannelNotFound uint32 = 0x80070490
)

// MaxDataChunk bounds one DYNVC_DATA or DYNVC_DATA_FIRST payload so that,
// with the one-byte header, a 4-byte channel id and DATA_FIRST's 4-byte
// total length, the PDU still fits a single 1600-byte static channel chunk.
const MaxDataChunk = 1590

// Header is the common DRDYNVC PDU header byte.
type Header struct {
	CbChID uint8 // Length of ChannelId field (0=1 byte, 1=2 bytes, 2=4 bytes)
	Sp     uint8 // Varies by command type
	Cmd    uint8 // Command identifier
}

// Serialize encodes the header byte.
func (h *Header) Serialize() byte {
	return (h.CbChID & 0x03) | ((h.Sp & 0x03) << 2) | ((h.Cmd & 0x0F) << 4)
}

// Deserialize decodes the header byte.
func (h *Header) Deserialize(b byte) {
	h.CbChID = b & 0x03
	h.Sp = (b >> 2) & 0x03
	h.Cmd = (b >> 4) & 0x0F
}

func channelIDSize(cbChID uint8) int {
	switch cbChID {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

func cbForChannelID(id uint32) uint8 {
	switch {
	case id <= 0xFF:
		return 0
	case id <= 0xFFFF:
		return 1
	default:
		return 2
	}
}

func writeChannelID(buf *bytes.Buffer, cbChID uint8, id uint32) {
	switch cbChID {
	case 0:
		buf.WriteByte(byte(id))
	case 1:
		binary.Write(buf, binary.LittleEndian, uint16(id))
	default:
		binary.Write(buf, binary.LittleEndian, id)
	}
}

// ReadChannelID reads a channel ID from data based on cbChID.
func ReadChannelID(data []byte, cbChID uint8) (uint32, []byte, error) {
	size := channelIDSize(cbChID)
	if len(data) < size {
		return 0, nil, fmt.Errorf("not enough data for channel ID")
	}
	var id uint32
	switch cbChID {
	case 0:
		id = uint32(data[0])
	case 1:
		id = uint32(binary.LittleEndian.Uint16(data[:2]))
	default:
		id = binary.LittleEndian.Uint32(data[:4])
	}
	return id, data[size:], nil
}

// CapsPDU represents DYNVC_CAPS (MS-RDPEDYC 2.2.1.1).
type CapsPDU struct {
	Version uint16
	// Version 3 adds priority charges
	PriorityCharge0 uint16
	PriorityCharge1 uint16
	PriorityCharge2 uint16
	PriorityCharge3 uint16
}

// Serialize encodes a caps PDU (used as the client's caps response).
func (c *CapsPDU) Serialize() []byte {
	buf := new(bytes.Buffer)

	header := Header{CbChID: 0, Sp: 0, Cmd: CmdCapability}
	buf.WriteByte(header.Serialize())
	buf.WriteByte(0) // Pad

	binary.Write(buf, binary.LittleEndian, c.Version)

	if c.Version >= CapsVersion3 {
		binary.Write(buf, binary.LittleEndian, c.PriorityCharge0)
		binary.Write(buf, binary.LittleEndian, c.PriorityCharge1)
		binary.Write(buf, binary.LittleEndian, c.PriorityCharge2)
		binary.Write(buf, binary.LittleEndian, c.PriorityCharge3)
	}

	return buf.Bytes()
}

// Deserialize decodes a caps PDU after the header byte was consumed.
func (c *CapsPDU) Deserialize(r io.Reader) error {
	var pad byte
	if err := binary.Read(r, binary.LittleEndian, &pad); err != nil {
		return fmt.Errorf("caps pad: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Version); err != nil {
		return fmt.Errorf("caps version: %w", err)
	}
	if c.Version >= CapsVersion3 {
		binary.Read(r, binary.LittleEndian, &c.PriorityCharge0)
		binary.Read(r, binary.LittleEndian, &c.PriorityCharge1)
		binary.Read(r, binary.LittleEndian, &c.PriorityCharge2)
		binary.Read(r, binary.LittleEndian, &c.PriorityCharge3)
	}
	return nil
}

// CreateRequestPDU represents DYNVC_CREATE_REQ (MS-RDPEDYC 2.2.2.1),
// sent by the server to open a channel.
type CreateRequestPDU struct {
	ChannelID   uint32
	ChannelName string
}

// ParseCreateRequest decodes the body of a create request.
func ParseCreateRequest(data []byte, cbChID uint8) (*CreateRequestPDU, error) {
	id, rest, err := ReadChannelID(data, cbChID)
	if err != nil {
		return nil, fmt.Errorf("create request channel id: %w", err)
	}
	idx := bytes.IndexByte(rest, 0)
	if idx < 0 {
		return nil, fmt.Errorf("create request name not NUL-terminated")
	}
	return &CreateRequestPDU{ChannelID: id, ChannelName: string(rest[:idx])}, nil
}

// CreateResponsePDU represents DYNVC_CREATE_RSP (MS-RDPEDYC 2.2.2.2),
// sent by the client to accept or reject a channel.
type CreateResponsePDU struct {
	ChannelID    uint32
	CreationCode uint32
}

// Serialize encodes the create response.
func (c *CreateResponsePDU) Serialize() []byte {
	buf := new(bytes.Buffer)
	cb := cbForChannelID(c.ChannelID)
	header := Header{CbChID: cb, Sp: 0, Cmd: CmdCreate}
	buf.WriteByte(header.Serialize())
	writeChannelID(buf, cb, c.ChannelID)
	binary.Write(buf, binary.LittleEndian, c.CreationCode)
	return buf.Bytes()
}

// DataPDU represents DYNVC_DATA (MS-RDPEDYC 2.2.3.2).
type DataPDU struct {
	ChannelID uint32
	Data      []byte
}

// Serialize encodes the data PDU.
func (d *DataPDU) Serialize() []byte {
	buf := new(bytes.Buffer)
	cb := cbForChannelID(d.ChannelID)
	header := Header{CbChID: cb, Sp: 0, Cmd: CmdData}
	buf.WriteByte(header.Serialize())
	writeChannelID(buf, cb, d.ChannelID)
	buf.Write(d.Data)
	return buf.Bytes()
}

// DataFirstPDU represents DYNVC_DATA_FIRST (MS-RDPEDYC 2.2.3.1).
type DataFirstPDU struct {
	ChannelID uint32
	Length    uint32 // total message length
	Data      []byte
}

// Serialize encodes the data-first PDU.
func (d *DataFirstPDU) Serialize() []byte {
	buf := new(bytes.Buffer)
	cb := cbForChannelID(d.ChannelID)

	var lenSize uint8
	switch {
	case d.Length <= 0xFF:
		lenSize = 0
	case d.Length <= 0xFFFF:
		lenSize = 1
	default:
		lenSize = 2
	}

	header := Header{CbChID: cb, Sp: lenSize, Cmd: CmdDataFirst}
	buf.WriteByte(header.Serialize())
	writeChannelID(buf, cb, d.ChannelID)

	switch lenSize {
	case 0:
		buf.WriteByte(byte(d.Length))
	case 1:
		binary.Write(buf, binary.LittleEndian, uint16(d.Length))
	default:
		binary.Write(buf, binary.LittleEndian, d.Length)
	}

	buf.Write(d.Data)
	return buf.Bytes()
}

// ClosePDU represents DYNVC_CLOSE (MS-RDPEDYC 2.2.4).
type ClosePDU struct {
	ChannelID uint32
}

// Serialize encodes the close PDU.
func (c *ClosePDU) Serialize() []byte {
	buf := new(bytes.Buffer)
	cb := cbForChannelID(c.ChannelID)
	header := Header{CbChID: cb, Sp: 0, Cmd: CmdClose}
	buf.WriteByte(header.Serialize())
	writeChannelID(buf, cb, c.ChannelID)
	return buf.Bytes()
}

// ParsePDU splits a DRDYNVC record into command, cbChID and body.
func ParsePDU(data []byte) (cmd uint8, cbChID uint8, sp uint8, body []byte, err error) {
	if len(data) < 1 {
		return 0, 0, 0, nil, fmt.Errorf("DRDYNVC PDU too short")
	}
	var header Header
	header.Deserialize(data[0])
	return header.Cmd, header.CbChID, header.Sp, data[1:], nil
}

// FragmentData splits one complete message into DYNVC data PDUs: a
// DATA_FIRST carrying the total length when fragmentation is needed,
// plain DATA otherwise.
func FragmentData(channelID uint32, data []byte) [][]byte {
	if len(data) <= MaxDataChunk {
		pdu := DataPDU{ChannelID: channelID, Data: data}
		return [][]byte{pdu.Serialize()}
	}

	var out [][]byte
	first := DataFirstPDU{
		ChannelID: channelID,
		Length:    uint32(len(data)),
		Data:      data[:MaxDataChunk],
	}
	out = append(out, first.Serialize())
	for off := MaxDataChunk; off < len(data); off += MaxDataChunk {
		end := off + MaxDataChunk
		if end > len(data) {
			end = len(data)
		}
		pdu := DataPDU{ChannelID: channelID, Data: data[off:end]}
		out = append(out, pdu.Serialize())
	}
	return out
}

// Reassembler collects DATA_FIRST/DATA fragments into whole messages for
// one dynamic channel.
type Reassembler struct {
	buffer   bytes.Buffer
	expected int
	active   bool
}

// Push consumes one data PDU body. isFirst marks DYNVC_DATA_FIRST, whose
// body begins with the length field sized by sp. Returns the complete
// message when all fragments arrived.
func (ra *Reassembler) Push(body []byte, isFirst bool, sp uint8) ([]byte, bool, error) {
	if isFirst {
		var total int
		switch sp {
		case 0:
			if len(body) < 1 {
				return nil, false, fmt.Errorf("data first too short")
			}
			total = int(body[0])
			body = body[1:]
		case 1:
			if len(body) < 2 {
				return nil, false, fmt.Errorf("data first too short")
			}
			total = int(binary.LittleEndian.Uint16(body))
			body = body[2:]
		default:
			if len(body) < 4 {
				return nil, false, fmt.Errorf("data first too short")
			}
			total = int(binary.LittleEndian.Uint32(body))
			body = body[4:]
		}
		ra.buffer.Reset()
		ra.expected = total
		ra.active = true
		ra.buffer.Write(body)
	} else if ra.active {
		ra.buffer.Write(body)
	} else {
		// Unfragmented message
		out := make([]byte, len(body))
		copy(out, body)
		return out, true, nil
	}

	if ra.buffer.Len() >= ra.expected {
		ra.active = false
		out := make([]byte, ra.buffer.Len())
		copy(out, ra.buffer.Bytes())
		ra.buffer.Reset()
		return out, true, nil
	}
	return nil, false, nil
}
