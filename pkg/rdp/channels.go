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

// ChannelPDUHeader is the CHANNEL_PDU_HEADER preceding every static
// virtual channel chunk (MS-RDPBCGR 2.2.6.1.1): total uncompressed length
// plus chunk flags.
type ChannelPDUHeader struct {
	Length uint32
	Flags  uint32
}

// Serialize encodes the header.
func (h *ChannelPDUHeader) Serialize() []byte {
	buf := make([]byte, ChannelPDUHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	return buf
}

// IsFirst reports whether this is the first chunk of a message.
func (h *ChannelPDUHeader) IsFirst() bool { return h.Flags&CHANNEL_FLAG_FIRST != 0 }

// IsLast reports whether this is the last chunk of a message.
func (h *ChannelPDUHeader) IsLast() bool { return h.Flags&CHANNEL_FLAG_LAST != 0 }

// ChannelChunk is one decoded virtual channel chunk.
type ChannelChunk struct {
	Header ChannelPDUHeader
	Data   []byte
}

// parseChannelChunk splits raw channel data into header and payload.
func parseChannelChunk(data []byte) (*ChannelChunk, error) {
	if len(data) < ChannelPDUHeaderSize {
		return nil, fmt.Errorf("channel chunk too short: %d bytes", len(data))
	}
	chunk := &ChannelChunk{
		Header: ChannelPDUHeader{
			Length: binary.LittleEndian.Uint32(data[0:4]),
			Flags:  binary.LittleEndian.Uint32(data[4:8]),
		},
		Data: data[ChannelPDUHeaderSize:],
	}
	return chunk, nil
}

// chunkChannelData splits one complete virtual channel message into wire
// chunks of at most ChannelChunkLength payload bytes, each prefixed with
// the CHANNEL_PDU_HEADER carrying the total length.
func chunkChannelData(data []byte) [][]byte {
	total := uint32(len(data))
	var chunks [][]byte
	for off := 0; ; off += ChannelChunkLength {
		end := off + ChannelChunkLength
		if end > len(data) {
			end = len(data)
		}
		var flags uint32
		if off == 0 {
			flags |= CHANNEL_FLAG_FIRST
		}
		if end == len(data) {
			flags |= CHANNEL_FLAG_LAST
		}
		hdr := ChannelPDUHeader{Length: total, Flags: flags}
		chunk := append(hdr.Serialize(), data[off:end]...)
		chunks = append(chunks, chunk)
		if end == len(data) {
			break
		}
	}
	return chunks
}

// ChannelDefragmenter reassembles fragmented virtual channel messages.
// One instance per channel; chunks for one channel never interleave.
type ChannelDefragmenter struct {
	buffer    bytes.Buffer
	totalLen  uint32
	receiving bool
}

// Process consumes one chunk and returns the complete message when the
// last chunk arrives.
func (d *ChannelDefragmenter) Process(chunk *ChannelChunk) ([]byte, bool) {
	if chunk.Header.IsFirst() {
		d.buffer.Reset()
		d.totalLen = chunk.Header.Length
		d.receiving = true
	}

	if !d.receiving {
		return nil, false
	}

	d.buffer.Write(chunk.Data)

	if chunk.Header.IsLast() {
		d.receiving = false
		out := make([]byte, d.buffer.Len())
		copy(out, d.buffer.Bytes())
		d.buffer.Reset()
		return out, true
	}

	return nil, false
}
