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
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.Timeout != 10*time.Second {
		t.Errorf("DefaultOptions() timeout = %v, want %v", opts.Timeout, 10*time.Second)
	}
	if opts.DesktopWidth != 1280 || opts.DesktopHeight != 800 {
		t.Errorf("DefaultOptions() size = %dx%d, want 1280x800", opts.DesktopWidth, opts.DesktopHeight)
	}
}

func TestTPKTHeader(t *testing.T) {
	tests := []struct {
		name        string
		payloadSize int
		wantLength  uint16
	}{
		{
			name:        "small payload",
			payloadSize: 10,
			wantLength:  14, // 4 (TPKT header) + 10 (payload)
		},
		{
			name:        "medium payload",
			payloadSize: 100,
			wantLength:  104,
		},
		{
			name:        "large payload",
			payloadSize: 1000,
			wantLength:  1004,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpkt := NewTPKTHeader(tt.payloadSize)
			if tpkt.Version != TPKTVersion {
				t.Errorf("NewTPKTHeader() version = %v, want %v", tpkt.Version, TPKTVersion)
			}
			if tpkt.Length != tt.wantLength {
				t.Errorf("NewTPKTHeader() length = %v, want %v", tpkt.Length, tt.wantLength)
			}
			if tpkt.PayloadSize() != tt.payloadSize {
				t.Errorf("PayloadSize() = %v, want %v", tpkt.PayloadSize(), tt.payloadSize)
			}
		})
	}
}

func TestX224ConnectionRequest(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
	}{
		{
			name:   "empty cookie",
			cookie: "",
		},
		{
			name:   "with cookie",
			cookie: "testuser",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := NewX224ConnectionRequest(tt.cookie)

			if cr.TPDUCode != X224_TPDU_CONNECTION_REQUEST {
				t.Errorf("TPDUCode = %v, want %v", cr.TPDUCode, X224_TPDU_CONNECTION_REQUEST)
			}
			if cr.DstRef != 0 {
				t.Errorf("DstRef = %v, want 0", cr.DstRef)
			}
			if cr.ClassOptions != 0 {
				t.Errorf("ClassOptions = %v, want 0", cr.ClassOptions)
			}

			expectedLI := uint8(6 + len(cr.Cookie))
			if cr.LengthIndicator != expectedLI {
				t.Errorf("LengthIndicator = %v, want %v", cr.LengthIndicator, expectedLI)
			}
		})
	}
}

func TestCSNetEncodesChannels(t *testing.T) {
	data := buildCSNet([]string{"cliprdr", "rdpdr", "drdynvc"})

	if got := binary.LittleEndian.Uint16(data[0:]); got != 0x03C0 {
		t.Fatalf("TS_UD_CS_NET type = 0x%04X, want 0x03C0", got)
	}
	if got := binary.LittleEndian.Uint16(data[2:]); got != 8+12*3 {
		t.Fatalf("TS_UD_CS_NET length = %d, want %d", got, 8+12*3)
	}
	if got := binary.LittleEndian.Uint32(data[4:]); got != 3 {
		t.Fatalf("channel count = %d, want 3", got)
	}

	// First channel name, NUL padded to 8 bytes
	name := data[8:16]
	if !bytes.Equal(name, []byte("cliprdr\x00")) {
		t.Errorf("first channel name = %q", name)
	}
	opts := binary.LittleEndian.Uint32(data[16:])
	if opts&CHANNEL_OPTION_INITIALIZED == 0 {
		t.Errorf("channel options 0x%08X missing CHANNEL_OPTION_INITIALIZED", opts)
	}
}

func TestParseMCSSendDataIndication(t *testing.T) {
	// Send-Data-Indication: choice 26, initiator 1002, channel 1005,
	// priority byte, short PER length, payload
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pdu := []byte{
		MCS_SEND_DATA_INDICATION << 2,
		0x00, 0x01, // initiator - 1001
		0x03, 0xED, // channel 1005
		0x70,
		byte(len(payload)),
	}
	pdu = append(pdu, payload...)

	ind, err := parseMCSSendDataIndication(pdu)
	if err != nil {
		t.Fatalf("parseMCSSendDataIndication() error = %v", err)
	}
	if ind == nil {
		t.Fatal("parseMCSSendDataIndication() = nil, want indication")
	}
	if ind.Initiator != 1002 {
		t.Errorf("Initiator = %d, want 1002", ind.Initiator)
	}
	if ind.ChannelID != 1005 {
		t.Errorf("ChannelID = %d, want 1005", ind.ChannelID)
	}
	if !bytes.Equal(ind.Data, payload) {
		t.Errorf("Data = %x, want %x", ind.Data, payload)
	}
}

func TestParseMCSSendDataIndicationOtherPDU(t *testing.T) {
	ind, err := parseMCSSendDataIndication([]byte{0x2E, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ind != nil {
		t.Fatalf("expected nil for non-indication PDU, got %+v", ind)
	}
}

func TestEncodeFastPathInputKeyboard(t *testing.T) {
	pdu, err := encodeFastPathInput([]InputEvent{
		KeyboardEvent{Scancode: 0x1D},
		KeyboardEvent{Scancode: 0x1D, Release: true},
	})
	if err != nil {
		t.Fatalf("encodeFastPathInput() error = %v", err)
	}

	// Header: action 0, numEvents 2 in bits 2..5
	if pdu[0] != 2<<2 {
		t.Errorf("fpInputHeader = 0x%02X, want 0x%02X", pdu[0], 2<<2)
	}
	if int(pdu[1]) != len(pdu) {
		t.Errorf("length byte = %d, want %d", pdu[1], len(pdu))
	}
	// First event: scancode down, code 0, then the scancode byte
	if pdu[2] != 0x00 || pdu[3] != 0x1D {
		t.Errorf("first event = % X, want 00 1D", pdu[2:4])
	}
	// Second event: release flag set
	if pdu[4] != FASTPATH_INPUT_KBDFLAGS_RELEASE || pdu[5] != 0x1D {
		t.Errorf("second event = % X, want 01 1D", pdu[4:6])
	}
}

func TestEncodeFastPathInputMouse(t *testing.T) {
	pdu, err := encodeFastPathInput([]InputEvent{
		MouseEvent{Flags: PTRFLAGS_MOVE, X: 640, Y: 480},
	})
	if err != nil {
		t.Fatalf("encodeFastPathInput() error = %v", err)
	}
	if pdu[2] != FASTPATH_INPUT_EVENT_MOUSE<<5 {
		t.Errorf("event header = 0x%02X, want 0x%02X", pdu[2], FASTPATH_INPUT_EVENT_MOUSE<<5)
	}
	if got := binary.LittleEndian.Uint16(pdu[3:]); got != PTRFLAGS_MOVE {
		t.Errorf("pointer flags = 0x%04X, want 0x%04X", got, PTRFLAGS_MOVE)
	}
	if got := binary.LittleEndian.Uint16(pdu[5:]); got != 640 {
		t.Errorf("x = %d, want 640", got)
	}
	if got := binary.LittleEndian.Uint16(pdu[7:]); got != 480 {
		t.Errorf("y = %d, want 480", got)
	}
}

func TestEncodeFastPathInputLimits(t *testing.T) {
	if _, err := encodeFastPathInput(nil); err == nil {
		t.Error("expected error for empty event list")
	}
	events := make([]InputEvent, 16)
	for i := range events {
		events[i] = KeyboardEvent{Scancode: 0x1E}
	}
	if _, err := encodeFastPathInput(events); err == nil {
		t.Error("expected error for more than 15 events")
	}
}

func TestChannelChunking(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{"small", 100, 1},
		{"exactly one chunk", ChannelChunkLength, 1},
		{"two chunks", ChannelChunkLength + 1, 2},
		{"three chunks", ChannelChunkLength*2 + 5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i)
			}
			chunks := chunkChannelData(data)
			if len(chunks) != tt.wantChunks {
				t.Fatalf("chunkChannelData() = %d chunks, want %d", len(chunks), tt.wantChunks)
			}

			// Reassemble through the defragmenter
			var df ChannelDefragmenter
			var out []byte
			var complete bool
			for _, c := range chunks {
				chunk, err := parseChannelChunk(c)
				if err != nil {
					t.Fatalf("parseChannelChunk() error = %v", err)
				}
				if chunk.Header.Length != uint32(tt.size) {
					t.Errorf("header length = %d, want %d", chunk.Header.Length, tt.size)
				}
				out, complete = df.Process(chunk)
			}
			if !complete {
				t.Fatal("defragmenter never completed")
			}
			if !bytes.Equal(out, data) {
				t.Errorf("reassembled %d bytes != original %d bytes", len(out), len(data))
			}
		})
	}
}

func TestSecureWrapRoundTrip(t *testing.T) {
	c := &Conn{}
	payload := []byte{1, 2, 3, 4, 5}
	wrapped := c.secureWrap(SEC_INFO_PKT, payload)

	if got := binary.LittleEndian.Uint16(wrapped[0:]); got != SEC_INFO_PKT {
		t.Errorf("flags = 0x%04X, want 0x%04X", got, SEC_INFO_PKT)
	}
	if !bytes.Equal(wrapped[4:], payload) {
		t.Errorf("payload mangled: %x", wrapped[4:])
	}
}

func TestClientInfoPDU(t *testing.T) {
	pdu := buildClientInfoPDU("DOMAIN", "user", "pass")

	flags := binary.LittleEndian.Uint32(pdu[4:])
	if flags&INFO_UNICODE == 0 {
		t.Errorf("flags 0x%08X missing INFO_UNICODE", flags)
	}
	cbDomain := binary.LittleEndian.Uint16(pdu[8:])
	if cbDomain != 12 { // "DOMAIN" in UTF-16
		t.Errorf("cbDomain = %d, want 12", cbDomain)
	}
	cbUser := binary.LittleEndian.Uint16(pdu[10:])
	if cbUser != 8 {
		t.Errorf("cbUserName = %d, want 8", cbUser)
	}
}
