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

package drdynvc

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{"create", Header{CbChID: 0, Sp: 0, Cmd: CmdCreate}},
		{"data wide channel", Header{CbChID: 2, Sp: 0, Cmd: CmdData}},
		{"data first with length", Header{CbChID: 1, Sp: 2, Cmd: CmdDataFirst}},
		{"caps", Header{CbChID: 0, Sp: 0, Cmd: CmdCapability}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.header.Serialize()
			var got Header
			got.Deserialize(b)
			if got != tt.header {
				t.Errorf("round trip = %+v, want %+v", got, tt.header)
			}
		})
	}
}

func TestParseCreateRequest(t *testing.T) {
	// cbChID=0, channel id 5, name "AgentRdp::Automation\0"
	body := append([]byte{0x05}, []byte("AgentRdp::Automation\x00")...)
	req, err := ParseCreateRequest(body, 0)
	if err != nil {
		t.Fatalf("ParseCreateRequest() error = %v", err)
	}
	if req.ChannelID != 5 {
		t.Errorf("ChannelID = %d, want 5", req.ChannelID)
	}
	if req.ChannelName != "AgentRdp::Automation" {
		t.Errorf("ChannelName = %q", req.ChannelName)
	}
}

func TestCreateResponseSerialize(t *testing.T) {
	resp := CreateResponsePDU{ChannelID: 5, CreationCode: CreateResultOK}
	data := resp.Serialize()

	cmd, cbChID, _, body, err := ParsePDU(data)
	if err != nil {
		t.Fatalf("ParsePDU() error = %v", err)
	}
	if cmd != CmdCreate {
		t.Errorf("cmd = %d, want %d", cmd, CmdCreate)
	}
	id, rest, err := ReadChannelID(body, cbChID)
	if err != nil {
		t.Fatalf("ReadChannelID() error = %v", err)
	}
	if id != 5 {
		t.Errorf("channel id = %d, want 5", id)
	}
	if len(rest) != 4 || rest[0] != 0 {
		t.Errorf("creation code bytes = %x", rest)
	}
}

func TestFragmentSmallMessage(t *testing.T) {
	payload := []byte(`{"type":"request","id":"abc12345"}`)
	pdus := FragmentData(7, payload)
	if len(pdus) != 1 {
		t.Fatalf("FragmentData() = %d PDUs, want 1", len(pdus))
	}

	cmd, cbChID, sp, body, err := ParsePDU(pdus[0])
	if err != nil {
		t.Fatalf("ParsePDU() error = %v", err)
	}
	if cmd != CmdData {
		t.Fatalf("cmd = %d, want %d", cmd, CmdData)
	}
	_, rest, err := ReadChannelID(body, cbChID)
	if err != nil {
		t.Fatalf("ReadChannelID() error = %v", err)
	}

	var ra Reassembler
	out, complete, err := ra.Push(rest, false, sp)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !complete {
		t.Fatal("single data PDU should complete immediately")
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("reassembled = %q, want %q", out, payload)
	}
}

func TestFragmentLargeMessageRoundTrip(t *testing.T) {
	payload := make([]byte, MaxDataChunk*2+123)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	pdus := FragmentData(300, payload)
	if len(pdus) != 3 {
		t.Fatalf("FragmentData() = %d PDUs, want 3", len(pdus))
	}

	var ra Reassembler
	var out []byte
	var complete bool
	for i, pdu := range pdus {
		cmd, cbChID, sp, body, err := ParsePDU(pdu)
		if err != nil {
			t.Fatalf("ParsePDU(%d) error = %v", i, err)
		}
		id, rest, err := ReadChannelID(body, cbChID)
		if err != nil {
			t.Fatalf("ReadChannelID(%d) error = %v", i, err)
		}
		if id != 300 {
			t.Errorf("PDU %d channel id = %d, want 300", i, id)
		}
		wantCmd := uint8(CmdData)
		if i == 0 {
			wantCmd = CmdDataFirst
		}
		if cmd != wantCmd {
			t.Errorf("PDU %d cmd = %d, want %d", i, cmd, wantCmd)
		}
		out, complete, err = ra.Push(rest, cmd == CmdDataFirst, sp)
		if err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
		if complete != (i == len(pdus)-1) {
			t.Errorf("PDU %d complete = %v", i, complete)
		}
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("reassembled %d bytes differ from original %d", len(out), len(payload))
	}
}

func TestCapsRoundTrip(t *testing.T) {
	caps := CapsPDU{Version: CapsVersion1}
	data := caps.Serialize()

	cmd, _, _, body, err := ParsePDU(data)
	if err != nil {
		t.Fatalf("ParsePDU() error = %v", err)
	}
	if cmd != CmdCapability {
		t.Fatalf("cmd = %d, want %d", cmd, CmdCapability)
	}
	var got CapsPDU
	if err := got.Deserialize(bytes.NewReader(body)); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if got.Version != CapsVersion1 {
		t.Errorf("version = %d, want %d", got.Version, CapsVersion1)
	}
}
