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

package cliprdr

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

func TestTextRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"ascii", "hello"},
		{"empty", ""},
		{"unicode", "héllo wörld ✓"},
		{"surrogates", "emoji 🙂 pair"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeText(EncodeText(tt.text)); got != tt.text {
				t.Errorf("DecodeText(EncodeText(%q)) = %q", tt.text, got)
			}
		})
	}
}

func TestFormatListRoundTrip(t *testing.T) {
	msg, err := Decode(EncodeFormatList([]uint32{CF_UNICODETEXT, 1}))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Header.MsgType != CB_FORMAT_LIST {
		t.Fatalf("MsgType = 0x%04X", msg.Header.MsgType)
	}
	formats := ParseFormatList(msg.Data)
	if len(formats) != 2 || formats[0] != CF_UNICODETEXT || formats[1] != 1 {
		t.Errorf("ParseFormatList() = %v", formats)
	}
}

// fakeChannel records everything the handler sends.
type fakeChannel struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeChannel) send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) messages() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, d := range f.sent {
		if m, err := Decode(d); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func readyHandler(t *testing.T) (*Handler, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	h := NewHandler(ch.send, nil)

	if err := h.HandleMessage(EncodeCapabilities()); err != nil {
		t.Fatalf("caps: %v", err)
	}
	if h.State() != StateCapabilitiesExchanged {
		t.Fatalf("state after caps = %v", h.State())
	}
	if err := h.HandleMessage(Encode(CB_MONITOR_READY, 0, nil)); err != nil {
		t.Fatalf("monitor ready: %v", err)
	}
	if h.State() != StateReady {
		t.Fatalf("state after monitor ready = %v", h.State())
	}
	return h, ch
}

func TestHandshake(t *testing.T) {
	_, ch := readyHandler(t)

	msgs := ch.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages during handshake, want 2", len(msgs))
	}
	if msgs[0].Header.MsgType != CB_CLIP_CAPS {
		t.Errorf("first message = 0x%04X, want caps", msgs[0].Header.MsgType)
	}
	if msgs[1].Header.MsgType != CB_FORMAT_LIST {
		t.Errorf("second message = 0x%04X, want format list", msgs[1].Header.MsgType)
	}
}

func TestSetAnnouncesAndAnswersPaste(t *testing.T) {
	h, ch := readyHandler(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- h.Set(ctx, "hi")
	}()

	// Wait for the format list announcement
	deadline := time.After(time.Second)
	for {
		msgs := ch.messages()
		if len(msgs) >= 3 && msgs[2].Header.MsgType == CB_FORMAT_LIST {
			formats := ParseFormatList(msgs[2].Data)
			if len(formats) != 1 || formats[0] != CF_UNICODETEXT {
				t.Fatalf("announced formats = %v", formats)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("format list never announced")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Server acknowledges; Set completes
	if err := h.HandleMessage(EncodeFormatListResponse(true)); err != nil {
		t.Fatalf("format list response: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Server pastes: data request answered from the shadow
	if err := h.HandleMessage(EncodeFormatDataRequest(CF_UNICODETEXT)); err != nil {
		t.Fatalf("format data request: %v", err)
	}
	msgs := ch.messages()
	last := msgs[len(msgs)-1]
	if last.Header.MsgType != CB_FORMAT_DATA_RESPONSE {
		t.Fatalf("last message = 0x%04X, want data response", last.Header.MsgType)
	}
	if last.Header.MsgFlags&CB_RESPONSE_OK == 0 {
		t.Fatal("data response not OK")
	}
	if got := DecodeText(last.Data); got != "hi" {
		t.Errorf("pasted text = %q, want %q", got, "hi")
	}

	if text, ok := h.LocalText(); !ok || text != "hi" {
		t.Errorf("clipboard shadow = %q, %v", text, ok)
	}
}

func TestGetFetchesRemoteText(t *testing.T) {
	h, _ := readyHandler(t)

	// Server announces it copied something
	if err := h.HandleMessage(EncodeFormatList([]uint32{CF_UNICODETEXT})); err != nil {
		t.Fatalf("server format list: %v", err)
	}

	done := make(chan struct {
		text string
		err  error
	}, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		text, err := h.Get(ctx)
		done <- struct {
			text string
			err  error
		}{text, err}
	}()

	// Give Get a moment to register its pending slot, then answer
	time.Sleep(20 * time.Millisecond)
	body := EncodeText("remote text")
	if err := h.HandleMessage(Encode(CB_FORMAT_DATA_RESPONSE, CB_RESPONSE_OK, body)); err != nil {
		t.Fatalf("data response: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Get() error = %v", res.err)
	}
	if res.text != "remote text" {
		t.Errorf("Get() = %q", res.text)
	}
}

func TestRemoteChangeBumpsGeneration(t *testing.T) {
	h, _ := readyHandler(t)

	changed := make(chan struct{}, 1)
	h.OnRemoteChange = func() { changed <- struct{}{} }

	gen := h.Generation()
	if err := h.HandleMessage(EncodeFormatList([]uint32{CF_UNICODETEXT})); err != nil {
		t.Fatalf("format list: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("OnRemoteChange never fired")
	}
	if h.Generation() <= gen {
		t.Errorf("generation did not advance: %d -> %d", gen, h.Generation())
	}
}

func TestGetNotReady(t *testing.T) {
	h := NewHandler(func([]byte) error { return nil }, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Get(ctx); err == nil {
		t.Error("Get() before handshake should fail")
	}
}

func TestDecodeRejectsShortPDU(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("Decode() accepted a truncated PDU")
	}
}

func TestHeaderDataLen(t *testing.T) {
	data := EncodeFormatDataRequest(CF_UNICODETEXT)
	if got := binary.LittleEndian.Uint32(data[4:]); got != 4 {
		t.Errorf("dataLen = %d, want 4", got)
	}
}
