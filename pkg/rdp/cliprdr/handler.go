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
	"fmt"
	"log/slog"
	"sync"
)

// State of the clipboard handshake.
type State int

const (
	StateIdle State = iota
	StateCapabilitiesExchanged
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapabilitiesExchanged:
		return "capabilities_exchanged"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SendFunc writes one complete clipboard message to the channel.
type SendFunc func(data []byte) error

// Handler mirrors the server's CLIPRDR state machine and holds the
// clipboard shadow: the locally announced format list and text.
type Handler struct {
	send   SendFunc
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	localText     string
	haveLocal     bool
	generation    uint64
	serverFormats []uint32

	pendingGet chan getResult
	pendingSet chan error

	// opMu serializes get/set so at most one is in flight
	opMu sync.Mutex

	// OnRemoteChange fires when the server announces a new format list
	// (something was copied in the guest).
	OnRemoteChange func()
}

type getResult struct {
	text string
	err  error
}

// NewHandler builds a clipboard handler writing through send.
func NewHandler(send SendFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{send: send, logger: logger}
}

// State returns the handshake state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Generation returns the clipboard shadow generation counter.
func (h *Handler) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// LocalText returns the current clipboard shadow text.
func (h *Handler) LocalText() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localText, h.haveLocal
}

// HandleMessage consumes one complete inbound clipboard PDU.
func (h *Handler) HandleMessage(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}

	switch msg.Header.MsgType {
	case CB_CLIP_CAPS:
		h.mu.Lock()
		h.state = StateCapabilitiesExchanged
		h.mu.Unlock()
		return nil

	case CB_MONITOR_READY:
		// Complete the handshake: our capabilities, then an initial
		// (empty) format list.
		if err := h.send(EncodeCapabilities()); err != nil {
			return err
		}
		if err := h.send(EncodeFormatList(nil)); err != nil {
			return err
		}
		h.mu.Lock()
		h.state = StateReady
		h.mu.Unlock()
		h.logger.Debug("clipboard ready")
		return nil

	case CB_FORMAT_LIST:
		formats := ParseFormatList(msg.Data)
		h.mu.Lock()
		h.serverFormats = formats
		h.generation++
		cb := h.OnRemoteChange
		h.mu.Unlock()
		if err := h.send(EncodeFormatListResponse(true)); err != nil {
			return err
		}
		if cb != nil {
			cb()
		}
		return nil

	case CB_FORMAT_LIST_RESPONSE:
		h.mu.Lock()
		ch := h.pendingSet
		h.pendingSet = nil
		h.mu.Unlock()
		if ch != nil {
			if msg.Header.MsgFlags&CB_RESPONSE_FAIL != 0 {
				ch <- fmt.Errorf("server rejected format list")
			} else {
				ch <- nil
			}
		}
		return nil

	case CB_FORMAT_DATA_REQUEST:
		// The server pastes: answer from the clipboard shadow.
		h.mu.Lock()
		text, ok := h.localText, h.haveLocal
		h.mu.Unlock()
		return h.send(EncodeFormatDataResponse(ok, text))

	case CB_FORMAT_DATA_RESPONSE:
		h.mu.Lock()
		ch := h.pendingGet
		h.pendingGet = nil
		h.mu.Unlock()
		if ch == nil {
			h.logger.Debug("unsolicited format data response dropped")
			return nil
		}
		if msg.Header.MsgFlags&CB_RESPONSE_FAIL != 0 {
			ch <- getResult{err: fmt.Errorf("server failed format data request")}
		} else {
			ch <- getResult{text: DecodeText(msg.Data)}
		}
		return nil

	default:
		h.logger.Debug("unhandled clipboard PDU", "type", msg.Header.MsgType)
		return nil
	}
}

// Get fetches the server's clipboard text. Empty when the server has no
// text format on offer.
func (h *Handler) Get(ctx context.Context) (string, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if h.state != StateReady {
		h.mu.Unlock()
		return "", fmt.Errorf("clipboard channel not ready (state %s)", h.state)
	}
	hasText := false
	for _, f := range h.serverFormats {
		if f == CF_UNICODETEXT {
			hasText = true
			break
		}
	}
	ch := make(chan getResult, 1)
	h.pendingGet = ch
	h.mu.Unlock()

	if !hasText && len(h.serverFormats) == 0 {
		// Nothing ever announced; ask anyway, servers answer FAIL fast
		hasText = true
	}
	if !hasText {
		h.mu.Lock()
		h.pendingGet = nil
		h.mu.Unlock()
		return "", nil
	}

	if err := h.send(EncodeFormatDataRequest(CF_UNICODETEXT)); err != nil {
		h.mu.Lock()
		h.pendingGet = nil
		h.mu.Unlock()
		return "", err
	}

	select {
	case res := <-ch:
		return res.text, res.err
	case <-ctx.Done():
		h.mu.Lock()
		h.pendingGet = nil
		h.mu.Unlock()
		return "", ctx.Err()
	}
}

// Set stores text in the clipboard shadow and announces it; the server
// fetches the payload on paste via CB_FORMAT_DATA_REQUEST.
func (h *Handler) Set(ctx context.Context, text string) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if h.state != StateReady {
		h.mu.Unlock()
		return fmt.Errorf("clipboard channel not ready (state %s)", h.state)
	}
	h.localText = text
	h.haveLocal = true
	h.generation++
	ch := make(chan error, 1)
	h.pendingSet = ch
	h.mu.Unlock()

	if err := h.send(EncodeFormatList([]uint32{CF_UNICODETEXT})); err != nil {
		h.mu.Lock()
		h.pendingSet = nil
		h.mu.Unlock()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		h.mu.Lock()
		h.pendingSet = nil
		h.mu.Unlock()
		return ctx.Err()
	}
}

// Closed cancels pending operations when the channel dies. The handler
// stays in its state; a reconnect replaces it.
func (h *Handler) Closed(err error) {
	h.mu.Lock()
	get, set := h.pendingGet, h.pendingSet
	h.pendingGet, h.pendingSet = nil, nil
	h.mu.Unlock()
	if get != nil {
		get <- getResult{err: err}
	}
	if set != nil {
		set <- err
	}
}
