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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
	"github.com/agent-rdp/agent-rdp/pkg/rdp/drdynvc"
)

// AutomationChannelName is the dynamic channel the in-guest helper opens.
const AutomationChannelName = "AgentRdp::Automation"

// consecutiveFailureThreshold marks the channel dead after this many
// timeouts or parse failures in a row.
const consecutiveFailureThreshold = 3

// defaultAutomationTimeout bounds one DVC request/response exchange.
const defaultAutomationTimeout = 10 * time.Second

// AutomationResult is one completed DVC exchange.
type AutomationResult struct {
	Success bool
	Data    json.RawMessage
	Error   *proto.DvcErrorInfo
}

// pendingSlot is a single-use completion slot in the pending-request map.
type pendingSlot chan *AutomationResult

// Automation multiplexes JSON request/response traffic to the in-guest
// helper over the drdynvc static channel. It implements the client side
// of MS-RDPEDYC for the one channel it cares about and correlates
// responses by request id.
type Automation struct {
	sendRaw func(data []byte) error // writes to the drdynvc static channel
	logger  *slog.Logger

	mu          sync.Mutex
	pending     map[string]pendingSlot
	channelID   uint32
	channelOpen bool
	handshake   *proto.DvcEnvelope
	reassembler drdynvc.Reassembler

	failures atomic.Uint32
}

// NewAutomation builds the handler. sendRaw writes one complete message
// on the drdynvc static channel.
func NewAutomation(sendRaw func(data []byte) error, logger *slog.Logger) *Automation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Automation{
		sendRaw: sendRaw,
		logger:  logger,
		pending: make(map[string]pendingSlot),
	}
}

// Ready reports whether the helper completed its handshake.
func (a *Automation) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channelOpen && a.handshake != nil
}

// Handshake returns the helper's handshake, or nil.
func (a *Automation) Handshake() *proto.DvcEnvelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handshake
}

// Dead reports whether the failure threshold tripped.
func (a *Automation) Dead() bool {
	return a.failures.Load() >= consecutiveFailureThreshold
}

// HandleMessage consumes one complete message from the drdynvc static
// channel.
func (a *Automation) HandleMessage(data []byte) {
	cmd, cbChID, sp, body, err := drdynvc.ParsePDU(data)
	if err != nil {
		a.logger.Warn("bad drdynvc PDU", "err", err)
		return
	}

	switch cmd {
	case drdynvc.CmdCapability:
		var caps drdynvc.CapsPDU
		if err := caps.Deserialize(bytes.NewReader(body)); err != nil {
			a.logger.Warn("bad dynvc caps", "err", err)
			return
		}
		// Answer with version 1: plain data PDUs, no compression
		reply := drdynvc.CapsPDU{Version: drdynvc.CapsVersion1}
		if err := a.sendRaw(reply.Serialize()); err != nil {
			a.logger.Warn("dynvc caps reply failed", "err", err)
		}

	case drdynvc.CmdCreate:
		create, err := drdynvc.ParseCreateRequest(body, cbChID)
		if err != nil {
			a.logger.Warn("bad dynvc create request", "err", err)
			return
		}
		code := drdynvc.CreateResultOK
		if create.ChannelName != AutomationChannelName {
			a.logger.Debug("declining dynamic channel", "name", create.ChannelName)
			code = drdynvc.CreateResultNoListener
		}
		resp := drdynvc.CreateResponsePDU{ChannelID: create.ChannelID, CreationCode: code}
		if err := a.sendRaw(resp.Serialize()); err != nil {
			a.logger.Warn("dynvc create response failed", "err", err)
			return
		}
		if code == drdynvc.CreateResultOK {
			a.mu.Lock()
			a.channelID = create.ChannelID
			a.channelOpen = true
			a.mu.Unlock()
			a.failures.Store(0)
			a.logger.Info("automation channel opened", "channel_id", create.ChannelID)
		}

	case drdynvc.CmdData, drdynvc.CmdDataFirst:
		id, rest, err := drdynvc.ReadChannelID(body, cbChID)
		if err != nil {
			a.logger.Warn("bad dynvc data", "err", err)
			return
		}
		a.mu.Lock()
		open, ours := a.channelOpen, a.channelID == id
		a.mu.Unlock()
		if !open || !ours {
			return
		}
		a.mu.Lock()
		msg, complete, err := a.reassembler.Push(rest, cmd == drdynvc.CmdDataFirst, sp)
		a.mu.Unlock()
		if err != nil {
			a.logger.Warn("dynvc reassembly failed", "err", err)
			return
		}
		if complete {
			a.handleRecord(msg)
		}

	case drdynvc.CmdClose:
		id, _, err := drdynvc.ReadChannelID(body, cbChID)
		if err != nil {
			return
		}
		a.mu.Lock()
		ours := a.channelID == id
		a.mu.Unlock()
		if ours {
			a.Closed(fmt.Errorf("automation channel closed by server"))
		}

	default:
		a.logger.Debug("unhandled dynvc command", "cmd", cmd)
	}
}

// handleRecord consumes one complete JSON record from the helper.
func (a *Automation) handleRecord(payload []byte) {
	env, err := proto.DecodeDvcMessage(payload)
	if err != nil {
		a.logger.Warn("bad automation record", "err", err)
		a.failures.Add(1)
		return
	}

	switch env.Type {
	case proto.DvcHandshake:
		a.mu.Lock()
		a.handshake = env
		a.mu.Unlock()
		a.failures.Store(0)
		a.logger.Info("automation helper ready",
			"version", env.Version, "agent_pid", env.AgentPID, "capabilities", env.Capabilities)

	case proto.DvcResponse:
		a.mu.Lock()
		slot, ok := a.pending[env.ID]
		if ok {
			delete(a.pending, env.ID)
		}
		a.mu.Unlock()
		if !ok {
			// Late reply after a timeout, or an id we never issued
			a.logger.Debug("response for unknown request id dropped", "id", env.ID)
			return
		}
		slot <- &AutomationResult{Success: env.Success, Data: env.Data, Error: env.Error}

	case proto.DvcPoll:
		// Legacy poll from older helpers; requests are pushed eagerly now

	default:
		a.logger.Debug("unknown automation record type dropped", "type", env.Type)
	}
}

// Request performs one request/response exchange with the helper.
// timeout <= 0 uses the default. The pending entry is inserted before
// the PDU is written and is removed on every outcome.
func (a *Automation) Request(ctx context.Context, command string, params json.RawMessage, timeout time.Duration) (*AutomationResult, error) {
	if a.Dead() {
		return nil, &proto.ErrorInfo{
			Code:    proto.ErrChannelClosed,
			Message: fmt.Sprintf("automation channel dead after %d consecutive failures; reconnect to recover", a.failures.Load()),
		}
	}

	a.mu.Lock()
	open, channelID := a.channelOpen, a.channelID
	ready := a.handshake != nil
	a.mu.Unlock()
	if !open || !ready {
		return nil, &proto.ErrorInfo{
			Code:    proto.ErrAutomationNotEnabled,
			Message: "automation helper is not running in the guest",
		}
	}

	if timeout <= 0 {
		timeout = defaultAutomationTimeout
	}

	id := newRequestID()
	record, err := proto.EncodeDvcRequest(id, command, params)
	if err != nil {
		return nil, err
	}

	slot := make(pendingSlot, 1)
	a.mu.Lock()
	a.pending[id] = slot
	a.mu.Unlock()

	for _, pdu := range drdynvc.FragmentData(channelID, record) {
		if err := a.sendRaw(pdu); err != nil {
			a.takePending(id)
			return nil, err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-slot:
		a.failures.Store(0)
		return res, nil
	case <-timer.C:
		a.takePending(id)
		n := a.failures.Add(1)
		if n >= consecutiveFailureThreshold {
			a.logger.Error("automation channel presumed dead", "consecutive_failures", n)
		}
		return nil, &proto.ErrorInfo{
			Code:    proto.ErrTimeout,
			Message: fmt.Sprintf("no response from automation helper within %s", timeout),
		}
	case <-ctx.Done():
		a.takePending(id)
		return nil, &proto.ErrorInfo{Code: proto.ErrTimeout, Message: "request cancelled"}
	}
}

// takePending removes one entry; late replies then hit the unknown-id
// path and are dropped.
func (a *Automation) takePending(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// PendingCount reports the live pending-map size.
func (a *Automation) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Closed resolves every pending request with channel_closed and marks
// the channel gone.
func (a *Automation) Closed(cause error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]pendingSlot)
	a.channelOpen = false
	a.handshake = nil
	a.channelID = 0
	a.mu.Unlock()

	for id, slot := range pending {
		a.logger.Debug("failing pending automation request", "id", id, "cause", cause)
		slot <- &AutomationResult{
			Success: false,
			Error:   &proto.DvcErrorInfo{Code: string(proto.ErrChannelClosed), Message: cause.Error()},
		}
	}
}

// newRequestID returns a fresh 8-hex-char id. UUIDs keep ids unique for
// the daemon lifetime without coordination.
func newRequestID() string {
	return uuid.NewString()[:8]
}
