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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
	"github.com/agent-rdp/agent-rdp/pkg/rdp/drdynvc"
)

// guestStub plays the in-guest helper: it captures outbound PDUs and
// can answer requests.
type guestStub struct {
	mu   sync.Mutex
	sent [][]byte
}

func (g *guestStub) send(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, append([]byte(nil), data...))
	return nil
}

// lastRequest decodes the most recent outbound request record.
func (g *guestStub) lastRequest(t *testing.T) *proto.DvcRequestMsg {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		for i := len(g.sent) - 1; i >= 0; i-- {
			cmd, cbChID, sp, body, err := drdynvc.ParsePDU(g.sent[i])
			if err != nil || (cmd != drdynvc.CmdData && cmd != drdynvc.CmdDataFirst) {
				continue
			}
			_, rest, err := drdynvc.ReadChannelID(body, cbChID)
			if err != nil {
				continue
			}
			var ra drdynvc.Reassembler
			msg, complete, err := ra.Push(rest, cmd == drdynvc.CmdDataFirst, sp)
			if err != nil || !complete {
				continue
			}
			var req proto.DvcRequestMsg
			if err := json.Unmarshal(msg, &req); err == nil && req.Type == proto.DvcRequest {
				g.mu.Unlock()
				return &req
			}
		}
		g.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no outbound request observed")
	return nil
}

func openAutomation(t *testing.T) (*Automation, *guestStub) {
	t.Helper()
	g := &guestStub{}
	a := NewAutomation(g.send, testLogger())

	// Server capability exchange
	caps := drdynvc.CapsPDU{Version: drdynvc.CapsVersion1}
	a.HandleMessage(caps.Serialize())

	// Channel create for the automation channel, id 9
	create := append([]byte{drdynvc.CmdCreate << 4, 9}, []byte(AutomationChannelName+"\x00")...)
	a.HandleMessage(create)

	if a.Ready() {
		t.Fatal("ready before handshake")
	}

	// Helper handshake
	handshake := `{"type":"handshake","version":"1.2.0","agent_pid":4242,"capabilities":["snapshot","click"]}`
	a.HandleMessage(wrapData(9, []byte(handshake)))

	if !a.Ready() {
		t.Fatal("not ready after handshake")
	}
	return a, g
}

// wrapData builds one DYNVC_DATA PDU for channel id <= 255.
func wrapData(channelID byte, payload []byte) []byte {
	return append([]byte{drdynvc.CmdData << 4, channelID}, payload...)
}

func TestAutomationNotEnabledBeforeHandshake(t *testing.T) {
	g := &guestStub{}
	a := NewAutomation(g.send, testLogger())

	_, err := a.Request(context.Background(), "status", nil, time.Second)
	info, ok := err.(*proto.ErrorInfo)
	if !ok || info.Code != proto.ErrAutomationNotEnabled {
		t.Fatalf("error = %v, want automation_not_enabled", err)
	}
}

func TestAutomationRequestResponse(t *testing.T) {
	a, g := openAutomation(t)

	done := make(chan *AutomationResult, 1)
	go func() {
		res, err := a.Request(context.Background(), "click", json.RawMessage(`{"selector":"@e2"}`), time.Second)
		if err != nil {
			t.Errorf("Request() error = %v", err)
			done <- nil
			return
		}
		done <- res
	}()

	req := g.lastRequest(t)
	if req.Command != "click" {
		t.Errorf("command = %q, want click", req.Command)
	}
	if len(req.ID) != 8 {
		t.Errorf("request id = %q, want 8 chars", req.ID)
	}

	// Helper replies
	reply := fmt.Sprintf(`{"type":"response","id":%q,"success":true,"data":{"clicked":true,"method":"InvokePattern"}}`, req.ID)
	a.HandleMessage(wrapData(9, []byte(reply)))

	res := <-done
	if res == nil {
		t.Fatal("no result")
	}
	if !res.Success {
		t.Fatalf("result not successful: %+v", res)
	}
	var data struct {
		Clicked bool   `json:"clicked"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("result data: %v", err)
	}
	if !data.Clicked || data.Method != "InvokePattern" {
		t.Errorf("data = %+v", data)
	}
	if a.PendingCount() != 0 {
		t.Errorf("pending map has %d entries after completion", a.PendingCount())
	}
}

func TestAutomationRequestIDsUnique(t *testing.T) {
	a, g := openAutomation(t)

	const n = 20
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Very short timeout; the ids are what matters
			a.Request(context.Background(), "status", nil, 30*time.Millisecond)
		}()
	}
	wg.Wait()

	g.mu.Lock()
	for _, pdu := range g.sent {
		cmd, cbChID, sp, body, err := drdynvc.ParsePDU(pdu)
		if err != nil || cmd != drdynvc.CmdData && cmd != drdynvc.CmdDataFirst {
			continue
		}
		_, rest, err := drdynvc.ReadChannelID(body, cbChID)
		if err != nil {
			continue
		}
		var ra drdynvc.Reassembler
		msg, complete, err := ra.Push(rest, cmd == drdynvc.CmdDataFirst, sp)
		if err != nil || !complete {
			continue
		}
		var req proto.DvcRequestMsg
		if json.Unmarshal(msg, &req) == nil && req.Type == proto.DvcRequest {
			mu.Lock()
			if seen[req.ID] {
				t.Errorf("duplicate request id %q", req.ID)
			}
			seen[req.ID] = true
			mu.Unlock()
		}
	}
	g.mu.Unlock()

	if a.PendingCount() != 0 {
		t.Errorf("pending map has %d entries after timeouts", a.PendingCount())
	}
}

func TestAutomationTimeoutCleansPending(t *testing.T) {
	a, _ := openAutomation(t)

	_, err := a.Request(context.Background(), "status", nil, 20*time.Millisecond)
	info, ok := err.(*proto.ErrorInfo)
	if !ok || info.Code != proto.ErrTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
	if a.PendingCount() != 0 {
		t.Errorf("pending map has %d entries after timeout", a.PendingCount())
	}
}

func TestAutomationLateReplyDropped(t *testing.T) {
	a, g := openAutomation(t)

	done := make(chan struct{})
	go func() {
		a.Request(context.Background(), "status", nil, 20*time.Millisecond)
		close(done)
	}()
	req := g.lastRequest(t)
	<-done

	// The late reply must be dropped silently
	reply := fmt.Sprintf(`{"type":"response","id":%q,"success":true,"data":{}}`, req.ID)
	a.HandleMessage(wrapData(9, []byte(reply)))
	if a.PendingCount() != 0 {
		t.Errorf("pending map not empty")
	}
}

func TestAutomationDeadAfterConsecutiveFailures(t *testing.T) {
	a, _ := openAutomation(t)

	for i := 0; i < consecutiveFailureThreshold; i++ {
		a.Request(context.Background(), "status", nil, 5*time.Millisecond)
	}
	if !a.Dead() {
		t.Fatal("channel not marked dead after consecutive failures")
	}

	_, err := a.Request(context.Background(), "status", nil, time.Second)
	info, ok := err.(*proto.ErrorInfo)
	if !ok || info.Code != proto.ErrChannelClosed {
		t.Fatalf("error = %v, want channel_closed", err)
	}
}

func TestAutomationChannelCloseFailsPending(t *testing.T) {
	a, g := openAutomation(t)

	errCh := make(chan *AutomationResult, 1)
	go func() {
		res, err := a.Request(context.Background(), "status", nil, 5*time.Second)
		if err != nil {
			errCh <- nil
			return
		}
		errCh <- res
	}()
	g.lastRequest(t)

	// Server closes the dynamic channel
	a.HandleMessage([]byte{drdynvc.CmdClose << 4, 9})

	select {
	case res := <-errCh:
		if res == nil {
			t.Fatal("request errored instead of resolving with channel_closed")
		}
		if res.Success || res.Error == nil || res.Error.Code != string(proto.ErrChannelClosed) {
			t.Fatalf("result = %+v, want channel_closed", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never resolved after channel close")
	}

	if a.Ready() {
		t.Error("channel still ready after close")
	}
}

func TestAutomationUnknownRecordDropped(t *testing.T) {
	a, _ := openAutomation(t)
	a.HandleMessage(wrapData(9, []byte(`{"type":"mystery","id":"zzzzzzzz"}`)))
	if a.PendingCount() != 0 {
		t.Error("unknown record affected pending map")
	}
}
