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
	"fmt"
	"log/slog"
	"sync"

	"github.com/agent-rdp/agent-rdp/pkg/rdp"
)

// ErrChannelClosed is delivered to handlers when the stream dies.
var ErrChannelClosed = fmt.Errorf("channel closed")

// Mux owns the authenticated RDP stream. It demultiplexes inbound PDUs
// to channel handlers (each running in its own goroutine, so handlers
// never block the reader) and serializes outbound writes through the
// connection's per-PDU write lock.
type Mux struct {
	conn   *rdp.Conn
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[uint16]*subscriber
	defrag   map[uint16]*rdp.ChannelDefragmenter

	onGlobal  func(payload []byte)
	onUpdates func(updates []rdp.FastPathUpdate)
	onClosed  func(err error)

	closeOnce sync.Once
	done      chan struct{}
}

type subscriber struct {
	name    string
	inbox   chan []byte
	handler func(msg []byte)
	closed  func(err error)
}

// NewMux wraps an established connection.
func NewMux(conn *rdp.Conn, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		conn:     conn,
		logger:   logger,
		handlers: make(map[uint16]*subscriber),
		defrag:   make(map[uint16]*rdp.ChannelDefragmenter),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a handler for complete messages on a channel.
// closed is invoked once when the mux closes, whether the stream dies or
// Close is called. Must be called before Run.
func (m *Mux) Subscribe(channelID uint16, name string, handler func(msg []byte), closed func(err error)) {
	sub := &subscriber{
		name:    name,
		inbox:   make(chan []byte, 64),
		handler: handler,
		closed:  closed,
	}
	m.mu.Lock()
	m.handlers[channelID] = sub
	m.defrag[channelID] = &rdp.ChannelDefragmenter{}
	m.mu.Unlock()

	go func() {
		for msg := range sub.inbox {
			sub.handler(msg)
		}
	}()
}

// OnGlobal registers the slow-path share PDU handler.
func (m *Mux) OnGlobal(fn func(payload []byte)) { m.onGlobal = fn }

// OnUpdates registers the fast-path update handler.
func (m *Mux) OnUpdates(fn func(updates []rdp.FastPathUpdate)) { m.onUpdates = fn }

// OnClosed registers the stream failure callback.
func (m *Mux) OnClosed(fn func(err error)) { m.onClosed = fn }

// Send writes one complete message to a virtual channel. FIFO per
// channel; the write is atomic with respect to other PDUs.
func (m *Mux) Send(channelID uint16, data []byte) error {
	select {
	case <-m.done:
		return ErrChannelClosed
	default:
	}
	return m.conn.WriteChannel(channelID, data)
}

// SendInput writes fast-path input events.
func (m *Mux) SendInput(events []rdp.InputEvent) error {
	select {
	case <-m.done:
		return ErrChannelClosed
	default:
	}
	return m.conn.WriteInput(events)
}

// Run pumps inbound PDUs until the stream closes. Blocks; call in its
// own goroutine.
func (m *Mux) Run() {
	var failure error
	for {
		event, err := m.conn.ReadEvent()
		if err != nil {
			failure = err
			break
		}
		if event.Disconnected {
			failure = fmt.Errorf("server closed the session")
			break
		}

		switch {
		case event.Updates != nil:
			if m.onUpdates != nil {
				m.onUpdates(event.Updates)
			}
		case event.Global != nil:
			if m.onGlobal != nil {
				m.onGlobal(event.Global)
			}
		case event.Chunk != nil:
			m.dispatchChunk(event.ChannelID, event.Chunk)
		}
	}

	m.closeWith(failure)
}

func (m *Mux) dispatchChunk(channelID uint16, chunk *rdp.ChannelChunk) {
	m.mu.Lock()
	sub := m.handlers[channelID]
	df := m.defrag[channelID]
	m.mu.Unlock()

	if sub == nil || df == nil {
		m.logger.Debug("chunk for unsubscribed channel dropped", "channel", channelID)
		return
	}

	msg, complete := df.Process(chunk)
	if !complete {
		return
	}
	sub.inbox <- msg
}

// Close tears down the stream and notifies every handler.
func (m *Mux) Close() {
	m.closeWith(nil)
}

func (m *Mux) closeWith(err error) {
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.Close()

		m.mu.Lock()
		subs := make([]*subscriber, 0, len(m.handlers))
		for _, sub := range m.handlers {
			subs = append(subs, sub)
		}
		m.handlers = make(map[uint16]*subscriber)
		m.mu.Unlock()

		cause := err
		if cause == nil {
			cause = ErrChannelClosed
		}
		for _, sub := range subs {
			close(sub.inbox)
			if sub.closed != nil {
				sub.closed(cause)
			}
		}

		if err != nil && m.onClosed != nil {
			m.onClosed(err)
		}
	})
}

// Done reports the stream shutdown channel.
func (m *Mux) Done() <-chan struct{} { return m.done }
