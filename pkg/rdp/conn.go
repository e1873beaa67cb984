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

// Package rdp implements the client side of the Remote Desktop Protocol:
// the TPKT/X.224/MCS framing, the TLS and CredSSP security upgrade, the
// capability exchange, and a channel-aware framed stream the session
// daemon multiplexes virtual channels over.
package rdp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAuthentication marks credential failures so callers can distinguish
// them from transport failures.
var ErrAuthentication = errors.New("authentication failed")

// Options contains configuration for a connection.
type Options struct {
	Timeout       time.Duration
	Username      string
	Password      string
	Domain        string
	ClientName    string
	DesktopWidth  uint16
	DesktopHeight uint16
	// Virtual channels to register at capability exchange, in order.
	Channels []string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Timeout:       10 * time.Second,
		ClientName:    "agent-rdp",
		DesktopWidth:  1280,
		DesktopHeight: 800,
	}
}

// Conn is an authenticated, activated RDP connection. It owns the socket;
// one reader and any number of writers (serialized per PDU) may use it.
type Conn struct {
	conn   net.Conn
	target string
	opts   *Options

	x224SrcRef         uint16
	mcsUserID          uint16
	ioChannel          uint16
	shareID            uint32
	desktopWidth       uint16
	desktopHeight      uint16
	serverSecurityData *SecurityData
	clientRandom       []byte
	sessionKeys        *SessionKeys
	encryptor          *RC4Encryptor
	decryptor          *RC4Encryptor
	tlsEnabled         bool
	tlsCertificate     []byte
	negotiatedProtocol uint32

	channelsByName map[string]uint16
	channelsByID   map[uint16]string

	writeMu sync.Mutex
	frag    fastPathFragments

	// pendingPDU buffers one payload consumed while scanning for
	// licensing traffic; drained by the next receive call.
	pendingPDU []byte

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// Connect dials the server and runs the full connection sequence through
// capability activation. On return the stream is ready for steady-state
// traffic and the channel table is populated.
func Connect(target string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	dialer := net.Dialer{Timeout: opts.Timeout}
	sock, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	c := &Conn{
		conn:           sock,
		target:         target,
		opts:           opts,
		channelsByName: make(map[string]uint16),
		channelsByID:   make(map[uint16]string),
	}

	if err := c.handshake(); err != nil {
		sock.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	if err := c.sendX224ConnectionRequest(c.opts.Username); err != nil {
		return err
	}
	negotiated, err := c.receiveX224ConnectionConfirm()
	if err != nil {
		return err
	}
	c.negotiatedProtocol = negotiated

	if isTLSRequired(negotiated) {
		if err := c.upgradeTLSConnection(DefaultTLSConfig("")); err != nil {
			return fmt.Errorf("TLS upgrade failed: %w", err)
		}
	}

	if isNLA(negotiated) {
		if err := c.performCredSSPAuth(); err != nil {
			return fmt.Errorf("%w: %s", ErrAuthentication, err)
		}
	}

	if err := c.sendMCSConnectInitial(); err != nil {
		return err
	}
	if err := c.receiveMCSConnectResponse(); err != nil {
		return err
	}

	// Only run the security exchange when legacy RDP encryption is active
	if c.serverSecurityData != nil && c.serverSecurityData.EncryptionMethod != ENCRYPTION_METHOD_NONE {
		if err := c.sendSecurityExchange(); err != nil {
			return err
		}
	}

	if err := c.performMCSDomainJoin(); err != nil {
		return err
	}

	if err := c.sendClientInfo(); err != nil {
		return err
	}

	if err := c.handleLicensing(); err != nil {
		return err
	}

	shareID, err := c.receiveDemandActive()
	if err != nil {
		return err
	}
	c.shareID = shareID

	if err := c.sendConfirmActive(shareID); err != nil {
		return err
	}
	if err := c.finalizeConnection(); err != nil {
		return err
	}

	// Ask for a full repaint so the frame buffer fills promptly
	if err := c.WriteGlobal(buildSuppressOutputPDU(true, c.desktopWidth, c.desktopHeight)); err != nil {
		return err
	}
	return c.RefreshRect(0, 0, c.desktopWidth, c.desktopHeight)
}

// DesktopSize returns the dimensions negotiated at capability exchange.
func (c *Conn) DesktopSize() (uint16, uint16) {
	return c.desktopWidth, c.desktopHeight
}

// Channels returns the channel id table keyed by name.
func (c *Conn) Channels() map[string]uint16 {
	out := make(map[string]uint16, len(c.channelsByName))
	for k, v := range c.channelsByName {
		out[k] = v
	}
	return out
}

// ChannelName resolves a channel id, or "" when unknown.
func (c *Conn) ChannelName(id uint16) string {
	return c.channelsByID[id]
}

// BytesIn reports bytes read from the stream.
func (c *Conn) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut reports bytes written to the stream.
func (c *Conn) BytesOut() uint64 { return c.bytesOut.Load() }

func (c *Conn) sendMCSConnectInitial() error {
	mcsData, err := buildMCSConnectInitial(ConnectParams{
		NegotiatedProtocol: c.negotiatedProtocol,
		ClientName:         c.opts.ClientName,
		DesktopWidth:       c.opts.DesktopWidth,
		DesktopHeight:      c.opts.DesktopHeight,
		ChannelNames:       c.opts.Channels,
	})
	if err != nil {
		return fmt.Errorf("failed to build MCS Connect Initial: %w", err)
	}
	return c.sendPDU(mcsData)
}

func (c *Conn) receiveMCSConnectResponse() error {
	data, err := c.readRawPDU()
	if err != nil {
		return err
	}
	resp, err := parseMCSConnectResponse(data)
	if err != nil {
		return err
	}
	c.serverSecurityData = resp.Security
	c.ioChannel = resp.IOChannel

	// The server returns channel ids in request order
	for i, name := range c.opts.Channels {
		if i < len(resp.ChannelIDs) {
			c.channelsByName[name] = resp.ChannelIDs[i]
			c.channelsByID[resp.ChannelIDs[i]] = name
		}
	}
	return nil
}

func (c *Conn) sendSecurityExchange() error {
	if c.serverSecurityData == nil {
		return fmt.Errorf("server security data is missing for security exchange")
	}
	pdu, clientRandom, err := buildSecurityExchangePDU(c.serverSecurityData)
	if err != nil {
		return fmt.Errorf("failed to build security exchange PDU: %w", err)
	}
	c.clientRandom = clientRandom

	// Wrapped in a security header but not itself encrypted
	wrappedPDU := c.secureWrap(SEC_EXCHANGE_PKT, pdu)
	if err := c.sendMCSData(wrappedPDU); err != nil {
		return fmt.Errorf("failed to send security exchange PDU: %w", err)
	}

	if c.serverSecurityData.EncryptionMethod != ENCRYPTION_METHOD_NONE &&
		c.serverSecurityData.ServerRandom != nil &&
		c.clientRandom != nil {

		c.sessionKeys, err = deriveSessionKeys(c.clientRandom, c.serverSecurityData.ServerRandom, c.serverSecurityData.EncryptionMethod)
		if err != nil {
			return fmt.Errorf("failed to derive session keys: %w", err)
		}
		c.encryptor, err = NewRC4Encryptor(c.sessionKeys.EncryptKey)
		if err != nil {
			return fmt.Errorf("failed to create encryptor: %w", err)
		}
		c.decryptor, err = NewRC4Encryptor(c.sessionKeys.DecryptKey)
		if err != nil {
			return fmt.Errorf("failed to create decryptor: %w", err)
		}
	}
	return nil
}

func (c *Conn) performMCSDomainJoin() error {
	if err := c.sendPDU(buildMCSErectDomainRequest()); err != nil {
		return err
	}

	if err := c.sendPDU(buildMCSAttachUserRequest()); err != nil {
		return err
	}

	userID, err := c.receiveMCSAttachUserConfirm()
	if err != nil {
		return err
	}
	c.mcsUserID = userID

	// User channel, the IO channel, then every registered virtual channel
	join := []uint16{c.mcsUserID, MCS_CHANNEL_GLOBAL}
	for _, name := range c.opts.Channels {
		if id, ok := c.channelsByName[name]; ok {
			join = append(join, id)
		}
	}
	for _, chID := range join {
		if err := c.sendPDU(buildMCSChannelJoinRequest(c.mcsUserID, chID)); err != nil {
			return err
		}
		if err := c.receiveMCSChannelJoinConfirm(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendClientInfo() error {
	info := buildClientInfoPDU(c.opts.Domain, c.opts.Username, c.opts.Password)
	wrapped := c.secureWrap(SEC_INFO_PKT, info)
	return c.sendMCSData(wrapped)
}

func (c *Conn) handleLicensing() error {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		pdu, err := c.readMCSPayload()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil // no license packet is fine
			}
			return err
		}
		if len(pdu) < 4 {
			continue
		}
		// A licensing PDU starts with a security header whose flagsHi
		// field is zero; a share control header has its PDU type there.
		flags := binary.LittleEndian.Uint16(pdu[0:])
		flagsHi := binary.LittleEndian.Uint16(pdu[2:])
		if flags&SEC_LICENSE_PKT == 0 || flagsHi != 0 {
			// Licensing already over; stash for the demand active reader
			c.pendingPDU = pdu
			return nil
		}
		done, err := c.processLicensePDU(pdu[4:])
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *Conn) receiveDemandActive() (uint32, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for attempt := 0; attempt < 20; attempt++ {
		data, err := c.nextMCSPayload()
		if err != nil {
			return 0, err
		}
		data = c.secureUnwrap(data)
		if len(data) < 6 {
			continue
		}
		shareCtrlHdr, err := parseShareControlHeader(bytes.NewReader(data))
		if err != nil {
			continue
		}
		if shareCtrlHdr.PDUType&0x0F != PDUTYPE_DEMANDACTIVEPDU {
			continue
		}
		pdu, err := parseDemandActivePDU(data[6:])
		if err != nil {
			return 0, err
		}
		w, h := pdu.DesktopSize()
		if w != 0 && h != 0 {
			c.desktopWidth, c.desktopHeight = w, h
		} else {
			c.desktopWidth, c.desktopHeight = c.opts.DesktopWidth, c.opts.DesktopHeight
		}
		return pdu.ShareID, nil
	}
	return 0, fmt.Errorf("no demand active PDU received")
}

func (c *Conn) sendConfirmActive(shareID uint32) error {
	pdu, err := buildConfirmActivePDU(shareID, c.desktopWidth, c.desktopHeight)
	if err != nil {
		return err
	}
	return c.WriteGlobal(pdu)
}

func (c *Conn) finalizeConnection() error {
	if err := c.WriteGlobal(buildSynchronizePDU(c.mcsUserID)); err != nil {
		return err
	}
	if err := c.WriteGlobal(buildControlPDU(CTRLACTION_COOPERATE)); err != nil {
		return err
	}
	if err := c.WriteGlobal(buildControlPDU(CTRLACTION_REQUEST_CONTROL)); err != nil {
		return err
	}
	if err := c.WriteGlobal(buildFontListPDU()); err != nil {
		return err
	}

	// Drain the server's connection finalization: synchronize, control
	// cooperate, control granted, font map.
	c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for attempt := 0; attempt < 20; attempt++ {
		data, err := c.nextMCSPayload()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil
			}
			return err
		}
		data = c.secureUnwrap(data)
		if len(data) < 14 {
			continue
		}
		hdr, err := parseShareControlHeader(bytes.NewReader(data))
		if err != nil || hdr.PDUType&0x0F != PDUTYPE_DATAPDU {
			continue
		}
		dataHdr, err := parseShareDataHeader(bytes.NewReader(data[6:]))
		if err != nil {
			continue
		}
		if dataHdr.PDUType2 == PDUTYPE2_FONTMAP {
			return nil
		}
	}
	return nil
}

// Event is one inbound occurrence on the stream.
type Event struct {
	// Updates from the fast-path output channel (bitmaps, pointer)
	Updates []FastPathUpdate
	// Channel carries one virtual channel chunk when ChannelID != 0
	ChannelID uint16
	Chunk     *ChannelChunk
	// Global carries one slow-path share PDU payload (headers included)
	Global []byte
	// Disconnected is set when the server sent a disconnect ultimatum
	Disconnected bool
}

// ReadEvent blocks for the next inbound event. Only one goroutine may
// call ReadEvent at a time.
func (c *Conn) ReadEvent() (*Event, error) {
	for {
		kind, data, err := c.readPDU()
		if err != nil {
			return nil, err
		}
		switch kind {
		case pduFastPath:
			updates, err := parseFastPathUpdates(data, &c.frag)
			if err != nil {
				return nil, err
			}
			return &Event{Updates: updates}, nil
		case pduMCS:
			if isMCSDisconnectProviderUltimatum(data) {
				return &Event{Disconnected: true}, nil
			}
			ind, err := parseMCSSendDataIndication(data)
			if err != nil {
				return nil, err
			}
			if ind == nil {
				continue
			}
			if ind.ChannelID == c.ioChannel || ind.ChannelID == MCS_CHANNEL_GLOBAL {
				return &Event{Global: c.secureUnwrap(ind.Data)}, nil
			}
			payload := c.secureUnwrap(ind.Data)
			chunk, err := parseChannelChunk(payload)
			if err != nil {
				return nil, err
			}
			return &Event{ChannelID: ind.ChannelID, Chunk: chunk}, nil
		}
	}
}

type pduKind int

const (
	pduFastPath pduKind = iota
	pduMCS
)

// readPDU reads one framed PDU, fast-path or TPKT.
func (c *Conn) readPDU() (pduKind, []byte, error) {
	peek := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, peek); err != nil {
		return 0, nil, err
	}
	c.bytesIn.Add(1)

	if peek[0]&0x3 == 0 {
		data, err := c.readFastPathBody(peek[0])
		return pduFastPath, data, err
	}

	// TPKT
	rest := make([]byte, 3)
	if _, err := io.ReadFull(c.conn, rest); err != nil {
		return 0, nil, err
	}
	c.bytesIn.Add(3)
	if peek[0] != TPKTVersion {
		return 0, nil, fmt.Errorf("invalid TPKT version 0x%02X", peek[0])
	}
	length := int(binary.BigEndian.Uint16(rest[1:]))
	if length < TPKTHeaderSize {
		return 0, nil, fmt.Errorf("invalid TPKT length: %d", length)
	}
	payload := make([]byte, length-TPKTHeaderSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, err
	}
	c.bytesIn.Add(uint64(len(payload)))

	// Strip the X.224 data header
	if len(payload) >= 3 && payload[0] == 0x02 && payload[1] == 0xf0 && payload[2] == 0x80 {
		payload = payload[3:]
	}
	return pduMCS, payload, nil
}

// readFastPathBody finishes reading a fast-path PDU whose first byte was
// already consumed.
func (c *Conn) readFastPathBody(firstByte byte) ([]byte, error) {
	lengthByte1 := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, lengthByte1); err != nil {
		return nil, err
	}
	c.bytesIn.Add(1)

	var length, headerSize int
	if lengthByte1[0]&0x80 != 0 {
		lengthByte2 := make([]byte, 1)
		if _, err := io.ReadFull(c.conn, lengthByte2); err != nil {
			return nil, err
		}
		c.bytesIn.Add(1)
		length = int(lengthByte1[0]&0x7F)<<8 | int(lengthByte2[0])
		headerSize = 3
	} else {
		length = int(lengthByte1[0])
		headerSize = 2
	}

	if length < headerSize {
		return nil, fmt.Errorf("invalid fast-path length %d", length)
	}
	data := make([]byte, length-headerSize)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}
	c.bytesIn.Add(uint64(len(data)))

	// Legacy RC4 encryption carries an 8-byte MAC before the payload
	if firstByte&0x80 != 0 && c.decryptor != nil {
		if len(data) > 8 {
			c.decryptor.Decrypt(data[8:])
			return data[8:], nil
		}
	}
	return data, nil
}

// readRawPDU reads the payload of the next TPKT PDU (handshake only).
func (c *Conn) readRawPDU() ([]byte, error) {
	kind, data, err := c.readPDU()
	if err != nil {
		return nil, err
	}
	if kind != pduMCS {
		return nil, fmt.Errorf("unexpected fast-path PDU during handshake")
	}
	return data, nil
}

// readMCSPayload reads the next MCS send-data-indication payload.
func (c *Conn) readMCSPayload() ([]byte, error) {
	for {
		data, err := c.readRawPDU()
		if err != nil {
			return nil, err
		}
		ind, err := parseMCSSendDataIndication(data)
		if err != nil {
			return nil, err
		}
		if ind == nil {
			continue
		}
		return ind.Data, nil
	}
}

// nextMCSPayload returns the buffered licensing leftover (already an
// extracted indication payload) or reads fresh.
func (c *Conn) nextMCSPayload() ([]byte, error) {
	if c.pendingPDU != nil {
		data := c.pendingPDU
		c.pendingPDU = nil
		return data, nil
	}
	return c.readMCSPayload()
}

func (c *Conn) receiveMCSAttachUserConfirm() (uint16, error) {
	pdu, err := c.readRawPDU()
	if err != nil {
		return 0, err
	}
	return parseMCSAttachUserConfirm(pdu)
}

func (c *Conn) receiveMCSChannelJoinConfirm() error {
	pdu, err := c.readRawPDU()
	if err != nil {
		return err
	}
	return parseMCSChannelJoinConfirm(pdu)
}

// WriteGlobal sends one slow-path share PDU on the IO channel.
func (c *Conn) WriteGlobal(pdu []byte) error {
	var wrapped []byte
	if c.encryptor != nil && c.serverSecurityData != nil && c.serverSecurityData.EncryptionMethod != ENCRYPTION_METHOD_NONE {
		wrapped = c.secureWrap(SEC_ENCRYPT, pdu)
	} else if c.sessionKeys != nil {
		wrapped = c.secureWrap(0, pdu)
	} else {
		wrapped = pdu
	}
	return c.sendMCSData(wrapped)
}

// WriteChannel sends one complete virtual channel message, chunked per
// the protocol. Each chunk is written atomically; chunks of one message
// are contiguous because the write lock spans the whole message.
func (c *Conn) WriteChannel(channelID uint16, data []byte) error {
	chunks := chunkChannelData(data)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, chunk := range chunks {
		payload := chunk
		if c.encryptor != nil && c.serverSecurityData.EncryptionMethod != ENCRYPTION_METHOD_NONE {
			payload = c.secureWrap(SEC_ENCRYPT, chunk)
		}
		mcs := buildMCSSendDataRequest(c.mcsUserID, channelID, payload)
		if err := c.writeTPKTLocked(mcs); err != nil {
			return err
		}
	}
	return nil
}

// WriteInput sends fast-path input events, chunked at 15 per PDU.
func (c *Conn) WriteInput(events []InputEvent) error {
	for len(events) > 0 {
		n := len(events)
		if n > 15 {
			n = 15
		}
		pdu, err := encodeFastPathInput(events[:n])
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		_, err = c.conn.Write(pdu)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to write input PDU: %w", err)
		}
		c.bytesOut.Add(uint64(len(pdu)))
		events = events[n:]
	}
	return nil
}

// RefreshRect requests a repaint of the given region.
func (c *Conn) RefreshRect(left, top, right, bottom uint16) error {
	return c.WriteGlobal(buildRefreshRectPDU(left, top, right, bottom))
}

// Shutdown sends the client shutdown request. The server replies by
// closing the stream or with a denied PDU; either way the caller closes.
func (c *Conn) Shutdown() error {
	return c.WriteGlobal(buildShutdownRequestPDU())
}

// sendMCSData wraps data for the IO channel and sends it.
func (c *Conn) sendMCSData(data []byte) error {
	channel := c.ioChannel
	if channel == 0 {
		channel = MCS_CHANNEL_GLOBAL
	}
	user := c.mcsUserID
	if user == 0 {
		user = 1002
	}
	return c.sendPDU(buildMCSSendDataRequest(user, channel, data))
}

// sendPDU writes one TPKT-framed X.224 data PDU.
func (c *Conn) sendPDU(pdu []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeTPKTLocked(pdu)
}

func (c *Conn) writeTPKTLocked(pdu []byte) error {
	tpkt := NewTPKTHeader(len(pdu) + 3)
	x224 := []byte{0x02, 0xf0, 0x80}
	buf := new(bytes.Buffer)
	tpkt.WriteTo(buf)
	buf.Write(x224)
	buf.Write(pdu)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write PDU: %w", err)
	}
	c.bytesOut.Add(uint64(buf.Len()))
	return nil
}

func (c *Conn) secureWrap(flags uint16, payload []byte) []byte {
	head := make([]byte, 4)
	binary.LittleEndian.PutUint16(head, flags)
	binary.LittleEndian.PutUint16(head[2:], 0) // flagsHi
	fullPDU := append(head, payload...)
	if c.encryptor != nil && flags&SEC_ENCRYPT != 0 {
		c.encryptor.Encrypt(fullPDU[4:])
	}
	return fullPDU
}

// secureUnwrap strips a security header when one is present and decrypts
// under legacy RDP security. Under TLS data PDUs carry no header.
func (c *Conn) secureUnwrap(data []byte) []byte {
	if c.sessionKeys == nil {
		return data
	}
	if len(data) < 4 {
		return data
	}

	flags := binary.LittleEndian.Uint16(data)
	if flags&(SEC_ENCRYPT|SEC_LICENSE_PKT|SEC_EXCHANGE_PKT|SEC_INFO_PKT) == 0 {
		return data
	}

	payload := data[4:]
	if c.decryptor != nil && flags&SEC_ENCRYPT != 0 && len(payload) > 8 {
		// 8-byte MAC signature precedes the encrypted payload
		payload = payload[8:]
		c.decryptor.Decrypt(payload)
	}
	return payload
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
