package rdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ShareControlHeader precedes every slow-path PDU on the IO channel.
type ShareControlHeader struct {
	TotalLength uint16
	PDUType     uint16
	PDUSource   uint16
}

type ShareDataHeader struct {
	ShareID            uint32
	Pad1               uint8
	StreamID           uint8
	UncompressedLength uint16
	PDUType2           uint8
	CompressedType     uint8
	CompressedLength   uint16
}

const (
	CTRLACTION_REQUEST_CONTROL = 0x0001
	CTRLACTION_GRANTED_CONTROL = 0x0002
	CTRLACTION_DETACH          = 0x0003
	CTRLACTION_COOPERATE       = 0x0004
)

// Slow-path input event types (TS_INPUT_EVENT)
const (
	INPUT_EVENT_SYNC     = 0x0000
	INPUT_EVENT_SCANCODE = 0x0004
	INPUT_EVENT_UNICODE  = 0x0005
	INPUT_EVENT_MOUSE    = 0x8001
	INPUT_EVENT_MOUSEX   = 0x8002
)

// Pointer flags (TS_POINTER_EVENT)
const (
	PTRFLAGS_HWHEEL         = 0x0400
	PTRFLAGS_WHEEL          = 0x0200
	PTRFLAGS_WHEEL_NEGATIVE = 0x0100
	PTRFLAGS_MOVE           = 0x0800
	PTRFLAGS_DOWN           = 0x8000
	PTRFLAGS_BUTTON1        = 0x1000
	PTRFLAGS_BUTTON2        = 0x2000
	PTRFLAGS_BUTTON3        = 0x4000
	WheelRotationMask       = 0x01FF
)

// Keyboard flags (TS_KEYBOARD_EVENT)
const (
	KBDFLAGS_EXTENDED = 0x0100
	KBDFLAGS_DOWN     = 0x4000
	KBDFLAGS_RELEASE  = 0x8000
)

func buildSynchronizePDU(targetUser uint16) []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, uint16(1)) // SYNCMSGTYPE_SYNC
	binary.Write(buf, binary.LittleEndian, targetUser)

	return wrapInShareDataPDU(buf.Bytes(), PDUTYPE2_SYNCHRONIZE, 0)
}

func buildControlPDU(action uint16) []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, action)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // grantID
	binary.Write(buf, binary.LittleEndian, uint32(0)) // controlID

	return wrapInShareDataPDU(buf.Bytes(), PDUTYPE2_CONTROL, 0)
}

func buildFontListPDU() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(3))  // FONTLIST_FIRST|LAST
	binary.Write(buf, binary.LittleEndian, uint16(50)) // entrySize

	return wrapInShareDataPDU(buf.Bytes(), PDUTYPE2_FONTLIST, 0)
}

// buildClientInfoPDU encodes TS_INFO_PACKET (MS-RDPBCGR 2.2.1.11.1.1) in
// Unicode. Sent wrapped in a SEC_INFO_PKT security header right after the
// MCS domain join.
func buildClientInfoPDU(domain, username, password string) []byte {
	buf := new(bytes.Buffer)

	domBytes := encodeUTF16(domain)
	userBytes := encodeUTF16(username)
	passBytes := encodeUTF16(password)

	binary.Write(buf, binary.LittleEndian, uint32(0)) // CodePage
	binary.Write(buf, binary.LittleEndian, uint32(INFO_MOUSE|INFO_UNICODE|
		INFO_MAXIMIZESHELL|INFO_DISABLECTRLALTDEL|INFO_ENABLEWINDOWSKEY))

	// cb fields exclude the mandatory terminating NUL
	binary.Write(buf, binary.LittleEndian, uint16(len(domBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(len(userBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(len(passBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // cbAlternateShell
	binary.Write(buf, binary.LittleEndian, uint16(0)) // cbWorkingDir

	buf.Write(domBytes)
	buf.Write([]byte{0, 0})
	buf.Write(userBytes)
	buf.Write([]byte{0, 0})
	buf.Write(passBytes)
	buf.Write([]byte{0, 0})
	buf.Write([]byte{0, 0}) // AlternateShell
	buf.Write([]byte{0, 0}) // WorkingDir

	return buf.Bytes()
}

// wrapInShareDataPDU adds the share control + share data headers.
func wrapInShareDataPDU(data []byte, pduType2 uint8, shareID uint32) []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, uint16(0)) // patched below
	binary.Write(buf, binary.LittleEndian, uint16(PDUTYPE_DATAPDU|0x10))
	binary.Write(buf, binary.LittleEndian, uint16(MCS_CHANNEL_GLOBAL))

	binary.Write(buf, binary.LittleEndian, shareID)
	binary.Write(buf, binary.LittleEndian, uint8(0))            // pad1
	binary.Write(buf, binary.LittleEndian, uint8(1))            // streamID
	binary.Write(buf, binary.LittleEndian, uint16(len(data)+8)) // uncompressedLength
	binary.Write(buf, binary.LittleEndian, pduType2)
	binary.Write(buf, binary.LittleEndian, uint8(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	buf.Write(data)

	result := buf.Bytes()
	binary.LittleEndian.PutUint16(result[0:2], uint16(len(result)))

	return result
}

// ParseShareControlHeader reads a TS_SHARECONTROLHEADER.
func ParseShareControlHeader(r io.Reader) (*ShareControlHeader, error) {
	return parseShareControlHeader(r)
}

// ParseShareDataHeader reads a TS_SHAREDATAHEADER.
func ParseShareDataHeader(r io.Reader) (*ShareDataHeader, error) {
	return parseShareDataHeader(r)
}

// ParseBitmapUpdate decodes TS_UPDATE_BITMAP_DATA.
func ParseBitmapUpdate(data []byte) (*BitmapUpdateData, error) {
	return parseBitmapUpdateData(data)
}

func parseShareControlHeader(r io.Reader) (*ShareControlHeader, error) {
	hdr := &ShareControlHeader{}
	if err := binary.Read(r, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	return hdr, nil
}

func parseShareDataHeader(r io.Reader) (*ShareDataHeader, error) {
	hdr := &ShareDataHeader{}
	if err := binary.Read(r, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	return hdr, nil
}

// BitmapData is one rectangle of a bitmap update (TS_BITMAP_DATA).
type BitmapData struct {
	DestLeft         uint16
	DestTop          uint16
	DestRight        uint16
	DestBottom       uint16
	Width            uint16
	Height           uint16
	BitsPerPixel     uint16
	Flags            uint16
	BitmapLength     uint16
	BitmapDataStream []byte
}

// Compressed reports whether the rectangle payload is RLE compressed.
func (b *BitmapData) Compressed() bool {
	return b.Flags&0x0001 != 0
}

// NoCompressionHeader reports whether the compressed payload omits the
// TS_CD_HEADER prefix (NO_BITMAP_COMPRESSION_HDR was negotiated).
func (b *BitmapData) NoCompressionHeader() bool {
	return b.Flags&0x0400 != 0
}

// BitmapUpdateData is a decoded TS_UPDATE_BITMAP_DATA.
type BitmapUpdateData struct {
	UpdateType       uint16
	NumberRectangles uint16
	Rectangles       []BitmapData
}

// parseBitmapUpdateData decodes TS_UPDATE_BITMAP_DATA
// (MS-RDPBCGR 2.2.9.1.1.3.1.2). The leading updateType field is included.
func parseBitmapUpdateData(data []byte) (*BitmapUpdateData, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bitmap update data too short: %d bytes", len(data))
	}

	update := &BitmapUpdateData{}
	r := bytes.NewReader(data)

	binary.Read(r, binary.LittleEndian, &update.UpdateType)
	binary.Read(r, binary.LittleEndian, &update.NumberRectangles)

	update.Rectangles = make([]BitmapData, 0, update.NumberRectangles)
	for i := uint16(0); i < update.NumberRectangles; i++ {
		var rect BitmapData

		if r.Len() < 18 {
			return nil, fmt.Errorf("insufficient data for rectangle %d header", i)
		}

		binary.Read(r, binary.LittleEndian, &rect.DestLeft)
		binary.Read(r, binary.LittleEndian, &rect.DestTop)
		binary.Read(r, binary.LittleEndian, &rect.DestRight)
		binary.Read(r, binary.LittleEndian, &rect.DestBottom)
		binary.Read(r, binary.LittleEndian, &rect.Width)
		binary.Read(r, binary.LittleEndian, &rect.Height)
		binary.Read(r, binary.LittleEndian, &rect.BitsPerPixel)
		binary.Read(r, binary.LittleEndian, &rect.Flags)
		binary.Read(r, binary.LittleEndian, &rect.BitmapLength)

		if rect.BitmapLength > 0 {
			if r.Len() < int(rect.BitmapLength) {
				return nil, fmt.Errorf("insufficient data for rectangle %d bitmap: need %d, have %d",
					i, rect.BitmapLength, r.Len())
			}
			rect.BitmapDataStream = make([]byte, rect.BitmapLength)
			r.Read(rect.BitmapDataStream)
		}

		update.Rectangles = append(update.Rectangles, rect)
	}

	return update, nil
}

// buildRefreshRectPDU asks the server to repaint a region.
func buildRefreshRectPDU(left, top, right, bottom uint16) []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, uint8(1)) // numberOfAreas
	binary.Write(buf, binary.LittleEndian, uint8(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))

	binary.Write(buf, binary.LittleEndian, left)
	binary.Write(buf, binary.LittleEndian, top)
	binary.Write(buf, binary.LittleEndian, right)
	binary.Write(buf, binary.LittleEndian, bottom)

	return wrapInShareDataPDU(buf.Bytes(), PDUTYPE2_REFRESH_RECT, 0)
}

// buildSuppressOutputPDU enables or disables display updates for the full
// desktop.
func buildSuppressOutputPDU(allowDisplayUpdates bool, width, height uint16) []byte {
	buf := new(bytes.Buffer)

	if allowDisplayUpdates {
		binary.Write(buf, binary.LittleEndian, uint8(1)) // ALLOW_DISPLAY_UPDATES
		binary.Write(buf, binary.LittleEndian, uint8(0))
		binary.Write(buf, binary.LittleEndian, uint16(0))

		binary.Write(buf, binary.LittleEndian, uint16(0))
		binary.Write(buf, binary.LittleEndian, uint16(0))
		binary.Write(buf, binary.LittleEndian, width)
		binary.Write(buf, binary.LittleEndian, height)
	} else {
		binary.Write(buf, binary.LittleEndian, uint8(0)) // SUPPRESS_DISPLAY_UPDATES
		binary.Write(buf, binary.LittleEndian, uint8(0))
		binary.Write(buf, binary.LittleEndian, uint16(0))
	}

	return wrapInShareDataPDU(buf.Bytes(), PDUTYPE2_SUPPRESS_OUTPUT, 0)
}

// buildShutdownRequestPDU announces a client-initiated disconnect.
func buildShutdownRequestPDU() []byte {
	return wrapInShareDataPDU(nil, PDUTYPE2_SHUTDOWN_REQUEST, 0)
}

// DemandActivePDU represents the Server Demand Active PDU (MS-RDPBCGR 2.2.1.13.1)
type DemandActivePDU struct {
	ShareID                    uint32
	LengthSourceDescriptor     uint16
	LengthCombinedCapabilities uint16
	SourceDescriptor           string
	NumberCapabilities         uint16
	Pad2Octets                 uint16
	CapabilitySets             []CapabilitySet
	SessionID                  uint32
}

// CapabilitySet represents a generic capability set
type CapabilitySet struct {
	Type   uint16
	Length uint16
	Data   []byte
}

// DesktopSize extracts the desktop dimensions from the server's bitmap
// capability set, falling back to (0, 0) when absent.
func (p *DemandActivePDU) DesktopSize() (uint16, uint16) {
	for _, cs := range p.CapabilitySets {
		if cs.Type == CAPSTYPE_BITMAP && len(cs.Data) >= 12 {
			w := binary.LittleEndian.Uint16(cs.Data[8:])
			h := binary.LittleEndian.Uint16(cs.Data[10:])
			return w, h
		}
	}
	return 0, 0
}

// parseDemandActivePDU parses a Server Demand Active PDU
func parseDemandActivePDU(data []byte) (*DemandActivePDU, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("demand active PDU too short for ShareID: %d bytes", len(data))
	}

	pdu := &DemandActivePDU{}
	r := bytes.NewReader(data)

	binary.Read(r, binary.LittleEndian, &pdu.ShareID)
	binary.Read(r, binary.LittleEndian, &pdu.LengthSourceDescriptor)
	binary.Read(r, binary.LittleEndian, &pdu.LengthCombinedCapabilities)

	if pdu.LengthSourceDescriptor > 0 {
		srcDesc := make([]byte, pdu.LengthSourceDescriptor)
		if _, err := io.ReadFull(r, srcDesc); err != nil {
			return nil, fmt.Errorf("failed to read source descriptor: %w", err)
		}
		pdu.SourceDescriptor = string(srcDesc)
	}

	if r.Len() < 4 {
		return pdu, nil // No capabilities present, which is valid
	}

	binary.Read(r, binary.LittleEndian, &pdu.NumberCapabilities)
	binary.Read(r, binary.LittleEndian, &pdu.Pad2Octets)

	pdu.CapabilitySets = make([]CapabilitySet, 0, pdu.NumberCapabilities)
	for i := uint16(0); i < pdu.NumberCapabilities; i++ {
		var capSet CapabilitySet
		if r.Len() < 4 {
			break
		}
		binary.Read(r, binary.LittleEndian, &capSet.Type)
		binary.Read(r, binary.LittleEndian, &capSet.Length)

		if capSet.Length >= 4 {
			capDataLen := int(capSet.Length) - 4
			if r.Len() < capDataLen {
				break
			}
			capSet.Data = make([]byte, capDataLen)
			r.Read(capSet.Data)
		}
		pdu.CapabilitySets = append(pdu.CapabilitySets, capSet)
	}

	if r.Len() >= 4 {
		binary.Read(r, binary.LittleEndian, &pdu.SessionID)
	}

	return pdu, nil
}
