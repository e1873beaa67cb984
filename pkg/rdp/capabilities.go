package rdp

import (
	"bytes"
	"encoding/binary"
)

func buildConfirmActivePDU(shareID uint32, width, height uint16) ([]byte, error) {
	capsBuf := new(bytes.Buffer)

	addGeneralCapabilitySet(capsBuf)
	addBitmapCapabilitySet(capsBuf, width, height)
	addOrderCapabilitySet(capsBuf)
	addPointerCapabilitySet(capsBuf)
	addInputCapabilitySet(capsBuf)
	addVirtualChannelCapabilitySet(capsBuf)
	addShareCapabilitySet(capsBuf)
	addSoundCapabilitySet(capsBuf)

	capsData := capsBuf.Bytes()

	pdu := new(bytes.Buffer)
	binary.Write(pdu, binary.LittleEndian, shareID)
	binary.Write(pdu, binary.LittleEndian, uint16(1002))
	binary.Write(pdu, binary.LittleEndian, uint16(4)) // lengthSourceDescriptor
	binary.Write(pdu, binary.LittleEndian, uint16(len(capsData)+4))
	pdu.WriteString("RDP\x00")
	binary.Write(pdu, binary.LittleEndian, uint16(8)) // numberCapabilities
	binary.Write(pdu, binary.LittleEndian, uint16(0)) // pad2Octets
	pdu.Write(capsData)

	finalPDU := new(bytes.Buffer)
	pduBytes := pdu.Bytes()
	totalLength := uint16(len(pduBytes) + 6)
	binary.Write(finalPDU, binary.LittleEndian, totalLength)
	binary.Write(finalPDU, binary.LittleEndian, uint16(PDUTYPE_CONFIRMACTIVEPDU|0x10))
	binary.Write(finalPDU, binary.LittleEndian, uint16(1002))
	finalPDU.Write(pduBytes)

	return finalPDU.Bytes(), nil
}

func addGeneralCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_GENERAL))
	binary.Write(buf, binary.LittleEndian, uint16(24))
	binary.Write(buf, binary.LittleEndian, uint16(1))      // osMajorType
	binary.Write(buf, binary.LittleEndian, uint16(3))      // osMinorType
	binary.Write(buf, binary.LittleEndian, uint16(0x0200)) // protocolVersion

	extraFlags := uint16(LONG_CREDENTIALS_SUPPORTED | NO_BITMAP_COMPRESSION_HDR |
		ENC_SALTED_CHECKSUM | FASTPATH_OUTPUT_SUPPORTED)
	binary.Write(buf, binary.LittleEndian, extraFlags)
	buf.Write(make([]byte, 12))
}

func addBitmapCapabilitySet(buf *bytes.Buffer, width, height uint16) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_BITMAP))
	binary.Write(buf, binary.LittleEndian, uint16(28))
	binary.Write(buf, binary.LittleEndian, uint16(16)) // preferredBitsPerPixel
	binary.Write(buf, binary.LittleEndian, uint16(1))  // receive1BitPerPixel
	binary.Write(buf, binary.LittleEndian, uint16(1))  // receive4BitsPerPixel
	binary.Write(buf, binary.LittleEndian, uint16(1))  // receive8BitsPerPixel
	binary.Write(buf, binary.LittleEndian, width)
	binary.Write(buf, binary.LittleEndian, height)
	buf.Write(make([]byte, 2))                        // pad
	binary.Write(buf, binary.LittleEndian, uint16(1)) // desktopResizeFlag
	binary.Write(buf, binary.LittleEndian, uint16(1)) // bitmapCompressionFlag
	buf.Write(make([]byte, 6))
}

func addOrderCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_ORDER))
	binary.Write(buf, binary.LittleEndian, uint16(88))

	// terminalDescriptor(16) + pad(4) + granularities(4) + pad(2) +
	// maxOrderLevel(2) + numberFonts(2) = 30 bytes before orderFlags
	buf.Write(make([]byte, 30))

	orderFlags := uint16(NEGOTIATEORDERSUPPORT | ZEROBOUNDSDELTASSUPPORT)
	binary.Write(buf, binary.LittleEndian, orderFlags)

	// orderSupport(32) + textFlags + the rest, all zero: no drawing orders,
	// the server must fall back to bitmap updates
	buf.Write(make([]byte, 52))
}

func addPointerCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_POINTER))
	binary.Write(buf, binary.LittleEndian, uint16(10))
	binary.Write(buf, binary.LittleEndian, uint16(1))  // colorPointerFlag
	binary.Write(buf, binary.LittleEndian, uint16(20)) // colorPointerCacheSize
	binary.Write(buf, binary.LittleEndian, uint16(20)) // pointerCacheSize
}

func addInputCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_INPUT))
	binary.Write(buf, binary.LittleEndian, uint16(88))
	binary.Write(buf, binary.LittleEndian, uint16(INPUT_FLAG_SCANCODES|
		INPUT_FLAG_UNICODE|INPUT_FLAG_FASTPATH_INPUT|INPUT_FLAG_FASTPATH_INPUT2))
	binary.Write(buf, binary.LittleEndian, uint16(0))      // pad2OctetsA
	binary.Write(buf, binary.LittleEndian, uint32(0x0409)) // keyboardLayout
	binary.Write(buf, binary.LittleEndian, uint32(0x04))   // keyboardType
	binary.Write(buf, binary.LittleEndian, uint32(0))      // keyboardSubType
	binary.Write(buf, binary.LittleEndian, uint32(12))     // keyboardFunctionKey
	buf.Write(make([]byte, 64))                            // imeFileName
}

func addVirtualChannelCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_VIRTUALCHANNEL))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // VCCAPS_NO_COMPR
}

func addShareCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_SHARE))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // nodeID (client fills 0)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
}

func addSoundCapabilitySet(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, uint16(CAPSTYPE_SOUND))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // no beeps
	binary.Write(buf, binary.LittleEndian, uint16(0))
}
