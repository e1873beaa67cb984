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

// Package rdpdr implements the device redirection sub-protocol
// (MS-RDPEFS) and a virtual filesystem backend serving mapped local
// directories to the guest as redirected drives.
package rdpdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Component ids (RDPDR_HEADER)
const (
	RDPDR_CTYP_CORE = 0x4472
	RDPDR_CTYP_PRN  = 0x5052
)

// Packet ids
const (
	PAKID_CORE_SERVER_ANNOUNCE     = 0x496E
	PAKID_CORE_CLIENTID_CONFIRM    = 0x4343
	PAKID_CORE_CLIENT_NAME         = 0x434E
	PAKID_CORE_DEVICELIST_ANNOUNCE = 0x4441
	PAKID_CORE_DEVICE_REPLY        = 0x6472
	PAKID_CORE_DEVICE_IOREQUEST    = 0x4952
	PAKID_CORE_DEVICE_IOCOMPLETION = 0x4943
	PAKID_CORE_SERVER_CAPABILITY   = 0x5350
	PAKID_CORE_CLIENT_CAPABILITY   = 0x4350
	PAKID_CORE_DEVICELIST_REMOVE   = 0x444D
	PAKID_CORE_USER_LOGGEDON       = 0x554C
)

// Device types
const (
	RDPDR_DTYP_SERIAL     = 0x00000001
	RDPDR_DTYP_PARALLEL   = 0x00000002
	RDPDR_DTYP_PRINT      = 0x00000004
	RDPDR_DTYP_FILESYSTEM = 0x00000008
	RDPDR_DTYP_SMARTCARD  = 0x00000020
)

// Capability types
const (
	CAP_GENERAL_TYPE   = 0x0001
	CAP_PRINTER_TYPE   = 0x0002
	CAP_PORT_TYPE      = 0x0003
	CAP_DRIVE_TYPE     = 0x0004
	CAP_SMARTCARD_TYPE = 0x0005
)

// IRP major functions
const (
	IRP_MJ_CREATE                   = 0x00000000
	IRP_MJ_CLOSE                    = 0x00000002
	IRP_MJ_READ                     = 0x00000003
	IRP_MJ_WRITE                    = 0x00000004
	IRP_MJ_QUERY_INFORMATION        = 0x00000005
	IRP_MJ_SET_INFORMATION          = 0x00000006
	IRP_MJ_QUERY_VOLUME_INFORMATION = 0x0000000A
	IRP_MJ_SET_VOLUME_INFORMATION   = 0x0000000B
	IRP_MJ_DIRECTORY_CONTROL        = 0x0000000C
	IRP_MJ_DEVICE_CONTROL           = 0x0000000E
	IRP_MJ_LOCK_CONTROL             = 0x00000011
)

// IRP minor functions for directory control
const (
	IRP_MN_QUERY_DIRECTORY         = 0x00000001
	IRP_MN_NOTIFY_CHANGE_DIRECTORY = 0x00000002
)

// NTSTATUS codes used by the backend
const (
	STATUS_SUCCESS         = 0x00000000
	STATUS_NO_MORE_FILES   = 0x80000006
	STATUS_UNSUCCESSFUL    = 0xC0000001
	STATUS_NOT_IMPLEMENTED = 0xC0000002
	STATUS_NO_SUCH_FILE    = 0xC000000F
	STATUS_ACCESS_DENIED   = 0xC0000022
	STATUS_NOT_SUPPORTED   = 0xC00000BB
	STATUS_NOT_A_DIRECTORY = 0xC0000103
)

// Create dispositions (MS-SMB2 / MS-RDPEFS 2.2.1.4.1)
const (
	FILE_SUPERSEDE    = 0x00000000
	FILE_OPEN         = 0x00000001
	FILE_CREATE       = 0x00000002
	FILE_OPEN_IF      = 0x00000003
	FILE_OVERWRITE    = 0x00000004
	FILE_OVERWRITE_IF = 0x00000005
)

// Create options
const (
	FILE_DIRECTORY_FILE     = 0x00000001
	FILE_NON_DIRECTORY_FILE = 0x00000040
	FILE_DELETE_ON_CLOSE    = 0x00001000
)

// Information values of the create response
const (
	FILE_SUPERSEDED  = 0x00000000
	FILE_OPENED      = 0x00000001
	FILE_OVERWRITTEN = 0x00000003
)

// File attribute bits
const (
	FILE_ATTRIBUTE_READONLY  = 0x00000001
	FILE_ATTRIBUTE_HIDDEN    = 0x00000002
	FILE_ATTRIBUTE_SYSTEM    = 0x00000004
	FILE_ATTRIBUTE_DIRECTORY = 0x00000010
	FILE_ATTRIBUTE_ARCHIVE   = 0x00000020
	FILE_ATTRIBUTE_NORMAL    = 0x00000080
)

// File information classes
const (
	FileDirectoryInformation     = 1
	FileFullDirectoryInformation = 2
	FileBothDirectoryInformation = 3
	FileBasicInformation         = 4
	FileStandardInformation      = 5
	FileRenameInformation        = 10
	FileNamesInformation         = 12
	FileDispositionInformation   = 13
	FileAllocationInformation    = 19
	FileEndOfFileInformation     = 20
	FileAttributeTagInformation  = 35
)

// Filesystem information classes
const (
	FileFsVolumeInformation    = 1
	FileFsSizeInformation      = 3
	FileFsDeviceInformation    = 4
	FileFsAttributeInformation = 5
	FileFsFullSizeInformation  = 7
)

// Header is the RDPDR_HEADER shared by every message on the channel.
type Header struct {
	Component uint16
	PacketID  uint16
}

// DecodeHeader splits the shared header from the body.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < 4 {
		return Header{}, nil, fmt.Errorf("rdpdr message too short: %d bytes", len(data))
	}
	return Header{
		Component: binary.LittleEndian.Uint16(data[0:]),
		PacketID:  binary.LittleEndian.Uint16(data[2:]),
	}, data[4:], nil
}

func encodeHeader(buf *bytes.Buffer, packetID uint16) {
	binary.Write(buf, binary.LittleEndian, uint16(RDPDR_CTYP_CORE))
	binary.Write(buf, binary.LittleEndian, packetID)
}

// ServerAnnounce is the server's opening message.
type ServerAnnounce struct {
	VersionMajor uint16
	VersionMinor uint16
	ClientID     uint32
}

// ParseServerAnnounce decodes the announce body.
func ParseServerAnnounce(body []byte) (*ServerAnnounce, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("server announce too short")
	}
	return &ServerAnnounce{
		VersionMajor: binary.LittleEndian.Uint16(body[0:]),
		VersionMinor: binary.LittleEndian.Uint16(body[2:]),
		ClientID:     binary.LittleEndian.Uint32(body[4:]),
	}, nil
}

// EncodeClientAnnounceReply echoes the server's major version and client
// id; the minor version is always reported as 12 (0x000C).
func EncodeClientAnnounceReply(a *ServerAnnounce) []byte {
	buf := new(bytes.Buffer)
	encodeHeader(buf, PAKID_CORE_CLIENTID_CONFIRM)
	binary.Write(buf, binary.LittleEndian, a.VersionMajor)
	binary.Write(buf, binary.LittleEndian, uint16(0x000C))
	binary.Write(buf, binary.LittleEndian, a.ClientID)
	return buf.Bytes()
}

// EncodeClientName announces the client computer name.
func EncodeClientName(name string) []byte {
	buf := new(bytes.Buffer)
	encodeHeader(buf, PAKID_CORE_CLIENT_NAME)
	nameBytes := encodeUTF16WithNul(name)
	binary.Write(buf, binary.LittleEndian, uint32(1)) // UnicodeFlag
	binary.Write(buf, binary.LittleEndian, uint32(0)) // CodePage
	binary.Write(buf, binary.LittleEndian, uint32(len(nameBytes)))
	buf.Write(nameBytes)
	return buf.Bytes()
}

// EncodeClientCapability answers the server's core capability request
// with GENERAL and DRIVE capability sets.
func EncodeClientCapability() []byte {
	buf := new(bytes.Buffer)
	encodeHeader(buf, PAKID_CORE_CLIENT_CAPABILITY)
	binary.Write(buf, binary.LittleEndian, uint16(2)) // numCapabilities
	binary.Write(buf, binary.LittleEndian, uint16(0)) // padding

	// GENERAL_CAPS_SET, version 2
	binary.Write(buf, binary.LittleEndian, uint16(CAP_GENERAL_TYPE))
	binary.Write(buf, binary.LittleEndian, uint16(44))
	binary.Write(buf, binary.LittleEndian, uint32(2))
	binary.Write(buf, binary.LittleEndian, uint32(0))          // osType
	binary.Write(buf, binary.LittleEndian, uint32(0))          // osVersion
	binary.Write(buf, binary.LittleEndian, uint16(1))          // protocolMajor
	binary.Write(buf, binary.LittleEndian, uint16(0x000C))     // protocolMinor
	binary.Write(buf, binary.LittleEndian, uint32(0x0000FFFF)) // ioCode1
	binary.Write(buf, binary.LittleEndian, uint32(0))          // ioCode2
	binary.Write(buf, binary.LittleEndian, uint32(7))          // extendedPDU
	binary.Write(buf, binary.LittleEndian, uint32(0))          // extraFlags1
	binary.Write(buf, binary.LittleEndian, uint32(0))          // extraFlags2
	binary.Write(buf, binary.LittleEndian, uint32(0))          // SpecialTypeDeviceCap

	// DRIVE_CAPS_SET, version 2
	binary.Write(buf, binary.LittleEndian, uint16(CAP_DRIVE_TYPE))
	binary.Write(buf, binary.LittleEndian, uint16(8))
	binary.Write(buf, binary.LittleEndian, uint32(2))

	return buf.Bytes()
}

// Drive describes one redirected directory.
type Drive struct {
	DeviceID uint32
	Name     string
	Root     string
}

// EncodeDeviceListAnnounce announces the drive table to the server.
func EncodeDeviceListAnnounce(drives []Drive) []byte {
	buf := new(bytes.Buffer)
	encodeHeader(buf, PAKID_CORE_DEVICELIST_ANNOUNCE)
	binary.Write(buf, binary.LittleEndian, uint32(len(drives)))
	for _, d := range drives {
		binary.Write(buf, binary.LittleEndian, uint32(RDPDR_DTYP_FILESYSTEM))
		binary.Write(buf, binary.LittleEndian, d.DeviceID)

		dosName := make([]byte, 8)
		copy(dosName, sanitizeDosName(d.Name))
		buf.Write(dosName)

		// Device data carries the full display name, ASCII + NUL
		data := append([]byte(d.Name), 0)
		binary.Write(buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}
	return buf.Bytes()
}

// sanitizeDosName maps a display name onto the 8-byte preferred DOS name
// field (upper-case, 7 chars max, NUL padded).
func sanitizeDosName(name string) []byte {
	out := make([]byte, 0, 7)
	for _, r := range name {
		if len(out) >= 7 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, byte(r-'a'+'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-':
			out = append(out, byte(r))
		}
	}
	if len(out) == 0 {
		out = append(out, 'D', 'R', 'I', 'V', 'E')
	}
	return out
}

// IORequest is the DR_DEVICE_IOREQUEST header.
type IORequest struct {
	DeviceID      uint32
	FileID        uint32
	CompletionID  uint32
	MajorFunction uint32
	MinorFunction uint32
	Body          []byte
}

// ParseIORequest decodes a device I/O request.
func ParseIORequest(body []byte) (*IORequest, error) {
	if len(body) < 20 {
		return nil, fmt.Errorf("device io request too short: %d bytes", len(body))
	}
	return &IORequest{
		DeviceID:      binary.LittleEndian.Uint32(body[0:]),
		FileID:        binary.LittleEndian.Uint32(body[4:]),
		CompletionID:  binary.LittleEndian.Uint32(body[8:]),
		MajorFunction: binary.LittleEndian.Uint32(body[12:]),
		MinorFunction: binary.LittleEndian.Uint32(body[16:]),
		Body:          body[20:],
	}, nil
}

// encodeIOCompletion starts a DR_DEVICE_IOCOMPLETION for the request.
func encodeIOCompletion(req *IORequest, ioStatus uint32) *bytes.Buffer {
	buf := new(bytes.Buffer)
	encodeHeader(buf, PAKID_CORE_DEVICE_IOCOMPLETION)
	binary.Write(buf, binary.LittleEndian, req.DeviceID)
	binary.Write(buf, binary.LittleEndian, req.CompletionID)
	binary.Write(buf, binary.LittleEndian, ioStatus)
	return buf
}

// CreateRequest is DR_DRIVE_CREATE_REQ.
type CreateRequest struct {
	DesiredAccess     uint32
	AllocationSize    uint64
	FileAttributes    uint32
	SharedAccess      uint32
	CreateDisposition uint32
	CreateOptions     uint32
	Path              string
}

// ParseCreateRequest decodes the create body.
func ParseCreateRequest(body []byte) (*CreateRequest, error) {
	if len(body) < 32 {
		return nil, fmt.Errorf("create request too short")
	}
	req := &CreateRequest{
		DesiredAccess:     binary.LittleEndian.Uint32(body[0:]),
		AllocationSize:    binary.LittleEndian.Uint64(body[4:]),
		FileAttributes:    binary.LittleEndian.Uint32(body[12:]),
		SharedAccess:      binary.LittleEndian.Uint32(body[16:]),
		CreateDisposition: binary.LittleEndian.Uint32(body[20:]),
		CreateOptions:     binary.LittleEndian.Uint32(body[24:]),
	}
	pathLen := int(binary.LittleEndian.Uint32(body[28:]))
	if 32+pathLen > len(body) {
		return nil, fmt.Errorf("create request path overruns body")
	}
	req.Path = decodeUTF16(body[32 : 32+pathLen])
	return req, nil
}

// ReadRequest is DR_DRIVE_READ_REQ.
type ReadRequest struct {
	Length uint32
	Offset uint64
}

// ParseReadRequest decodes the read body.
func ParseReadRequest(body []byte) (*ReadRequest, error) {
	if len(body) < 12 {
		return nil, fmt.Errorf("read request too short")
	}
	return &ReadRequest{
		Length: binary.LittleEndian.Uint32(body[0:]),
		Offset: binary.LittleEndian.Uint64(body[4:]),
	}, nil
}

// WriteRequest is DR_DRIVE_WRITE_REQ.
type WriteRequest struct {
	Offset uint64
	Data   []byte
}

// ParseWriteRequest decodes the write body.
func ParseWriteRequest(body []byte) (*WriteRequest, error) {
	if len(body) < 32 {
		return nil, fmt.Errorf("write request too short")
	}
	length := int(binary.LittleEndian.Uint32(body[0:]))
	offset := binary.LittleEndian.Uint64(body[4:])
	// 20 bytes of padding precede the payload
	payload := body[32:]
	if length < len(payload) {
		payload = payload[:length]
	}
	return &WriteRequest{Offset: offset, Data: payload}, nil
}

// QueryInfoRequest is DR_DRIVE_QUERY_INFORMATION_REQ.
type QueryInfoRequest struct {
	InfoClass uint32
}

// ParseQueryInfoRequest decodes the query information body.
func ParseQueryInfoRequest(body []byte) (*QueryInfoRequest, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("query information request too short")
	}
	return &QueryInfoRequest{InfoClass: binary.LittleEndian.Uint32(body[0:])}, nil
}

// SetInfoRequest is DR_DRIVE_SET_INFORMATION_REQ.
type SetInfoRequest struct {
	InfoClass uint32
	Buffer    []byte
}

// ParseSetInfoRequest decodes the set information body.
func ParseSetInfoRequest(body []byte) (*SetInfoRequest, error) {
	if len(body) < 32 {
		return nil, fmt.Errorf("set information request too short")
	}
	infoClass := binary.LittleEndian.Uint32(body[0:])
	length := int(binary.LittleEndian.Uint32(body[4:]))
	buffer := body[32:]
	if length < len(buffer) {
		buffer = buffer[:length]
	}
	return &SetInfoRequest{InfoClass: infoClass, Buffer: buffer}, nil
}

// QueryDirectoryRequest is DR_DRIVE_QUERY_DIRECTORY_REQ.
type QueryDirectoryRequest struct {
	InfoClass    uint32
	InitialQuery bool
	Path         string
}

// ParseQueryDirectoryRequest decodes the query directory body.
func ParseQueryDirectoryRequest(body []byte) (*QueryDirectoryRequest, error) {
	if len(body) < 32 {
		return nil, fmt.Errorf("query directory request too short")
	}
	req := &QueryDirectoryRequest{
		InfoClass:    binary.LittleEndian.Uint32(body[0:]),
		InitialQuery: body[4] != 0,
	}
	pathLen := int(binary.LittleEndian.Uint32(body[5:]))
	if pathLen > 0 {
		if 32+pathLen > len(body) {
			return nil, fmt.Errorf("query directory path overruns body")
		}
		req.Path = decodeUTF16(body[32 : 32+pathLen])
	}
	return req, nil
}

// QueryVolumeRequest is DR_DRIVE_QUERY_VOLUME_INFORMATION_REQ.
type QueryVolumeRequest struct {
	InfoClass uint32
}

// ParseQueryVolumeRequest decodes the query volume body.
func ParseQueryVolumeRequest(body []byte) (*QueryVolumeRequest, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("query volume request too short")
	}
	return &QueryVolumeRequest{InfoClass: binary.LittleEndian.Uint32(body[0:])}, nil
}

// --- UTF-16 helpers ---

func encodeUTF16WithNul(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	out := make([]byte, (len(u16)+1)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func encodeUTF16NoNul(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	out := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func decodeUTF16(data []byte) string {
	u16 := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		v := binary.LittleEndian.Uint16(data[i:])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}
