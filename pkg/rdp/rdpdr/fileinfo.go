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

package rdpdr

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"strings"
)

// Windows FILETIME counts 100 ns intervals since 1601-01-01.
const filetimeOffset = 116444736000000000

func unixToFiletime(unixSecs int64) int64 {
	return unixSecs*10_000_000 + filetimeOffset
}

// fileTimes extracts (creation, access, write) FILETIMEs from metadata.
// Unix has no creation time; ctime stands in, as the reference
// implementations do.
func fileTimes(info fs.FileInfo) (ctime, atime, wtime int64) {
	wtime = unixToFiletime(info.ModTime().Unix())
	ctime, atime = statTimes(info, wtime)
	return
}

// fileAttributes maps metadata onto Windows attribute bits.
func fileAttributes(info fs.FileInfo) uint32 {
	var attrs uint32
	if info.IsDir() {
		attrs |= FILE_ATTRIBUTE_DIRECTORY
	}
	if attrs == 0 {
		attrs |= FILE_ATTRIBUTE_ARCHIVE
	}
	name := info.Name()
	if len(name) > 1 && strings.HasPrefix(name, ".") && !strings.HasPrefix(name, "..") {
		attrs |= FILE_ATTRIBUTE_HIDDEN
	}
	if info.Mode().Perm()&0o222 == 0 {
		attrs |= FILE_ATTRIBUTE_READONLY
	}
	return attrs
}

// encodeBasicInfo renders FILE_BASIC_INFORMATION (36 bytes on the wire).
func encodeBasicInfo(info fs.FileInfo) []byte {
	ctime, atime, wtime := fileTimes(info)
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, ctime)
	binary.Write(buf, binary.LittleEndian, atime)
	binary.Write(buf, binary.LittleEndian, wtime)
	binary.Write(buf, binary.LittleEndian, wtime) // change time
	binary.Write(buf, binary.LittleEndian, fileAttributes(info))
	return buf.Bytes()
}

// encodeStandardInfo renders FILE_STANDARD_INFORMATION (22 bytes).
func encodeStandardInfo(info fs.FileInfo, deletePending bool) []byte {
	buf := new(bytes.Buffer)
	size := info.Size()
	binary.Write(buf, binary.LittleEndian, size) // allocation size
	binary.Write(buf, binary.LittleEndian, size) // end of file
	binary.Write(buf, binary.LittleEndian, uint32(1))
	if deletePending {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if info.IsDir() {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// encodeAttributeTagInfo renders FILE_ATTRIBUTE_TAG_INFORMATION (8 bytes).
func encodeAttributeTagInfo(info fs.FileInfo) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, fileAttributes(info))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // reparse tag
	return buf.Bytes()
}

// encodeBothDirectoryInfo renders FILE_BOTH_DIR_INFORMATION for one
// directory entry (MS-FSCC 2.4.8, RDPDR flavor: no reserved byte after
// ShortNameLength).
func encodeBothDirectoryInfo(info fs.FileInfo) []byte {
	ctime, atime, wtime := fileTimes(info)
	name := encodeUTF16NoNul(info.Name())

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // NextEntryOffset
	binary.Write(buf, binary.LittleEndian, uint32(0)) // FileIndex
	binary.Write(buf, binary.LittleEndian, ctime)
	binary.Write(buf, binary.LittleEndian, atime)
	binary.Write(buf, binary.LittleEndian, wtime)
	binary.Write(buf, binary.LittleEndian, wtime)       // change time
	binary.Write(buf, binary.LittleEndian, info.Size()) // end of file
	binary.Write(buf, binary.LittleEndian, info.Size()) // allocation size
	binary.Write(buf, binary.LittleEndian, fileAttributes(info))
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // EaSize
	buf.WriteByte(0)                                  // ShortNameLength
	buf.Write(make([]byte, 24))                       // ShortName
	buf.Write(name)
	return buf.Bytes()
}

// encodeDirectoryInfo renders FILE_DIRECTORY_INFORMATION.
func encodeDirectoryInfo(info fs.FileInfo) []byte {
	ctime, atime, wtime := fileTimes(info)
	name := encodeUTF16NoNul(info.Name())

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, ctime)
	binary.Write(buf, binary.LittleEndian, atime)
	binary.Write(buf, binary.LittleEndian, wtime)
	binary.Write(buf, binary.LittleEndian, wtime)
	binary.Write(buf, binary.LittleEndian, info.Size())
	binary.Write(buf, binary.LittleEndian, info.Size())
	binary.Write(buf, binary.LittleEndian, fileAttributes(info))
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	buf.Write(name)
	return buf.Bytes()
}

// encodeFullDirectoryInfo renders FILE_FULL_DIR_INFORMATION.
func encodeFullDirectoryInfo(info fs.FileInfo) []byte {
	ctime, atime, wtime := fileTimes(info)
	name := encodeUTF16NoNul(info.Name())

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, ctime)
	binary.Write(buf, binary.LittleEndian, atime)
	binary.Write(buf, binary.LittleEndian, wtime)
	binary.Write(buf, binary.LittleEndian, wtime)
	binary.Write(buf, binary.LittleEndian, info.Size())
	binary.Write(buf, binary.LittleEndian, info.Size())
	binary.Write(buf, binary.LittleEndian, fileAttributes(info))
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // EaSize
	buf.Write(name)
	return buf.Bytes()
}

// encodeNamesInfo renders FILE_NAMES_INFORMATION.
func encodeNamesInfo(info fs.FileInfo) []byte {
	name := encodeUTF16NoNul(info.Name())
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	buf.Write(name)
	return buf.Bytes()
}

// parseRenameInfo decodes RDP_FILE_RENAME_INFORMATION.
func parseRenameInfo(buffer []byte) (newPath string, replaceIfExists bool, ok bool) {
	if len(buffer) < 6 {
		return "", false, false
	}
	replaceIfExists = buffer[0] != 0
	// buffer[1] is RootDirectory, always 0 over RDPDR
	nameLen := int(binary.LittleEndian.Uint32(buffer[2:]))
	if 6+nameLen > len(buffer) {
		return "", false, false
	}
	return decodeUTF16(buffer[6 : 6+nameLen]), replaceIfExists, true
}

// parseEndOfFileInfo decodes FILE_END_OF_FILE_INFORMATION.
func parseEndOfFileInfo(buffer []byte) (int64, bool) {
	if len(buffer) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(buffer)), true
}

// parseDispositionInfo decodes FILE_DISPOSITION_INFORMATION. A zero-length
// buffer means delete=true per MS-RDPEFS 2.2.3.3.9.
func parseDispositionInfo(buffer []byte) bool {
	if len(buffer) == 0 {
		return true
	}
	return buffer[0] != 0
}

// encodeFsVolumeInfo renders FILE_FS_VOLUME_INFORMATION.
func encodeFsVolumeInfo(creationTime int64, serial uint32, label string) []byte {
	labelBytes := encodeUTF16NoNul(label)
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, creationTime)
	binary.Write(buf, binary.LittleEndian, serial)
	binary.Write(buf, binary.LittleEndian, uint32(len(labelBytes)))
	buf.WriteByte(0) // SupportsObjects
	buf.Write(labelBytes)
	return buf.Bytes()
}

// encodeFsSizeInfo renders FILE_FS_SIZE_INFORMATION.
func encodeFsSizeInfo(totalUnits, freeUnits uint64, sectorsPerUnit, bytesPerSector uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, int64(totalUnits))
	binary.Write(buf, binary.LittleEndian, int64(freeUnits))
	binary.Write(buf, binary.LittleEndian, sectorsPerUnit)
	binary.Write(buf, binary.LittleEndian, bytesPerSector)
	return buf.Bytes()
}

// encodeFsFullSizeInfo renders FILE_FS_FULL_SIZE_INFORMATION.
func encodeFsFullSizeInfo(totalUnits, freeUnits uint64, sectorsPerUnit, bytesPerSector uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, int64(totalUnits))
	binary.Write(buf, binary.LittleEndian, int64(freeUnits))
	binary.Write(buf, binary.LittleEndian, int64(freeUnits))
	binary.Write(buf, binary.LittleEndian, sectorsPerUnit)
	binary.Write(buf, binary.LittleEndian, bytesPerSector)
	return buf.Bytes()
}

// encodeFsAttributeInfo renders FILE_FS_ATTRIBUTE_INFORMATION.
func encodeFsAttributeInfo() []byte {
	// FILE_CASE_SENSITIVE_SEARCH | FILE_CASE_PRESERVED_NAMES | FILE_UNICODE_ON_DISK
	const attrs = 0x00000001 | 0x00000002 | 0x00000004
	name := encodeUTF16NoNul("NTFS")
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(attrs))
	binary.Write(buf, binary.LittleEndian, uint32(260)) // max component length
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	buf.Write(name)
	return buf.Bytes()
}

// encodeFsDeviceInfo renders FILE_FS_DEVICE_INFORMATION.
func encodeFsDeviceInfo() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0x00000007)) // FILE_DEVICE_DISK
	binary.Write(buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}
