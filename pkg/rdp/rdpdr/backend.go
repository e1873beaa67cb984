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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SendFunc writes one complete RDPDR message to the channel.
type SendFunc func(data []byte) error

// openFile is one entry of the open-file table.
type openFile struct {
	id            uint32
	deviceID      uint32
	path          string
	file          *os.File // nil for directories
	dirEntries    []string // directory iteration cursor: pending names
	dirBase       string
	deleteOnClose bool
}

// Backend serves the guest's drive I/O requests against the mapped local
// directories. All PDUs for the channel are dispatched on one goroutine;
// the mutex guards the table against concurrent introspection.
type Backend struct {
	send   SendFunc
	logger *slog.Logger

	mu         sync.Mutex
	nextFileID uint32
	drives     []Drive
	driveByID  map[uint32]Drive
	files      map[uint32]*openFile
	announced  bool
}

// NewBackend builds a drive backend for the given mappings. Device ids
// are assigned 1..n in order.
func NewBackend(drives []Drive, send SendFunc, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		send:       send,
		logger:     logger,
		nextFileID: 1,
		driveByID:  make(map[uint32]Drive),
		files:      make(map[uint32]*openFile),
	}
	for i, d := range drives {
		if d.DeviceID == 0 {
			d.DeviceID = uint32(i + 1)
		}
		d.Root = filepath.Clean(d.Root)
		b.drives = append(b.drives, d)
		b.driveByID[d.DeviceID] = d
	}
	return b
}

// Drives returns the announced drive table.
func (b *Backend) Drives() []Drive {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Drive, len(b.drives))
	copy(out, b.drives)
	return out
}

// OpenFiles reports the open-file table size, for introspection.
func (b *Backend) OpenFiles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}

// HandleMessage consumes one complete inbound RDPDR message.
func (b *Backend) HandleMessage(data []byte) error {
	hdr, body, err := DecodeHeader(data)
	if err != nil {
		return err
	}
	if hdr.Component != RDPDR_CTYP_CORE {
		b.logger.Debug("ignoring non-core rdpdr message", "component", hdr.Component)
		return nil
	}

	switch hdr.PacketID {
	case PAKID_CORE_SERVER_ANNOUNCE:
		announce, err := ParseServerAnnounce(body)
		if err != nil {
			return err
		}
		if err := b.send(EncodeClientAnnounceReply(announce)); err != nil {
			return err
		}
		host, _ := os.Hostname()
		if host == "" {
			host = "agent-rdp"
		}
		return b.send(EncodeClientName(host))

	case PAKID_CORE_SERVER_CAPABILITY:
		return b.send(EncodeClientCapability())

	case PAKID_CORE_CLIENTID_CONFIRM:
		return b.announceDevices()

	case PAKID_CORE_USER_LOGGEDON:
		return b.announceDevices()

	case PAKID_CORE_DEVICE_REPLY:
		// Server acknowledged a device; nothing to mutate
		return nil

	case PAKID_CORE_DEVICE_IOREQUEST:
		req, err := ParseIORequest(body)
		if err != nil {
			return err
		}
		resp := b.handleIORequest(req)
		if resp == nil {
			return nil
		}
		return b.send(resp)

	default:
		b.logger.Debug("unhandled rdpdr packet", "packet_id", fmt.Sprintf("0x%04X", hdr.PacketID))
		return nil
	}
}

// announceDevices sends the device list once.
func (b *Backend) announceDevices() error {
	b.mu.Lock()
	if b.announced || len(b.drives) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.announced = true
	drives := make([]Drive, len(b.drives))
	copy(drives, b.drives)
	b.mu.Unlock()

	b.logger.Info("announcing redirected drives", "count", len(drives))
	return b.send(EncodeDeviceListAnnounce(drives))
}

func (b *Backend) handleIORequest(req *IORequest) []byte {
	switch req.MajorFunction {
	case IRP_MJ_CREATE:
		return b.doCreate(req)
	case IRP_MJ_CLOSE:
		return b.doClose(req)
	case IRP_MJ_READ:
		return b.doRead(req)
	case IRP_MJ_WRITE:
		return b.doWrite(req)
	case IRP_MJ_QUERY_INFORMATION:
		return b.doQueryInfo(req)
	case IRP_MJ_SET_INFORMATION:
		return b.doSetInfo(req)
	case IRP_MJ_QUERY_VOLUME_INFORMATION:
		return b.doQueryVolume(req)
	case IRP_MJ_DIRECTORY_CONTROL:
		switch req.MinorFunction {
		case IRP_MN_QUERY_DIRECTORY:
			return b.doQueryDirectory(req)
		case IRP_MN_NOTIFY_CHANGE_DIRECTORY:
			// No change notification support; leave the IRP pending
			// forever as the reference backends do.
			return nil
		}
		return b.errorResponse(req, STATUS_NOT_SUPPORTED)
	case IRP_MJ_DEVICE_CONTROL:
		resp := encodeIOCompletion(req, STATUS_SUCCESS)
		binary.Write(resp, binary.LittleEndian, uint32(0)) // OutputBufferLength
		return resp.Bytes()
	case IRP_MJ_LOCK_CONTROL:
		resp := encodeIOCompletion(req, STATUS_SUCCESS)
		binary.Write(resp, binary.LittleEndian, uint32(0))
		return resp.Bytes()
	default:
		return b.errorResponse(req, STATUS_NOT_SUPPORTED)
	}
}

func (b *Backend) errorResponse(req *IORequest, status uint32) []byte {
	return encodeIOCompletion(req, status).Bytes()
}

func (b *Backend) lookup(fileID uint32) *openFile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.files[fileID]
}

// --- Create ---

func (b *Backend) doCreate(req *IORequest) []byte {
	create, err := ParseCreateRequest(req.Body)
	if err != nil {
		b.logger.Warn("bad create request", "err", err)
		return b.createResponse(req, STATUS_UNSUCCESSFUL, 0, 0)
	}

	b.mu.Lock()
	drive, ok := b.driveByID[req.DeviceID]
	fileID := b.nextFileID
	b.nextFileID++
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("create for unknown device", "device_id", req.DeviceID)
		return b.createResponse(req, STATUS_UNSUCCESSFUL, fileID, 0)
	}

	path, err := resolvePath(drive.Root, create.Path)
	if err != nil {
		b.logger.Warn("create path rejected", "path", create.Path, "err", err)
		return b.createResponse(req, STATUS_NO_SUCH_FILE, fileID, 0)
	}

	info, statErr := os.Stat(path)

	if statErr == nil && info.IsDir() {
		if create.CreateDisposition == FILE_CREATE {
			return b.createResponse(req, STATUS_UNSUCCESSFUL, fileID, 0)
		}
		if create.CreateOptions&FILE_NON_DIRECTORY_FILE != 0 {
			return b.createResponse(req, STATUS_UNSUCCESSFUL, fileID, 0)
		}
		b.insert(&openFile{
			id:            fileID,
			deviceID:      req.DeviceID,
			path:          path,
			deleteOnClose: create.CreateOptions&FILE_DELETE_ON_CLOSE != 0,
		})
		return b.createResponse(req, STATUS_SUCCESS, fileID, dispositionInformation(create.CreateDisposition))
	}

	if statErr == nil && create.CreateOptions&FILE_DIRECTORY_FILE != 0 {
		// Exists but is a plain file
		return b.createResponse(req, STATUS_NOT_A_DIRECTORY, fileID, 0)
	}

	if statErr != nil && create.CreateOptions&FILE_DIRECTORY_FILE != 0 {
		if create.CreateDisposition == FILE_CREATE || create.CreateDisposition == FILE_OPEN_IF {
			if err := os.MkdirAll(path, 0o755); err == nil {
				b.insert(&openFile{id: fileID, deviceID: req.DeviceID, path: path})
				return b.createResponse(req, STATUS_SUCCESS, fileID, dispositionInformation(create.CreateDisposition))
			}
		}
		return b.createResponse(req, STATUS_UNSUCCESSFUL, fileID, 0)
	}

	flags, ok := openFlags(create.CreateDisposition)
	if !ok {
		return b.createResponse(req, STATUS_UNSUCCESSFUL, fileID, 0)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		// Read-only fallback for files the daemon cannot write
		if f, err = os.Open(path); err != nil {
			b.logger.Warn("open failed", "path", path, "err", err)
			return b.createResponse(req, STATUS_UNSUCCESSFUL, fileID, 0)
		}
	}

	b.insert(&openFile{
		id:            fileID,
		deviceID:      req.DeviceID,
		path:          path,
		file:          f,
		deleteOnClose: create.CreateOptions&FILE_DELETE_ON_CLOSE != 0,
	})
	return b.createResponse(req, STATUS_SUCCESS, fileID, dispositionInformation(create.CreateDisposition))
}

func openFlags(disposition uint32) (int, bool) {
	switch disposition {
	case FILE_OPEN:
		return os.O_RDWR, true
	case FILE_CREATE:
		return os.O_RDWR | os.O_CREATE | os.O_EXCL, true
	case FILE_OPEN_IF:
		return os.O_RDWR | os.O_CREATE, true
	case FILE_SUPERSEDE, FILE_OVERWRITE_IF:
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, true
	case FILE_OVERWRITE:
		return os.O_RDWR | os.O_TRUNC, true
	default:
		return 0, false
	}
}

func dispositionInformation(disposition uint32) uint8 {
	switch disposition {
	case FILE_CREATE, FILE_SUPERSEDE, FILE_OPEN, FILE_OVERWRITE:
		return FILE_SUPERSEDED
	case FILE_OPEN_IF:
		return FILE_OPENED
	case FILE_OVERWRITE_IF:
		return FILE_OVERWRITTEN
	default:
		return 0
	}
}

func (b *Backend) insert(f *openFile) {
	b.mu.Lock()
	b.files[f.id] = f
	b.mu.Unlock()
}

func (b *Backend) createResponse(req *IORequest, status uint32, fileID uint32, information uint8) []byte {
	resp := encodeIOCompletion(req, status)
	binary.Write(resp, binary.LittleEndian, fileID)
	resp.WriteByte(information)
	return resp.Bytes()
}

// --- Close ---

// doClose flushes the handle, removes the entry from every index, then
// performs the deferred deletion. Strictly in that order.
func (b *Backend) doClose(req *IORequest) []byte {
	b.mu.Lock()
	f := b.files[req.FileID]
	b.mu.Unlock()

	status := uint32(STATUS_SUCCESS)
	if f != nil {
		if f.file != nil {
			f.file.Sync()
			f.file.Close()
		}
		b.mu.Lock()
		delete(b.files, req.FileID)
		b.mu.Unlock()
		if f.deleteOnClose {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				b.logger.Warn("delete on close failed", "path", f.path, "err", err)
			}
		}
	}

	resp := encodeIOCompletion(req, status)
	binary.Write(resp, binary.LittleEndian, uint32(0)) // padding
	return resp.Bytes()
}

// --- Read / Write ---

func (b *Backend) doRead(req *IORequest) []byte {
	read, err := ParseReadRequest(req.Body)
	if err != nil {
		return b.readResponse(req, STATUS_UNSUCCESSFUL, nil)
	}

	f := b.lookup(req.FileID)
	if f == nil || f.file == nil {
		return b.readResponse(req, STATUS_NO_SUCH_FILE, nil)
	}

	buf := make([]byte, read.Length)
	n, err := f.file.ReadAt(buf, int64(read.Offset))
	if err != nil && n == 0 {
		// EOF with nothing read yields an empty success per FS semantics
		return b.readResponse(req, STATUS_SUCCESS, nil)
	}
	return b.readResponse(req, STATUS_SUCCESS, buf[:n])
}

func (b *Backend) readResponse(req *IORequest, status uint32, data []byte) []byte {
	resp := encodeIOCompletion(req, status)
	binary.Write(resp, binary.LittleEndian, uint32(len(data)))
	resp.Write(data)
	return resp.Bytes()
}

func (b *Backend) doWrite(req *IORequest) []byte {
	write, err := ParseWriteRequest(req.Body)
	if err != nil {
		return b.writeResponse(req, STATUS_UNSUCCESSFUL, 0)
	}

	f := b.lookup(req.FileID)
	if f == nil || f.file == nil {
		return b.writeResponse(req, STATUS_NO_SUCH_FILE, 0)
	}

	n, err := f.file.WriteAt(write.Data, int64(write.Offset))
	if err != nil || n != len(write.Data) {
		b.logger.Warn("write failed", "path", f.path, "err", err, "wrote", n)
		return b.writeResponse(req, STATUS_UNSUCCESSFUL, 0)
	}
	f.file.Sync()
	return b.writeResponse(req, STATUS_SUCCESS, uint32(n))
}

func (b *Backend) writeResponse(req *IORequest, status uint32, length uint32) []byte {
	resp := encodeIOCompletion(req, status)
	binary.Write(resp, binary.LittleEndian, length)
	resp.WriteByte(0) // padding
	return resp.Bytes()
}

// --- Query / Set information ---

func (b *Backend) doQueryInfo(req *IORequest) []byte {
	query, err := ParseQueryInfoRequest(req.Body)
	if err != nil {
		return b.bufferResponse(req, STATUS_UNSUCCESSFUL, nil)
	}

	f := b.lookup(req.FileID)
	if f == nil {
		return b.bufferResponse(req, STATUS_NO_SUCH_FILE, nil)
	}

	info, err := os.Stat(f.path)
	if err != nil {
		b.logger.Warn("stat failed", "path", f.path, "err", err)
		return b.bufferResponse(req, STATUS_UNSUCCESSFUL, nil)
	}

	switch query.InfoClass {
	case FileBasicInformation:
		return b.bufferResponse(req, STATUS_SUCCESS, encodeBasicInfo(info))
	case FileStandardInformation:
		return b.bufferResponse(req, STATUS_SUCCESS, encodeStandardInfo(info, f.deleteOnClose))
	case FileAttributeTagInformation:
		return b.bufferResponse(req, STATUS_SUCCESS, encodeAttributeTagInfo(info))
	default:
		b.logger.Debug("unsupported query info class", "class", query.InfoClass)
		return b.bufferResponse(req, STATUS_UNSUCCESSFUL, nil)
	}
}

func (b *Backend) doSetInfo(req *IORequest) []byte {
	set, err := ParseSetInfoRequest(req.Body)
	if err != nil {
		return b.setResponse(req, STATUS_UNSUCCESSFUL)
	}

	f := b.lookup(req.FileID)
	if f == nil {
		return b.setResponse(req, STATUS_NO_SUCH_FILE)
	}

	switch set.InfoClass {
	case FileRenameInformation:
		newWirePath, _, ok := parseRenameInfo(set.Buffer)
		if !ok {
			return b.setResponse(req, STATUS_UNSUCCESSFUL)
		}
		b.mu.Lock()
		drive, haveDrive := b.driveByID[f.deviceID]
		b.mu.Unlock()
		if !haveDrive {
			return b.setResponse(req, STATUS_UNSUCCESSFUL)
		}
		to, err := resolvePath(drive.Root, newWirePath)
		if err != nil {
			return b.setResponse(req, STATUS_NO_SUCH_FILE)
		}
		if err := os.Rename(f.path, to); err != nil {
			b.logger.Warn("rename failed", "from", f.path, "to", to, "err", err)
			return b.setResponse(req, STATUS_UNSUCCESSFUL)
		}
		// The stored path must follow the rename or later operations on
		// this id hit the stale name.
		b.mu.Lock()
		f.path = to
		b.mu.Unlock()
		return b.setResponse(req, STATUS_SUCCESS)

	case FileDispositionInformation:
		del := parseDispositionInfo(set.Buffer)
		b.mu.Lock()
		f.deleteOnClose = del
		b.mu.Unlock()
		return b.setResponse(req, STATUS_SUCCESS)

	case FileEndOfFileInformation:
		size, ok := parseEndOfFileInfo(set.Buffer)
		if !ok {
			return b.setResponse(req, STATUS_UNSUCCESSFUL)
		}
		if f.file == nil {
			return b.setResponse(req, STATUS_NO_SUCH_FILE)
		}
		if err := f.file.Truncate(size); err != nil {
			b.logger.Warn("truncate failed", "path", f.path, "err", err)
			return b.setResponse(req, STATUS_UNSUCCESSFUL)
		}
		return b.setResponse(req, STATUS_SUCCESS)

	case FileBasicInformation, FileAllocationInformation:
		// Timestamps and preallocation are accepted and ignored
		return b.setResponse(req, STATUS_SUCCESS)

	default:
		b.logger.Debug("unsupported set info class", "class", set.InfoClass)
		return b.setResponse(req, STATUS_SUCCESS)
	}
}

func (b *Backend) setResponse(req *IORequest, status uint32) []byte {
	resp := encodeIOCompletion(req, status)
	binary.Write(resp, binary.LittleEndian, uint32(0)) // Length
	resp.WriteByte(0)                                  // padding
	return resp.Bytes()
}

func (b *Backend) bufferResponse(req *IORequest, status uint32, buffer []byte) []byte {
	resp := encodeIOCompletion(req, status)
	binary.Write(resp, binary.LittleEndian, uint32(len(buffer)))
	if len(buffer) > 0 {
		resp.Write(buffer)
	} else {
		resp.WriteByte(0) // padding required when no buffer follows
	}
	return resp.Bytes()
}

// --- Query volume ---

func (b *Backend) doQueryVolume(req *IORequest) []byte {
	query, err := ParseQueryVolumeRequest(req.Body)
	if err != nil {
		return b.bufferResponse(req, STATUS_UNSUCCESSFUL, nil)
	}

	f := b.lookup(req.FileID)
	if f == nil {
		return b.bufferResponse(req, STATUS_NO_SUCH_FILE, nil)
	}

	b.mu.Lock()
	drive, ok := b.driveByID[f.deviceID]
	b.mu.Unlock()
	base := f.path
	if ok {
		base = drive.Root
	}

	totalBytes, freeBytes := diskSpace(base)
	const bytesPerSector = 512
	const sectorsPerUnit = 8
	const bytesPerUnit = bytesPerSector * sectorsPerUnit
	totalUnits := totalBytes / bytesPerUnit
	freeUnits := freeBytes / bytesPerUnit

	switch query.InfoClass {
	case FileFsFullSizeInformation:
		return b.bufferResponse(req, STATUS_SUCCESS,
			encodeFsFullSizeInfo(totalUnits, freeUnits, sectorsPerUnit, bytesPerSector))
	case FileFsSizeInformation:
		return b.bufferResponse(req, STATUS_SUCCESS,
			encodeFsSizeInfo(totalUnits, freeUnits, sectorsPerUnit, bytesPerSector))
	case FileFsAttributeInformation:
		return b.bufferResponse(req, STATUS_SUCCESS, encodeFsAttributeInfo())
	case FileFsVolumeInformation:
		var creation int64
		if info, err := os.Stat(base); err == nil {
			creation, _, _ = fileTimes(info)
		}
		return b.bufferResponse(req, STATUS_SUCCESS,
			encodeFsVolumeInfo(creation, 0x12345678, "AGENT_RDP"))
	case FileFsDeviceInformation:
		return b.bufferResponse(req, STATUS_SUCCESS, encodeFsDeviceInfo())
	default:
		b.logger.Debug("unsupported query volume class", "class", query.InfoClass)
		return b.bufferResponse(req, STATUS_UNSUCCESSFUL, nil)
	}
}

// --- Query directory ---

func (b *Backend) doQueryDirectory(req *IORequest) []byte {
	query, err := ParseQueryDirectoryRequest(req.Body)
	if err != nil {
		return b.bufferResponse(req, STATUS_UNSUCCESSFUL, nil)
	}

	f := b.lookup(req.FileID)
	if f == nil {
		return b.bufferResponse(req, STATUS_NO_SUCH_FILE, nil)
	}

	b.mu.Lock()
	drive, haveDrive := b.driveByID[f.deviceID]
	b.mu.Unlock()
	if !haveDrive {
		return b.bufferResponse(req, STATUS_NO_SUCH_FILE, nil)
	}

	if query.InitialQuery {
		if err := b.startDirIteration(f, drive.Root, query.Path); err != nil {
			return b.queryDirNotFound(req, true)
		}
	}

	next := b.nextDirEntry(f)
	if next == "" {
		return b.queryDirNotFound(req, query.InitialQuery)
	}

	info, err := os.Stat(next)
	if err != nil {
		// Entry vanished between listing and stat; report end of listing
		return b.queryDirNotFound(req, query.InitialQuery)
	}

	var buffer []byte
	switch query.InfoClass {
	case FileBothDirectoryInformation:
		buffer = encodeBothDirectoryInfo(info)
	case FileDirectoryInformation:
		buffer = encodeDirectoryInfo(info)
	case FileFullDirectoryInformation:
		buffer = encodeFullDirectoryInfo(info)
	case FileNamesInformation:
		buffer = encodeNamesInfo(info)
	default:
		b.logger.Debug("unsupported query directory class", "class", query.InfoClass)
		return b.bufferResponse(req, STATUS_NOT_SUPPORTED, nil)
	}
	return b.bufferResponse(req, STATUS_SUCCESS, buffer)
}

func (b *Backend) queryDirNotFound(req *IORequest, initial bool) []byte {
	status := uint32(STATUS_NO_MORE_FILES)
	if initial {
		status = STATUS_NO_SUCH_FILE
	}
	return b.bufferResponse(req, status, nil)
}

// startDirIteration resets the entry's cursor for a new wildcard or
// single-file query.
func (b *Backend) startDirIteration(f *openFile, root, wirePath string) error {
	pattern := ""
	dirPart := wirePath
	if i := lastIndexByte(wirePath, '\\'); i >= 0 {
		dirPart, pattern = wirePath[:i], wirePath[i+1:]
	} else {
		dirPart, pattern = "", wirePath
	}

	if !containsWildcard(pattern) {
		// Single-file query
		full, err := resolvePath(root, wirePath)
		if err != nil {
			return err
		}
		b.mu.Lock()
		f.dirBase = full
		f.dirEntries = []string{full}
		b.mu.Unlock()
		return nil
	}

	dirPath, err := resolvePath(root, dirPart)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		if matched, _ := filepath.Match(globFromDosPattern(pattern), name); matched {
			names = append(names, filepath.Join(dirPath, name))
		}
	}
	sort.Strings(names)

	b.mu.Lock()
	f.dirBase = dirPath
	f.dirEntries = names
	b.mu.Unlock()
	return nil
}

// nextDirEntry advances the cursor and returns the next path, or "".
func (b *Backend) nextDirEntry(f *openFile) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(f.dirEntries) == 0 {
		return ""
	}
	next := f.dirEntries[0]
	f.dirEntries = f.dirEntries[1:]
	return next
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func containsWildcard(s string) bool {
	return bytes.ContainsAny([]byte(s), "*?")
}

// globFromDosPattern maps DOS wildcard patterns onto filepath.Match
// syntax. "*.*" means everything.
func globFromDosPattern(pattern string) string {
	if pattern == "" || pattern == "*.*" {
		return "*"
	}
	return pattern
}

// Shutdown closes every open handle without running deferred deletions:
// the session is going away, not the files.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	files := b.files
	b.files = make(map[uint32]*openFile)
	b.mu.Unlock()
	for _, f := range files {
		if f.file != nil {
			f.file.Sync()
			f.file.Close()
		}
	}
}
