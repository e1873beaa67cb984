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
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeChannel records backend output.
type fakeChannel struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeChannel) send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) take() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func newTestBackend(t *testing.T) (*Backend, *fakeChannel, string) {
	t.Helper()
	root := t.TempDir()
	ch := &fakeChannel{}
	b := NewBackend([]Drive{{DeviceID: 1, Name: "Share", Root: root}}, ch.send, nil)
	return b, ch, root
}

// buildIORequest assembles a server device I/O request on device 1.
func buildIORequest(fileID, completionID, major, minor uint32, body []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(RDPDR_CTYP_CORE))
	binary.Write(buf, binary.LittleEndian, uint16(PAKID_CORE_DEVICE_IOREQUEST))
	binary.Write(buf, binary.LittleEndian, uint32(1)) // device id
	binary.Write(buf, binary.LittleEndian, fileID)
	binary.Write(buf, binary.LittleEndian, completionID)
	binary.Write(buf, binary.LittleEndian, major)
	binary.Write(buf, binary.LittleEndian, minor)
	buf.Write(body)
	return buf.Bytes()
}

func buildCreateBody(path string, disposition, options uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0x0012019F)) // GENERIC_READ|WRITE-ish
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, disposition)
	binary.Write(buf, binary.LittleEndian, options)
	name := encodeUTF16WithNul(path)
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	buf.Write(name)
	return buf.Bytes()
}

func buildWriteBody(offset uint64, data []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	binary.Write(buf, binary.LittleEndian, offset)
	buf.Write(make([]byte, 20))
	buf.Write(data)
	return buf.Bytes()
}

func buildReadBody(offset uint64, length uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, length)
	binary.Write(buf, binary.LittleEndian, offset)
	buf.Write(make([]byte, 20))
	return buf.Bytes()
}

func buildSetInfoBody(infoClass uint32, buffer []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, infoClass)
	binary.Write(buf, binary.LittleEndian, uint32(len(buffer)))
	buf.Write(make([]byte, 24))
	buf.Write(buffer)
	return buf.Bytes()
}

// ioCompletion splits one backend response.
type ioCompletion struct {
	status uint32
	body   []byte
}

func parseCompletion(t *testing.T, data []byte) ioCompletion {
	t.Helper()
	if len(data) < 16 {
		t.Fatalf("completion too short: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint16(data[2:]) != PAKID_CORE_DEVICE_IOCOMPLETION {
		t.Fatalf("not an io completion: 0x%04X", binary.LittleEndian.Uint16(data[2:]))
	}
	return ioCompletion{
		status: binary.LittleEndian.Uint32(data[12:]),
		body:   data[16:],
	}
}

// lastCompletion feeds one request and returns the parsed response.
func lastCompletion(t *testing.T, b *Backend, ch *fakeChannel, req []byte) ioCompletion {
	t.Helper()
	ch.take()
	if err := b.HandleMessage(req); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	sent := ch.take()
	if len(sent) != 1 {
		t.Fatalf("expected one response, got %d", len(sent))
	}
	return parseCompletion(t, sent[0])
}

func createFile(t *testing.T, b *Backend, ch *fakeChannel, path string, disposition, options uint32) uint32 {
	t.Helper()
	resp := lastCompletion(t, b, ch, buildIORequest(0, 1, IRP_MJ_CREATE, 0,
		buildCreateBody(path, disposition, options)))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("create %q: status 0x%08X", path, resp.status)
	}
	return binary.LittleEndian.Uint32(resp.body)
}

func TestAnnounceHandshake(t *testing.T) {
	b, ch, _ := newTestBackend(t)

	announce := new(bytes.Buffer)
	binary.Write(announce, binary.LittleEndian, uint16(RDPDR_CTYP_CORE))
	binary.Write(announce, binary.LittleEndian, uint16(PAKID_CORE_SERVER_ANNOUNCE))
	binary.Write(announce, binary.LittleEndian, uint16(1))      // major
	binary.Write(announce, binary.LittleEndian, uint16(0x000C)) // minor
	binary.Write(announce, binary.LittleEndian, uint32(7))      // client id

	if err := b.HandleMessage(announce.Bytes()); err != nil {
		t.Fatalf("server announce: %v", err)
	}
	sent := ch.take()
	if len(sent) != 2 {
		t.Fatalf("expected announce reply + client name, got %d messages", len(sent))
	}
	if binary.LittleEndian.Uint16(sent[0][2:]) != PAKID_CORE_CLIENTID_CONFIRM {
		t.Errorf("first reply = 0x%04X", binary.LittleEndian.Uint16(sent[0][2:]))
	}
	if got := binary.LittleEndian.Uint32(sent[0][8:]); got != 7 {
		t.Errorf("echoed client id = %d, want 7", got)
	}
	if binary.LittleEndian.Uint16(sent[1][2:]) != PAKID_CORE_CLIENT_NAME {
		t.Errorf("second reply = 0x%04X", binary.LittleEndian.Uint16(sent[1][2:]))
	}

	// Capability request answered with general + drive capsets
	caps := new(bytes.Buffer)
	binary.Write(caps, binary.LittleEndian, uint16(RDPDR_CTYP_CORE))
	binary.Write(caps, binary.LittleEndian, uint16(PAKID_CORE_SERVER_CAPABILITY))
	if err := b.HandleMessage(caps.Bytes()); err != nil {
		t.Fatalf("server caps: %v", err)
	}
	sent = ch.take()
	if len(sent) != 1 || binary.LittleEndian.Uint16(sent[0][2:]) != PAKID_CORE_CLIENT_CAPABILITY {
		t.Fatalf("caps reply missing")
	}

	// Client id confirm triggers the device list announce
	confirm := new(bytes.Buffer)
	binary.Write(confirm, binary.LittleEndian, uint16(RDPDR_CTYP_CORE))
	binary.Write(confirm, binary.LittleEndian, uint16(PAKID_CORE_CLIENTID_CONFIRM))
	if err := b.HandleMessage(confirm.Bytes()); err != nil {
		t.Fatalf("clientid confirm: %v", err)
	}
	sent = ch.take()
	if len(sent) != 1 {
		t.Fatalf("expected device list announce, got %d messages", len(sent))
	}
	if binary.LittleEndian.Uint16(sent[0][2:]) != PAKID_CORE_DEVICELIST_ANNOUNCE {
		t.Fatalf("reply = 0x%04X, want device list announce", binary.LittleEndian.Uint16(sent[0][2:]))
	}
	if got := binary.LittleEndian.Uint32(sent[0][4:]); got != 1 {
		t.Errorf("device count = %d, want 1", got)
	}
}

func TestCreateWriteReadClose(t *testing.T) {
	b, ch, root := newTestBackend(t)

	fileID := createFile(t, b, ch, "\\hello.txt", FILE_OVERWRITE_IF, 0)

	// Write
	resp := lastCompletion(t, b, ch, buildIORequest(fileID, 2, IRP_MJ_WRITE, 0,
		buildWriteBody(0, []byte("hello"))))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("write status 0x%08X", resp.status)
	}
	if got := binary.LittleEndian.Uint32(resp.body); got != 5 {
		t.Errorf("bytes written = %d, want 5", got)
	}

	// Read back a slice
	resp = lastCompletion(t, b, ch, buildIORequest(fileID, 3, IRP_MJ_READ, 0,
		buildReadBody(1, 3)))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("read status 0x%08X", resp.status)
	}
	n := binary.LittleEndian.Uint32(resp.body)
	if string(resp.body[4:4+n]) != "ell" {
		t.Errorf("read %q, want %q", resp.body[4:4+n], "ell")
	}

	// Close
	resp = lastCompletion(t, b, ch, buildIORequest(fileID, 4, IRP_MJ_CLOSE, 0, make([]byte, 32)))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("close status 0x%08X", resp.status)
	}
	if b.OpenFiles() != 0 {
		t.Errorf("open-file table has %d entries after close", b.OpenFiles())
	}

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	if err != nil {
		t.Fatalf("local file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("file contents = %q", data)
	}
}

func TestDeleteOnClose(t *testing.T) {
	b, ch, root := newTestBackend(t)

	fileID := createFile(t, b, ch, "\\a.txt", FILE_SUPERSEDE, 0)

	resp := lastCompletion(t, b, ch, buildIORequest(fileID, 2, IRP_MJ_WRITE, 0,
		buildWriteBody(0, []byte("12345"))))
	if got := binary.LittleEndian.Uint32(resp.body); got != 5 {
		t.Fatalf("bytes written = %d, want 5", got)
	}

	// Set-information disposition: delete on close
	resp = lastCompletion(t, b, ch, buildIORequest(fileID, 3, IRP_MJ_SET_INFORMATION, 0,
		buildSetInfoBody(FileDispositionInformation, []byte{1})))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("set disposition status 0x%08X", resp.status)
	}

	// The file still exists until close
	local := filepath.Join(root, "a.txt")
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("file removed before close: %v", err)
	}

	resp = lastCompletion(t, b, ch, buildIORequest(fileID, 4, IRP_MJ_CLOSE, 0, make([]byte, 32)))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("close status 0x%08X", resp.status)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("file survives delete-on-close: %v", err)
	}
	if b.OpenFiles() != 0 {
		t.Errorf("entry left in open-file table")
	}
}

func TestDispositionUnset(t *testing.T) {
	b, ch, root := newTestBackend(t)
	fileID := createFile(t, b, ch, "\\keep.txt", FILE_OVERWRITE_IF, 0)

	lastCompletion(t, b, ch, buildIORequest(fileID, 2, IRP_MJ_SET_INFORMATION, 0,
		buildSetInfoBody(FileDispositionInformation, []byte{1})))
	// Server changed its mind
	lastCompletion(t, b, ch, buildIORequest(fileID, 3, IRP_MJ_SET_INFORMATION, 0,
		buildSetInfoBody(FileDispositionInformation, []byte{0})))
	lastCompletion(t, b, ch, buildIORequest(fileID, 4, IRP_MJ_CLOSE, 0, make([]byte, 32)))

	if _, err := os.Stat(filepath.Join(root, "keep.txt")); err != nil {
		t.Errorf("file deleted despite cleared disposition: %v", err)
	}
}

func TestRenameUpdatesStoredPath(t *testing.T) {
	b, ch, root := newTestBackend(t)
	fileID := createFile(t, b, ch, "\\old.txt", FILE_OVERWRITE_IF, 0)

	lastCompletion(t, b, ch, buildIORequest(fileID, 2, IRP_MJ_WRITE, 0,
		buildWriteBody(0, []byte("data"))))

	// RDP_FILE_RENAME_INFORMATION
	rename := new(bytes.Buffer)
	rename.WriteByte(1) // replace if exists
	rename.WriteByte(0) // root directory
	name := encodeUTF16NoNul("\\new.txt")
	binary.Write(rename, binary.LittleEndian, uint32(len(name)))
	rename.Write(name)

	resp := lastCompletion(t, b, ch, buildIORequest(fileID, 3, IRP_MJ_SET_INFORMATION, 0,
		buildSetInfoBody(FileRenameInformation, rename.Bytes())))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("rename status 0x%08X", resp.status)
	}

	if _, err := os.Stat(filepath.Join(root, "old.txt")); !os.IsNotExist(err) {
		t.Errorf("old path still present")
	}
	if _, err := os.Stat(filepath.Join(root, "new.txt")); err != nil {
		t.Errorf("new path missing: %v", err)
	}

	// Subsequent operations on the same id must hit the new path
	resp = lastCompletion(t, b, ch, buildIORequest(fileID, 4, IRP_MJ_QUERY_INFORMATION, 0,
		append([]byte{byte(FileStandardInformation), 0, 0, 0}, make([]byte, 28)...)))
	if resp.status != STATUS_SUCCESS {
		t.Errorf("query after rename status 0x%08X", resp.status)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	b, ch, root := newTestBackend(t)

	outside := filepath.Join(filepath.Dir(root), "victim.txt")
	os.WriteFile(outside, []byte("secret"), 0o600)
	defer os.Remove(outside)

	tests := []string{
		"\\..\\victim.txt",
		"\\..\\..\\etc\\passwd",
		"\\sub\\..\\..\\victim.txt",
	}
	for _, wirePath := range tests {
		t.Run(wirePath, func(t *testing.T) {
			resp := lastCompletion(t, b, ch, buildIORequest(0, 9, IRP_MJ_CREATE, 0,
				buildCreateBody(wirePath, FILE_OPEN, 0)))
			if resp.status == STATUS_SUCCESS {
				t.Fatalf("create escaped the root for %q", wirePath)
			}
		})
	}

	if data, _ := os.ReadFile(outside); string(data) != "secret" {
		t.Fatal("file outside the root was touched")
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	b, ch, root := newTestBackend(t)

	outsideDir := t.TempDir()
	os.WriteFile(filepath.Join(outsideDir, "target.txt"), []byte("x"), 0o600)
	if err := os.Symlink(outsideDir, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	resp := lastCompletion(t, b, ch, buildIORequest(0, 9, IRP_MJ_CREATE, 0,
		buildCreateBody("\\link\\target.txt", FILE_OPEN, 0)))
	if resp.status != STATUS_NO_SUCH_FILE {
		t.Errorf("symlink escape status 0x%08X, want STATUS_NO_SUCH_FILE", resp.status)
	}
}

func TestQueryDirectoryIteration(t *testing.T) {
	b, ch, root := newTestBackend(t)

	for _, name := range []string{"a.txt", "b.txt", "c.log"} {
		os.WriteFile(filepath.Join(root, name), []byte(name), 0o600)
	}

	dirID := createFile(t, b, ch, "\\", FILE_OPEN, FILE_DIRECTORY_FILE)

	queryBody := func(initial bool, path string) []byte {
		buf := new(bytes.Buffer)
		binary.Write(buf, binary.LittleEndian, uint32(FileBothDirectoryInformation))
		if initial {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		name := encodeUTF16WithNul(path)
		if path == "" {
			name = nil
		}
		binary.Write(buf, binary.LittleEndian, uint32(len(name)))
		buf.Write(make([]byte, 23))
		buf.Write(name)
		return buf.Bytes()
	}

	// Initial wildcard query returns the first entry
	resp := lastCompletion(t, b, ch, buildIORequest(dirID, 2, IRP_MJ_DIRECTORY_CONTROL,
		IRP_MN_QUERY_DIRECTORY, queryBody(true, "\\*")))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("initial query status 0x%08X", resp.status)
	}

	// Drain the rest
	var count = 1
	for i := 0; i < 10; i++ {
		resp = lastCompletion(t, b, ch, buildIORequest(dirID, uint32(3+i), IRP_MJ_DIRECTORY_CONTROL,
			IRP_MN_QUERY_DIRECTORY, queryBody(false, "")))
		if resp.status == STATUS_NO_MORE_FILES {
			break
		}
		if resp.status != STATUS_SUCCESS {
			t.Fatalf("continuation status 0x%08X", resp.status)
		}
		count++
	}
	if count != 3 {
		t.Errorf("directory iteration yielded %d entries, want 3", count)
	}
}

func TestQueryDirectoryPattern(t *testing.T) {
	b, ch, root := newTestBackend(t)

	for _, name := range []string{"a.txt", "b.txt", "c.log"} {
		os.WriteFile(filepath.Join(root, name), []byte(name), 0o600)
	}

	dirID := createFile(t, b, ch, "\\", FILE_OPEN, FILE_DIRECTORY_FILE)

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(FileBothDirectoryInformation))
	buf.WriteByte(1)
	name := encodeUTF16WithNul("\\*.txt")
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	buf.Write(make([]byte, 23))
	buf.Write(name)

	resp := lastCompletion(t, b, ch, buildIORequest(dirID, 2, IRP_MJ_DIRECTORY_CONTROL,
		IRP_MN_QUERY_DIRECTORY, buf.Bytes()))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("pattern query status 0x%08X", resp.status)
	}

	count := 1
	for i := 0; i < 10; i++ {
		cont := new(bytes.Buffer)
		binary.Write(cont, binary.LittleEndian, uint32(FileBothDirectoryInformation))
		cont.WriteByte(0)
		binary.Write(cont, binary.LittleEndian, uint32(0))
		cont.Write(make([]byte, 23))
		resp = lastCompletion(t, b, ch, buildIORequest(dirID, uint32(3+i), IRP_MJ_DIRECTORY_CONTROL,
			IRP_MN_QUERY_DIRECTORY, cont.Bytes()))
		if resp.status != STATUS_SUCCESS {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("pattern *.txt matched %d entries, want 2", count)
	}
}

func TestReadUnknownFileID(t *testing.T) {
	b, ch, _ := newTestBackend(t)
	resp := lastCompletion(t, b, ch, buildIORequest(999, 1, IRP_MJ_READ, 0, buildReadBody(0, 16)))
	if resp.status != STATUS_NO_SUCH_FILE {
		t.Errorf("status 0x%08X, want STATUS_NO_SUCH_FILE", resp.status)
	}
}

func TestQueryVolume(t *testing.T) {
	b, ch, _ := newTestBackend(t)
	fileID := createFile(t, b, ch, "\\", FILE_OPEN, FILE_DIRECTORY_FILE)

	body := append([]byte{byte(FileFsAttributeInformation), 0, 0, 0}, make([]byte, 28)...)
	resp := lastCompletion(t, b, ch, buildIORequest(fileID, 2, IRP_MJ_QUERY_VOLUME_INFORMATION, 0, body))
	if resp.status != STATUS_SUCCESS {
		t.Fatalf("query volume status 0x%08X", resp.status)
	}
	length := binary.LittleEndian.Uint32(resp.body)
	if length == 0 {
		t.Error("empty fs attribute information")
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		wire    string
		wantErr bool
	}{
		{"root", "", false},
		{"simple", "\\a.txt", false},
		{"nested", "\\dir\\sub\\file", false},
		{"forward slashes", "/dir/file", false},
		{"dotdot", "\\..\\outside", true},
		{"sneaky dotdot", "\\a\\..\\..\\outside", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePath(root, tt.wire)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolvePath(%q) = %q, want error", tt.wire, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolvePath(%q) error = %v", tt.wire, err)
			}
			if !contained(root, got) {
				t.Errorf("resolvePath(%q) = %q escapes root", tt.wire, got)
			}
		})
	}
}
