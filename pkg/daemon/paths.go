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
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
)

// BaseDir returns the root for all session directories:
// /tmp/agent-rdp on POSIX, the user temp folder on Windows.
func BaseDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.TempDir(), "agent-rdp")
	}
	return "/tmp/agent-rdp"
}

// SessionDir returns the per-session state directory.
func SessionDir(session string) string {
	return filepath.Join(BaseDir(), session)
}

// SocketPath returns the IPC socket path for a session (POSIX).
func SocketPath(session string) string {
	return filepath.Join(SessionDir(session), "socket")
}

// PIDPath returns the PID file path for a session.
func PIDPath(session string) string {
	return filepath.Join(SessionDir(session), "pid")
}

// LogPath returns the daemon log file path for a session.
func LogPath(session string) string {
	return filepath.Join(SessionDir(session), "daemon.log")
}

// SessionPort maps a session name into the ephemeral port range for the
// loopback TCP fallback on Windows. Deterministic so any client finds
// the same port.
func SessionPort(session string) uint16 {
	h := fnv.New64a()
	h.Write([]byte(session))
	return uint16(49152 + h.Sum64()%16384)
}

// CleanupSession removes the session directory and everything in it.
func CleanupSession(session string) {
	os.RemoveAll(SessionDir(session))
}
