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
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// errPathEscape marks wire paths that resolve outside the device root.
// Surfaced to the server as STATUS_NO_SUCH_FILE: the file does not exist
// as far as the redirected drive is concerned.
var errPathEscape = errors.New("path escapes device root")

// resolvePath maps a wire path (backslash separated, rooted at the
// device) onto the local filesystem under root. The result is guaranteed
// to stay inside root; symlinks pointing outside it resolve to
// errPathEscape.
func resolvePath(root, wirePath string) (string, error) {
	p := strings.ReplaceAll(wirePath, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return filepath.Clean(root), nil
	}

	joined := filepath.Join(root, filepath.FromSlash(p))
	if !contained(root, joined) {
		return "", errPathEscape
	}

	// Walk symlinks on the longest existing prefix so a link inside the
	// tree cannot lead out of it.
	if resolved, err := resolveExisting(joined); err == nil && resolved != "" {
		if !contained(root, resolved) {
			return "", errPathEscape
		}
	}

	return joined, nil
}

// contained reports whether path is root or lies under it after
// lexical cleaning.
func contained(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// resolveExisting resolves symlinks on path, falling back to the nearest
// existing ancestor when the leaf does not exist yet.
func resolveExisting(path string) (string, error) {
	p := path
	var suffix []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = append(suffix, filepath.Base(p))
		p = parent
	}
}
