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
	"image"
	"path/filepath"
	"strings"

	"github.com/agent-rdp/agent-rdp/pkg/proto"
)

// Locator recognizes text regions in a screenshot. The embedded OCR
// engine plugs in here; the daemon only filters its output.
type Locator interface {
	Recognize(img image.Image) ([]proto.OcrMatch, error)
}

// Locate screenshots the session and filters recognized words by the
// request. A nil locator reports not_supported.
func (s *Session) Locate(loc Locator, req *proto.LocateRequest) (*proto.LocateData, error) {
	if loc == nil {
		return nil, &proto.ErrorInfo{
			Code:    proto.ErrNotSupported,
			Message: "no OCR engine is built into this daemon",
		}
	}

	_, fb, _, _, _, err := s.handlers()
	if err != nil {
		return nil, err
	}

	words, err := loc.Recognize(fb.Snapshot())
	if err != nil {
		return nil, &proto.ErrorInfo{Code: proto.ErrInternalError, Message: err.Error()}
	}

	result := &proto.LocateData{
		Type:       "locate_result",
		Matches:    []proto.OcrMatch{},
		TotalWords: len(words),
	}

	for _, w := range words {
		if req.All || matchText(w.Text, req) {
			result.Matches = append(result.Matches, w)
		}
	}
	return result, nil
}

func matchText(text string, req *proto.LocateRequest) bool {
	candidate, needle := text, req.Text
	if req.IgnoreCase {
		candidate = strings.ToLower(candidate)
		needle = strings.ToLower(needle)
	}
	if req.Pattern {
		matched, err := filepath.Match(needle, candidate)
		return err == nil && matched
	}
	return strings.Contains(candidate, needle)
}
