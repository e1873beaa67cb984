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

import "testing"

func TestLookupKey(t *testing.T) {
	tests := []struct {
		key          string
		wantCode     byte
		wantExtended bool
		wantOK       bool
	}{
		{"a", 0x1E, false, true},
		{"z", 0x2C, false, true},
		{"0", 0x0B, false, true},
		{"9", 0x0A, false, true},
		{"f1", 0x3B, false, true},
		{"F12", 0x58, false, true},
		{"ctrl", 0x1D, false, true},
		{"CTRL", 0x1D, false, true},
		{"rctrl", 0x1D, true, true},
		{"shift", 0x2A, false, true},
		{"rshift", 0x36, false, true},
		{"alt", 0x38, false, true},
		{"ralt", 0x38, true, true},
		{"super", 0x5B, true, true},
		{"rwin", 0x5C, true, true},
		{"enter", 0x1C, false, true},
		{"esc", 0x01, false, true},
		{"backspace", 0x0E, false, true},
		{"tab", 0x0F, false, true},
		{"space", 0x39, false, true},
		{"up", 0x48, true, true},
		{"down", 0x50, true, true},
		{"left", 0x4B, true, true},
		{"right", 0x4D, true, true},
		{"delete", 0x53, true, true},
		{"insert", 0x52, true, true},
		{"home", 0x47, true, true},
		{"end", 0x4F, true, true},
		{"pageup", 0x49, true, true},
		{"pagedown", 0x51, true, true},
		{"-", 0x0C, false, true},
		{"comma", 0x33, false, true},
		{"nosuchkey", 0, false, false},
		// Single characters are case-sensitive: no scancode for "A"
		{"A", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			info, ok := LookupKey(tt.key)
			if ok != tt.wantOK {
				t.Fatalf("LookupKey(%q) ok = %v, want %v", tt.key, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if info.Scancode != tt.wantCode {
				t.Errorf("LookupKey(%q) scancode = 0x%02X, want 0x%02X", tt.key, info.Scancode, tt.wantCode)
			}
			if info.Extended != tt.wantExtended {
				t.Errorf("LookupKey(%q) extended = %v, want %v", tt.key, info.Extended, tt.wantExtended)
			}
		})
	}
}

func TestParseKeyCombination(t *testing.T) {
	// The ctrl+shift+esc scenario: scancodes in press order
	infos, err := ParseKeyCombination("ctrl+shift+esc")
	if err != nil {
		t.Fatalf("ParseKeyCombination() error = %v", err)
	}
	want := []byte{0x1D, 0x2A, 0x01}
	if len(infos) != len(want) {
		t.Fatalf("got %d keys, want %d", len(infos), len(want))
	}
	for i, info := range infos {
		if info.Scancode != want[i] {
			t.Errorf("key %d scancode = 0x%02X, want 0x%02X", i, info.Scancode, want[i])
		}
	}
}

func TestParseKeyCombinationCaseInsensitiveNames(t *testing.T) {
	infos, err := ParseKeyCombination("Ctrl+Alt+Delete")
	if err != nil {
		t.Fatalf("ParseKeyCombination() error = %v", err)
	}
	if infos[0].Scancode != 0x1D || infos[1].Scancode != 0x38 || infos[2].Scancode != 0x53 {
		t.Errorf("scancodes = %02X %02X %02X", infos[0].Scancode, infos[1].Scancode, infos[2].Scancode)
	}
	if !infos[2].Extended {
		t.Error("delete should carry the extended flag")
	}
}

func TestParseKeyCombinationRejectsUnknown(t *testing.T) {
	tests := []string{"ctrl+bogus", "", "ctrl++", "hyper+x"}
	for _, keys := range tests {
		if _, err := ParseKeyCombination(keys); err == nil {
			t.Errorf("ParseKeyCombination(%q) accepted invalid input", keys)
		}
	}
}

func TestParseKeyCombinationSingleChar(t *testing.T) {
	infos, err := ParseKeyCombination("ctrl+c")
	if err != nil {
		t.Fatalf("ParseKeyCombination() error = %v", err)
	}
	if len(infos) != 2 || infos[0].Scancode != 0x1D || infos[1].Scancode != 0x2E {
		t.Errorf("unexpected scancodes for ctrl+c: %+v", infos)
	}
}
