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
	"fmt"
	"strings"
)

// KeyInfo is one resolved key: a US-layout scancode plus the extended
// flag for keys on the extended set.
type KeyInfo struct {
	Scancode byte
	Extended bool
}

// keyTable maps key names (lower case) onto scancodes; single characters
// live in charTable. Key names are matched case-insensitively; single
// characters case-sensitively (upper-case letters resolve through shift at
// a higher layer or via Unicode input).
var keyTable = map[string]KeyInfo{
	// Modifiers
	"ctrl":    {0x1D, false},
	"control": {0x1D, false},
	"lctrl":   {0x1D, false},
	"rctrl":   {0x1D, true},
	"alt":     {0x38, false},
	"lalt":    {0x38, false},
	"ralt":    {0x38, true},
	"shift":   {0x2A, false},
	"lshift":  {0x2A, false},
	"rshift":  {0x36, false},
	"win":     {0x5B, true},
	"windows": {0x5B, true},
	"lwin":    {0x5B, true},
	"rwin":    {0x5C, true},
	"super":   {0x5B, true},
	"meta":    {0x5B, true},

	// Function keys
	"esc":    {0x01, false},
	"escape": {0x01, false},
	"f1":     {0x3B, false},
	"f2":     {0x3C, false},
	"f3":     {0x3D, false},
	"f4":     {0x3E, false},
	"f5":     {0x3F, false},
	"f6":     {0x40, false},
	"f7":     {0x41, false},
	"f8":     {0x42, false},
	"f9":     {0x43, false},
	"f10":    {0x44, false},
	"f11":    {0x57, false},
	"f12":    {0x58, false},

	// Editing and navigation
	"tab":       {0x0F, false},
	"enter":     {0x1C, false},
	"return":    {0x1C, false},
	"backspace": {0x0E, false},
	"space":     {0x39, false},
	"capslock":  {0x3A, false},
	"caps":      {0x3A, false},

	"up":    {0x48, true},
	"down":  {0x50, true},
	"left":  {0x4B, true},
	"right": {0x4D, true},

	"insert":   {0x52, true},
	"delete":   {0x53, true},
	"home":     {0x47, true},
	"end":      {0x4F, true},
	"pageup":   {0x49, true},
	"pgup":     {0x49, true},
	"pagedown": {0x51, true},
	"pgdn":     {0x51, true},

	"printscreen": {0x37, true},
	"prtsc":       {0x37, true},
	"scrolllock":  {0x46, false},
	"pause":       {0x45, false},
	"break":       {0x45, false},
}

// charTable maps single characters onto scancodes, case-sensitive.
var charTable = map[string]KeyInfo{
	"1": {0x02, false}, "2": {0x03, false}, "3": {0x04, false},
	"4": {0x05, false}, "5": {0x06, false}, "6": {0x07, false},
	"7": {0x08, false}, "8": {0x09, false}, "9": {0x0A, false},
	"0": {0x0B, false},

	"a": {0x1E, false}, "b": {0x30, false}, "c": {0x2E, false},
	"d": {0x20, false}, "e": {0x12, false}, "f": {0x21, false},
	"g": {0x22, false}, "h": {0x23, false}, "i": {0x17, false},
	"j": {0x24, false}, "k": {0x25, false}, "l": {0x26, false},
	"m": {0x32, false}, "n": {0x31, false}, "o": {0x18, false},
	"p": {0x19, false}, "q": {0x10, false}, "r": {0x13, false},
	"s": {0x1F, false}, "t": {0x14, false}, "u": {0x16, false},
	"v": {0x2F, false}, "w": {0x11, false}, "x": {0x2D, false},
	"y": {0x15, false}, "z": {0x2C, false},

	"-": {0x0C, false}, "=": {0x0D, false}, "[": {0x1A, false},
	"]": {0x1B, false}, "\\": {0x2B, false}, ";": {0x27, false},
	"'": {0x28, false}, "`": {0x29, false}, ",": {0x33, false},
	".": {0x34, false}, "/": {0x35, false},
}

// namedCharKeys maps spelled-out punctuation names.
var namedCharKeys = map[string]string{
	"minus": "-", "equals": "=", "leftbracket": "[", "rightbracket": "]",
	"backslash": "\\", "semicolon": ";", "quote": "'", "grave": "`",
	"comma": ",", "period": ".", "slash": "/",
}

// LookupKey resolves a single key token. Key names are case-insensitive;
// single characters are case-sensitive (only lower case and unshifted
// punctuation have scancodes).
func LookupKey(key string) (KeyInfo, bool) {
	if len(key) == 1 {
		info, ok := charTable[key]
		return info, ok
	}
	lower := strings.ToLower(key)
	if info, ok := keyTable[lower]; ok {
		return info, true
	}
	if ch, ok := namedCharKeys[lower]; ok {
		return charTable[ch], true
	}
	return KeyInfo{}, false
}

// ParseKeyCombination splits a "mod+mod+key" string into resolved keys,
// preserving order. Unknown tokens fail the whole combination.
func ParseKeyCombination(keys string) ([]KeyInfo, error) {
	if strings.TrimSpace(keys) == "" {
		return nil, fmt.Errorf("empty key combination")
	}
	parts := strings.Split(keys, "+")
	infos := make([]KeyInfo, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if len(token) != 1 {
			token = strings.ToLower(token)
		}
		info, ok := LookupKey(token)
		if !ok {
			return nil, fmt.Errorf("unknown key: %s", part)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
