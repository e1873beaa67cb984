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

import _ "embed"

// automationAgentScript is the in-guest helper bootstrap, materialized
// into the session directory when automation is enabled.
//
//go:embed assets/agent.ps1
var automationAgentScript []byte

// viewerHTML is the static streaming viewer served on plain HTTP
// requests to the streaming port.
//
//go:embed assets/viewer.html
var viewerHTML []byte
