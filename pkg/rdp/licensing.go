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

package rdp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Licensing PDU types (MS-RDPELE)
const (
	LICENSE_REQUEST             = 0x01
	PLATFORM_CHALLENGE          = 0x02
	NEW_LICENSE                 = 0x03
	UPGRADE_LICENSE             = 0x04
	LICENSE_INFO                = 0x12
	NEW_LICENSE_REQUEST         = 0x13
	PLATFORM_CHALLENGE_RESPONSE = 0x15
	ERROR_ALERT                 = 0xFF
)

// License error codes
const (
	ERR_INVALID_SERVER_CERTIFICATE = 0x00000001
	ERR_NO_LICENSE                 = 0x00000002
	ERR_INVALID_MAC                = 0x00000003
	ERR_INVALID_SCOPE              = 0x00000004
	ERR_NO_LICENSE_SERVER          = 0x00000006
	STATUS_VALID_CLIENT            = 0x00000007
	ERR_INVALID_CLIENT             = 0x00000008
	ERR_INVALID_PRODUCTID          = 0x0000000B
	ERR_INVALID_MESSAGE_LEN        = 0x0000000C
)

// processLicensePDU handles one licensing PDU (the security header has
// already been stripped). Returns true when the licensing phase is over.
func (c *Conn) processLicensePDU(data []byte) (bool, error) {
	if len(data) < 4 {
		return false, fmt.Errorf("licensing PDU too short")
	}

	pduType := data[0]

	switch pduType {
	case LICENSE_REQUEST, PLATFORM_CHALLENGE:
		// Minimal client: decline with "valid client" and move on
		if err := c.sendLicenseErrorAlert(STATUS_VALID_CLIENT); err != nil {
			return false, err
		}
		return false, nil

	case NEW_LICENSE, UPGRADE_LICENSE:
		return true, nil

	case ERROR_ALERT:
		if len(data) < 12 {
			return true, nil
		}
		errorCode := binary.LittleEndian.Uint32(data[4:8])
		if errorCode == STATUS_VALID_CLIENT {
			return true, nil
		}
		return false, fmt.Errorf("licensing error: 0x%08X", errorCode)

	default:
		// Unknown licensing traffic; keep scanning
		return false, nil
	}
}

// sendLicenseErrorAlert sends a license error alert PDU with the given
// error code (typically STATUS_VALID_CLIENT to end the exchange).
func (c *Conn) sendLicenseErrorAlert(errorCode uint32) error {
	pduBuf := new(bytes.Buffer)
	binary.Write(pduBuf, binary.LittleEndian, uint8(ERROR_ALERT))
	binary.Write(pduBuf, binary.LittleEndian, uint8(0x02)) // PREAMBLE_VERSION_2_0
	binary.Write(pduBuf, binary.LittleEndian, uint16(16))  // size

	binary.Write(pduBuf, binary.LittleEndian, errorCode)
	binary.Write(pduBuf, binary.LittleEndian, uint32(0x02)) // ST_TOTAL_ABORT

	// Empty binary blob
	binary.Write(pduBuf, binary.LittleEndian, uint16(0)) // wBlobType
	binary.Write(pduBuf, binary.LittleEndian, uint16(0)) // wBlobLen

	wrapped := c.secureWrap(SEC_LICENSE_PKT, pduBuf.Bytes())
	return c.sendMCSData(wrapped)
}
