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
	"fmt"
	"net"
	"time"

	ztls "github.com/zmap/zcrypto/tls"
)

// TLSConfig holds TLS configuration for RDP connections
type TLSConfig struct {
	// ServerName for SNI
	ServerName string

	// InsecureSkipVerify allows connections to servers with invalid certificates
	InsecureSkipVerify bool

	// Timeout for TLS handshake
	Timeout time.Duration
}

// DefaultTLSConfig returns a default TLS configuration for RDP
func DefaultTLSConfig(serverName string) *TLSConfig {
	return &TLSConfig{
		ServerName:         serverName,
		InsecureSkipVerify: true, // RDP servers often have self-signed certs
		Timeout:            10 * time.Second,
	}
}

// upgradeTLSConnection upgrades an existing TCP connection to TLS
func (c *Conn) upgradeTLSConnection(tlsConfig *TLSConfig) error {
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(c.target)
		if err != nil {
			tlsConfig.ServerName = c.target
		} else {
			tlsConfig.ServerName = host
		}
	}

	config := &ztls.Config{
		ServerName:         tlsConfig.ServerName,
		InsecureSkipVerify: tlsConfig.InsecureSkipVerify,
		MinVersion:         ztls.VersionTLS10,
		MaxVersion:         ztls.VersionTLS12,
		CipherSuites: []uint16{
			// Common cipher suites RDP servers accept
			ztls.TLS_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}

	if err := c.conn.SetDeadline(time.Now().Add(tlsConfig.Timeout)); err != nil {
		return fmt.Errorf("failed to set TLS deadline: %w", err)
	}

	tlsConn := ztls.Client(c.conn, config)

	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear TLS deadline: %w", err)
	}

	// CredSSP binds to the server certificate's public key, so keep the
	// leaf certificate around.
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		c.tlsCertificate = state.PeerCertificates[0].Raw
	}

	c.conn = tlsConn
	c.tlsEnabled = true

	return nil
}

// isTLSRequired checks if the negotiated protocol requires TLS
func isTLSRequired(protocol uint32) bool {
	return protocol == PROTOCOL_SSL || protocol == PROTOCOL_HYBRID || protocol == PROTOCOL_HYBRID_EX
}

// isNLA checks if the protocol requires Network Level Authentication.
func isNLA(protocol uint32) bool {
	return protocol == PROTOCOL_HYBRID || protocol == PROTOCOL_HYBRID_EX
}
