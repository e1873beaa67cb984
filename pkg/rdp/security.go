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
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Standard RDP security (RC4 session encryption). Under TLS the server
// selects ENCRYPTION_METHOD_NONE and this path stays dormant; it is kept
// for legacy servers that negotiate PROTOCOL_RDP.

// SecurityData holds the server's security block from the MCS
// Connect-Response.
type SecurityData struct {
	ServerRandom     []byte
	EncryptionMethod uint32
	EncryptionLevel  uint32
	ServerPublicKey  *rsa.PublicKey
}

// SessionKeys holds the derived session keys
type SessionKeys struct {
	SigningKey []byte
	EncryptKey []byte
	DecryptKey []byte
	UpdateKey  []byte
	MACKey     []byte
	MACKey64   []byte
}

// buildSecurityExchangePDU creates a Client Security Exchange PDU
// (MS-RDPBCGR 2.2.1.10). The client random is encrypted with the server's
// public key when one was presented.
func buildSecurityExchangePDU(serverSecurityData *SecurityData) ([]byte, []byte, error) {
	buf := new(bytes.Buffer)

	clientRandom := make([]byte, 32)
	if _, err := rand.Read(clientRandom); err != nil {
		return nil, nil, fmt.Errorf("failed to generate client random: %w", err)
	}

	if serverSecurityData.EncryptionMethod != ENCRYPTION_METHOD_NONE &&
		serverSecurityData.ServerPublicKey != nil {
		encrypted, err := rsaEncryptNoPadding(serverSecurityData.ServerPublicKey, clientRandom)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt client random: %w", err)
		}
		// 8 bytes of zero padding follow the encrypted random
		binary.Write(buf, binary.LittleEndian, uint32(len(encrypted)+8))
		buf.Write(encrypted)
		buf.Write(make([]byte, 8))
	} else {
		binary.Write(buf, binary.LittleEndian, uint32(32))
		buf.Write(clientRandom)
	}

	return buf.Bytes(), clientRandom, nil
}

// rsaEncryptNoPadding performs the raw RSA operation MS-RDPBCGR 5.3.4.1
// requires: little-endian modular exponentiation without PKCS padding.
func rsaEncryptNoPadding(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	reversed := make([]byte, len(plaintext))
	for i, b := range plaintext {
		reversed[len(plaintext)-1-i] = b
	}
	m := new(big.Int).SetBytes(reversed)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	out := c.Bytes()
	// back to little-endian, padded to modulus size
	result := make([]byte, (pub.N.BitLen()+7)/8)
	for i, b := range out {
		result[len(out)-1-i] = b
	}
	return result, nil
}

// deriveSessionKeys derives session keys from client and server randoms
// MS-RDPBCGR section 5.3.5
func deriveSessionKeys(clientRandom, serverRandom []byte, encryptionMethod uint32) (*SessionKeys, error) {
	preMasterSecret := append(append([]byte{}, clientRandom...), serverRandom...)

	masterSecret := saltedHash(preMasterSecret, []byte("A"), clientRandom, serverRandom)
	masterSecret = append(masterSecret, saltedHash(preMasterSecret, []byte("BB"), clientRandom, serverRandom)...)
	masterSecret = append(masterSecret, saltedHash(preMasterSecret, []byte("CCC"), clientRandom, serverRandom)...)

	sessionKeyBlob := saltedHash(masterSecret, []byte("X"), clientRandom, serverRandom)
	sessionKeyBlob = append(sessionKeyBlob, saltedHash(masterSecret, []byte("YY"), clientRandom, serverRandom)...)
	sessionKeyBlob = append(sessionKeyBlob, saltedHash(masterSecret, []byte("ZZZ"), clientRandom, serverRandom)...)

	keys := &SessionKeys{}

	var macKeyLen, keyLen int
	switch encryptionMethod {
	case ENCRYPTION_METHOD_40BIT, ENCRYPTION_METHOD_56BIT:
		macKeyLen = 8
		keyLen = 8
	case ENCRYPTION_METHOD_128BIT, ENCRYPTION_METHOD_FIPS:
		macKeyLen = 16
		keyLen = 16
	default:
		return nil, fmt.Errorf("unsupported encryption method: 0x%08X", encryptionMethod)
	}

	offset := 0
	keys.MACKey = sessionKeyBlob[offset : offset+macKeyLen]
	offset += macKeyLen

	if encryptionMethod == ENCRYPTION_METHOD_FIPS {
		keys.EncryptKey = sessionKeyBlob[offset : offset+keyLen]
		offset += keyLen
		keys.DecryptKey = sessionKeyBlob[offset : offset+keyLen]
	} else {
		keys.EncryptKey = sessionKeyBlob[offset : offset+keyLen]
		keys.DecryptKey = keys.EncryptKey
	}

	// 40-bit and 56-bit reduce key strength with fixed salt bytes
	if encryptionMethod == ENCRYPTION_METHOD_40BIT {
		keys.EncryptKey[0] = 0xD1
		keys.EncryptKey[1] = 0x26
		keys.EncryptKey[2] = 0x9E
		keys.DecryptKey[0] = 0xD1
		keys.DecryptKey[1] = 0x26
		keys.DecryptKey[2] = 0x9E
	} else if encryptionMethod == ENCRYPTION_METHOD_56BIT {
		keys.EncryptKey[0] = 0xD1
		keys.DecryptKey[0] = 0xD1
	}

	keys.UpdateKey = make([]byte, keyLen)
	copy(keys.UpdateKey, keys.EncryptKey)

	if macKeyLen == 8 {
		keys.MACKey64 = make([]byte, 8)
		copy(keys.MACKey64, keys.MACKey)
	}

	return keys, nil
}

// saltedHash implements the SaltedHash function from MS-RDPBCGR 5.3.5.1:
// SHA1(salt + SHA1(input1 + secret + input2)), truncated to 16 bytes.
func saltedHash(secret, salt, input1, input2 []byte) []byte {
	sha1Hash := sha1.New()

	sha1Hash.Write(input1)
	sha1Hash.Write(secret)
	sha1Hash.Write(input2)
	innerHash := sha1Hash.Sum(nil)

	sha1Hash.Reset()
	sha1Hash.Write(salt)
	sha1Hash.Write(innerHash)

	result := sha1Hash.Sum(nil)
	if len(result) > 16 {
		return result[:16]
	}
	return result
}

// RC4Encryptor handles RC4 encryption for RDP
type RC4Encryptor struct {
	cipher *rc4.Cipher
}

// NewRC4Encryptor creates a new RC4 encryptor with the given key
func NewRC4Encryptor(key []byte) (*RC4Encryptor, error) {
	cipher, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &RC4Encryptor{cipher: cipher}, nil
}

// Encrypt encrypts data in place
func (e *RC4Encryptor) Encrypt(data []byte) {
	e.cipher.XORKeyStream(data, data)
}

// Decrypt decrypts data in place (RC4 is symmetric)
func (e *RC4Encryptor) Decrypt(data []byte) {
	e.cipher.XORKeyStream(data, data)
}

// UpdateSessionKey updates the session key (MS-RDPBCGR 5.3.5.2)
func UpdateSessionKey(currentKey, updateKey []byte) []byte {
	sha1Hash := sha1.New()
	md5Hash := md5.New()

	sha1Hash.Write(updateKey)
	sha1Hash.Write(pad1[:len(updateKey)])
	sha1Hash.Write(currentKey)
	sha1Result := sha1Hash.Sum(nil)

	md5Hash.Write(updateKey)
	md5Hash.Write(pad2[:len(updateKey)])
	md5Hash.Write(sha1Result)
	md5Result := md5Hash.Sum(nil)

	rc4Cipher, _ := rc4.NewCipher(md5Result)
	newKey := make([]byte, len(currentKey))
	rc4Cipher.XORKeyStream(newKey, currentKey)

	return newKey
}

// Padding constants for key updates
var (
	pad1 = bytes.Repeat([]byte{0x36}, 40)
	pad2 = bytes.Repeat([]byte{0x5C}, 40)
)

// Security constants from MS-RDPBCGR
const (
	// Security header flags
	SEC_EXCHANGE_PKT    = 0x0001
	SEC_ENCRYPT         = 0x0008
	SEC_RESET_SEQNO     = 0x0010
	SEC_IGNORE_SEQNO    = 0x0020
	SEC_INFO_PKT        = 0x0040
	SEC_LICENSE_PKT     = 0x0080
	SEC_LICENSE_ENCRYPT = 0x0200
	SEC_REDIRECTION_PKT = 0x0400
	SEC_SECURE_CHECKSUM = 0x0800
	SEC_AUTODETECT_REQ  = 0x1000
	SEC_AUTODETECT_RSP  = 0x2000
	SEC_HEARTBEAT       = 0x4000
	SEC_FLAGSHI_VALID   = 0x8000
)
