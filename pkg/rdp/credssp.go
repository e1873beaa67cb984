package rdp

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/zmap/zcrypto/x509"
	"golang.org/x/crypto/md4"
)

const (
	CREDSSP_VERSION = 3
)

type NegoData []NegoToken

type NegoToken struct {
	Token []byte `asn1:"explicit,tag:0"`
}

type TSRequest struct {
	Version     int      `asn1:"explicit,tag:0"`
	NegoTokens  NegoData `asn1:"explicit,optional,tag:1"`
	AuthInfo    []byte   `asn1:"explicit,optional,tag:2"`
	PubKeyAuth  []byte   `asn1:"explicit,optional,tag:3"`
	ErrorCode   int      `asn1:"explicit,optional,tag:4"`
	ClientNonce []byte   `asn1:"explicit,optional,tag:5"`
}

// [MS-CSSP] Section 2.2.1.2: TSCredentials
type TSCredentials struct {
	CredType    int    `asn1:"explicit,tag:0"`
	Credentials []byte `asn1:"explicit,tag:1"`
}

// [MS-CSSP] Section 2.2.1.2.1: TSPasswordCreds
type TSPasswordCreds struct {
	DomainName []byte `asn1:"explicit,tag:0"`
	UserName   []byte `asn1:"explicit,tag:1"`
	Password   []byte `asn1:"explicit,tag:2"`
}

// performCredSSPAuth runs the full CredSSP exchange over the established
// TLS stream: NTLM negotiate, challenge/authenticate, server public key
// verification, then encrypted credential delegation. [MS-CSSP] 3.1.5.
func (c *Conn) performCredSSPAuth() error {
	if c.tlsCertificate == nil {
		return fmt.Errorf("TLS certificate not available, cannot proceed with CredSSP")
	}

	domain := c.opts.Domain
	username := c.opts.Username
	password := c.opts.Password

	cert, err := x509.ParseCertificate(c.tlsCertificate)
	if err != nil {
		return fmt.Errorf("failed to parse TLS certificate: %w", err)
	}
	subjectPublicKey, err := extractSubjectPublicKey(cert.RawSubjectPublicKeyInfo)
	if err != nil {
		return fmt.Errorf("failed to extract SubjectPublicKey: %w", err)
	}

	// NTLM Type 1 (Negotiate)
	ntlmType1, err := buildNtlmType1(domain)
	if err != nil {
		return fmt.Errorf("failed to build NTLM Type 1: %w", err)
	}

	spnegoToken1, err := wrapNTLMInSPNEGO(ntlmType1, true)
	if err != nil {
		return fmt.Errorf("failed to wrap NTLM Type 1 in SPNEGO: %w", err)
	}

	tsReq1 := TSRequest{
		Version: CREDSSP_VERSION,
		NegoTokens: NegoData{
			{Token: spnegoToken1},
		},
	}

	if err := c.sendTSRequest(tsReq1); err != nil {
		return fmt.Errorf("failed to send TSRequest (Type 1): %w", err)
	}

	// NTLM Type 2 (Challenge)
	tsResp1, err := c.receiveTSRequest()
	if err != nil {
		return fmt.Errorf("failed to receive TSRequest (Type 2): %w", err)
	}

	if len(tsResp1.NegoTokens) == 0 {
		return fmt.Errorf("server sent empty NegoTokens in Type 2 response")
	}

	lastToken := tsResp1.NegoTokens[len(tsResp1.NegoTokens)-1].Token
	ntlmType2Bytes, err := unwrapSPNEGOManual(lastToken)
	if err != nil {
		return fmt.Errorf("failed to unwrap SPNEGO token (Type 2): %w", err)
	}

	challenge, err := parseNtlmChallenge(ntlmType2Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse NTLM Type 2: %w", err)
	}

	// NTLM Type 3 (Authenticate) + PubKeyAuth
	ntlmType3, sessionKey, err := buildNtlmType3AndKey(domain, username, password, challenge)
	if err != nil {
		return fmt.Errorf("failed to build NTLM Type 3: %w", err)
	}

	spnegoToken3, err := wrapNTLMInSPNEGO(ntlmType3, false)
	if err != nil {
		return fmt.Errorf("failed to wrap NTLM Type 3 in SPNEGO: %w", err)
	}

	pubKeyAuth, err := encryptRC4(sessionKey, subjectPublicKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt PubKeyAuth: %w", err)
	}

	tsReq2 := TSRequest{
		Version: CREDSSP_VERSION,
		NegoTokens: NegoData{
			{Token: spnegoToken3},
		},
		PubKeyAuth: pubKeyAuth,
	}

	if err := c.sendTSRequest(tsReq2); err != nil {
		return fmt.Errorf("failed to send TSRequest (Type 3): %w", err)
	}

	// Server PubKeyAuth verification
	tsResp2, err := c.receiveTSRequest()
	if err != nil {
		return fmt.Errorf("failed to receive server PubKeyAuth: %w", err)
	}

	if len(tsResp2.PubKeyAuth) == 0 {
		if tsResp2.ErrorCode != 0 {
			return fmt.Errorf("server rejected credentials (NTSTATUS 0x%08X)", uint32(tsResp2.ErrorCode))
		}
		return fmt.Errorf("server did not send PubKeyAuth verification")
	}

	decryptedPubKeyAuth, err := decryptRC4(sessionKey, tsResp2.PubKeyAuth)
	if err != nil {
		return fmt.Errorf("failed to decrypt server PubKeyAuth: %w", err)
	}

	if len(decryptedPubKeyAuth) != len(subjectPublicKey) {
		return fmt.Errorf("server PubKeyAuth length mismatch")
	}

	// The server proves possession by returning the key with its first
	// byte incremented
	expectedFirstByte := byte(subjectPublicKey[0] + 1)
	if decryptedPubKeyAuth[0] != expectedFirstByte {
		return fmt.Errorf("server PubKeyAuth verification failed: first byte mismatch")
	}
	if !bytes.Equal(decryptedPubKeyAuth[1:], subjectPublicKey[1:]) {
		return fmt.Errorf("server PubKeyAuth verification failed: remaining bytes mismatch")
	}

	// AuthInfo (encrypted TSPasswordCreds)
	passwordCreds := TSPasswordCreds{
		DomainName: encodeUTF16(domain),
		UserName:   encodeUTF16(username),
		Password:   encodeUTF16(password),
	}

	passCredsBytes, err := asn1.Marshal(passwordCreds)
	if err != nil {
		return fmt.Errorf("failed to marshal TSPasswordCreds: %w", err)
	}

	tsCreds := TSCredentials{
		CredType:    1, // TSPasswordCreds
		Credentials: passCredsBytes,
	}

	tsCredsBytes, err := asn1.Marshal(tsCreds)
	if err != nil {
		return fmt.Errorf("failed to marshal TSCredentials: %w", err)
	}

	authInfo, err := encryptRC4(sessionKey, tsCredsBytes)
	if err != nil {
		return fmt.Errorf("failed to encrypt AuthInfo: %w", err)
	}

	tsReq3 := TSRequest{
		Version:  CREDSSP_VERSION,
		AuthInfo: authInfo,
	}

	if err := c.sendTSRequest(tsReq3); err != nil {
		return fmt.Errorf("failed to send TSRequest (AuthInfo): %w", err)
	}

	return nil
}

func (c *Conn) sendTSRequest(req TSRequest) error {
	data, err := asn1.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal TSRequest: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write TSRequest to TLS: %w", err)
	}
	return nil
}

func (c *Conn) receiveTSRequest() (*TSRequest, error) {
	buf := make([]byte, 16384)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read from TLS: %w", err)
	}

	var req TSRequest
	if _, err := asn1.Unmarshal(buf[:n], &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal TSRequest: %w", err)
	}
	return &req, nil
}

func extractSubjectPublicKey(pubKeyInfo []byte) ([]byte, error) {
	type SubjectPublicKeyInfo struct {
		Algorithm        asn1.RawValue
		SubjectPublicKey asn1.BitString
	}
	var spki SubjectPublicKeyInfo
	if _, err := asn1.Unmarshal(pubKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	return spki.SubjectPublicKey.Bytes, nil
}

func encodeUTF16(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

func encryptRC4(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(data))
	c.XORKeyStream(dst, data)
	return dst, nil
}

func decryptRC4(key, data []byte) ([]byte, error) {
	return encryptRC4(key, data)
}

// --- NTLM Helpers ---

func buildNtlmType1(domain string) ([]byte, error) {
	// Negotiate Unicode, Request Target, NTLM, Always Sign, Extended
	// Session Security, Version, 128, Key Exch, 56
	flags := uint32(0xe208b207)

	buf := new(bytes.Buffer)
	buf.WriteString("NTLMSSP\x00")
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, flags)

	binary.Write(buf, binary.LittleEndian, uint16(0)) // Domain Len
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))

	binary.Write(buf, binary.LittleEndian, uint16(0)) // Workstation Len
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))

	buf.Write([]byte{0x06, 0x01, 0xb1, 0x1d, 0x00, 0x00, 0x00, 0x0f}) // Version

	return buf.Bytes(), nil
}

type ntlmChallenge struct {
	ServerChallenge []byte
	TargetInfo      []byte
	NegotiateFlags  uint32
}

func parseNtlmChallenge(data []byte) (*ntlmChallenge, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("NTLM challenge too short")
	}
	if string(data[:8]) != "NTLMSSP\x00" {
		return nil, fmt.Errorf("invalid NTLM signature")
	}
	msgType := binary.LittleEndian.Uint32(data[8:12])
	if msgType != 2 {
		return nil, fmt.Errorf("invalid NTLM message type: %d", msgType)
	}

	challenge := &ntlmChallenge{}
	challenge.NegotiateFlags = binary.LittleEndian.Uint32(data[20:24])

	challenge.ServerChallenge = make([]byte, 8)
	copy(challenge.ServerChallenge, data[24:32])

	if len(data) >= 48 {
		targetInfoLen := binary.LittleEndian.Uint16(data[40:42])
		targetInfoOffset := binary.LittleEndian.Uint32(data[44:48])

		if targetInfoLen > 0 && int(targetInfoOffset)+int(targetInfoLen) <= len(data) {
			challenge.TargetInfo = make([]byte, targetInfoLen)
			copy(challenge.TargetInfo, data[targetInfoOffset:targetInfoOffset+uint32(targetInfoLen)])
		}
	}
	return challenge, nil
}

func buildNtlmType3AndKey(domain, username, password string, challenge *ntlmChallenge) ([]byte, []byte, error) {
	// NTLMv2

	// 1. NTLMv2 Hash = HMAC-MD5(MD4(password), upper(user) + domain)
	h := md4.New()
	h.Write(encodeUTF16(password))
	ntlmHash := h.Sum(nil)

	hm := hmac.New(md5.New, ntlmHash)
	hm.Write(encodeUTF16(strings.ToUpper(username) + domain))
	ntlmv2Hash := hm.Sum(nil)

	// 2. Client Challenge
	clientChallenge := make([]byte, 8)
	rand.Read(clientChallenge)

	// 3. Blob: timestamp (Windows FILETIME) + client challenge + target info
	now := time.Now()
	fileTime := (now.UnixNano() / 100) + 116444736000000000

	blob := new(bytes.Buffer)
	binary.Write(blob, binary.LittleEndian, uint32(0x01010000)) // Signature
	binary.Write(blob, binary.LittleEndian, uint32(0))          // Reserved
	binary.Write(blob, binary.LittleEndian, uint64(fileTime))   // Timestamp
	blob.Write(clientChallenge)
	binary.Write(blob, binary.LittleEndian, uint32(0)) // Reserved
	blob.Write(challenge.TargetInfo)
	binary.Write(blob, binary.LittleEndian, uint32(0)) // Reserved

	blobBytes := blob.Bytes()

	// 4. NTProofStr = HMAC-MD5(ntlmv2Hash, ServerChallenge + Blob)
	hm = hmac.New(md5.New, ntlmv2Hash)
	hm.Write(challenge.ServerChallenge)
	hm.Write(blobBytes)
	ntProofStr := hm.Sum(nil)

	// 5. NT Response = NTProofStr + Blob
	ntResponse := append(append([]byte{}, ntProofStr...), blobBytes...)

	// 6. Session Base Key = HMAC-MD5(ntlmv2Hash, NTProofStr)
	hm = hmac.New(md5.New, ntlmv2Hash)
	hm.Write(ntProofStr)
	sessionBaseKey := hm.Sum(nil)

	// 7. Exchange a random session key encrypted under the base key
	randomSessionKey := make([]byte, 16)
	rand.Read(randomSessionKey)

	encryptedRandomSessionKey, err := encryptRC4(sessionBaseKey, randomSessionKey)
	if err != nil {
		return nil, nil, err
	}

	// 8. Type 3 message: header(64) + version(8), then payload ordered
	// Domain, User, Host, SessionKey, NTResp
	domBytes := encodeUTF16(domain)
	userBytes := encodeUTF16(username)
	hostBytes := encodeUTF16("WORKSTATION")
	sessKeyBytes := encryptedRandomSessionKey

	offsetDomain := 72
	offsetUser := offsetDomain + len(domBytes)
	offsetHost := offsetUser + len(userBytes)
	offsetSessKey := offsetHost + len(hostBytes)
	offsetNTResp := offsetSessKey + len(sessKeyBytes)

	buf := new(bytes.Buffer)
	buf.WriteString("NTLMSSP\x00")
	binary.Write(buf, binary.LittleEndian, uint32(3))

	// LM Response (empty)
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint16(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))

	// NT Response
	binary.Write(buf, binary.LittleEndian, uint16(len(ntResponse)))
	binary.Write(buf, binary.LittleEndian, uint16(len(ntResponse)))
	binary.Write(buf, binary.LittleEndian, uint32(offsetNTResp))

	// Domain
	binary.Write(buf, binary.LittleEndian, uint16(len(domBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(len(domBytes)))
	binary.Write(buf, binary.LittleEndian, uint32(offsetDomain))

	// User
	binary.Write(buf, binary.LittleEndian, uint16(len(userBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(len(userBytes)))
	binary.Write(buf, binary.LittleEndian, uint32(offsetUser))

	// Workstation
	binary.Write(buf, binary.LittleEndian, uint16(len(hostBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(len(hostBytes)))
	binary.Write(buf, binary.LittleEndian, uint32(offsetHost))

	// Session Key
	binary.Write(buf, binary.LittleEndian, uint16(len(sessKeyBytes)))
	binary.Write(buf, binary.LittleEndian, uint16(len(sessKeyBytes)))
	binary.Write(buf, binary.LittleEndian, uint32(offsetSessKey))

	// Flags: Type 1's flags (with Key Exch) minus NEGOTIATE_OEM
	binary.Write(buf, binary.LittleEndian, uint32(0xe208b205))

	// Version 6.1.7601 for broad compatibility
	buf.Write([]byte{0x06, 0x01, 0xb1, 0x1d, 0x00, 0x00, 0x00, 0x0f})

	buf.Write(domBytes)
	buf.Write(userBytes)
	buf.Write(hostBytes)
	buf.Write(sessKeyBytes)
	buf.Write(ntResponse)

	return buf.Bytes(), randomSessionKey, nil
}
