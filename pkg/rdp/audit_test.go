package rdp

import (
	"encoding/asn1"
	"testing"
)

// The CredSSP exchange depends on encoding/asn1 emitting the exact
// context-specific tags Windows expects; these tests pin that behavior.

func TestNegTokenInitTags(t *testing.T) {
	initToken := NegTokenInit{
		MechTypes: []asn1.ObjectIdentifier{OIDNTLMSSP},
		MechToken: []byte{0x01, 0x02, 0x03},
	}
	data, err := asn1.Marshal(initToken)
	if err != nil {
		t.Fatalf("Failed to marshal NegTokenInit: %v", err)
	}

	if data[0] != 0x30 {
		t.Errorf("Expected SEQUENCE (0x30), got 0x%02x", data[0])
	}
	pos := 2
	if data[1] > 0x80 {
		pos = 1 + int(data[1]&0x7f) + 1
	}
	if pos >= len(data) {
		t.Fatal("Truncated data")
	}
	// First field must be MechTypes [0] EXPLICIT
	if data[pos] != 0xA0 {
		t.Errorf("Expected [0] EXPLICIT (0xA0), got 0x%02x", data[pos])
	}
}

func TestTSRequestTags(t *testing.T) {
	tsReq := TSRequest{
		Version: 3,
		NegoTokens: NegoData{
			{Token: []byte{0xAA, 0xBB}},
		},
	}
	data, err := asn1.Marshal(tsReq)
	if err != nil {
		t.Fatalf("Failed to marshal TSRequest: %v", err)
	}

	pos := 2
	if data[1] > 0x80 {
		pos = 1 + int(data[1]&0x7f) + 1
	}
	if data[pos] != 0xA0 {
		t.Errorf("Expected Version [0] EXPLICIT (0xA0), got 0x%02x", data[pos])
	}

	// NegoTokens must appear as [1] EXPLICIT wrapping a SEQUENCE
	foundA1 := false
	for i := pos; i < len(data); i++ {
		if data[i] == 0xA1 {
			foundA1 = true
			if i+2 < len(data) && data[i+2] != 0x30 && (i+3 >= len(data) || data[i+3] != 0x30) {
				t.Errorf("NegoTokens [1] does not wrap a SEQUENCE (0x%02x)", data[i+2])
			}
			break
		}
	}
	if !foundA1 {
		t.Errorf("Did not find NegoTokens [1] EXPLICIT (0xA1)")
	}
}

func TestTSCredentialsTags(t *testing.T) {
	tsCreds := TSCredentials{
		CredType:    1,
		Credentials: []byte{0xCC, 0xDD},
	}
	data, err := asn1.Marshal(tsCreds)
	if err != nil {
		t.Fatalf("Failed to marshal TSCredentials: %v", err)
	}
	if data[2] != 0xA0 {
		t.Errorf("Expected CredType [0] EXPLICIT (0xA0), got 0x%02x", data[2])
	}
}

func TestUnwrapSPNEGOManual(t *testing.T) {
	ntlm := []byte("NTLMSSP\x00rest")

	// Build NegTokenResp{responseToken: ntlm} wrapped in [1]
	resp := NegTokenResp{ResponseToken: ntlm}
	inner, err := asn1.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal NegTokenResp: %v", err)
	}
	wrapped := append([]byte{0xa1}, encodeLength(len(inner))...)
	wrapped = append(wrapped, inner...)

	got, err := unwrapSPNEGOManual(wrapped)
	if err != nil {
		t.Fatalf("unwrapSPNEGOManual() error = %v", err)
	}
	if string(got) != string(ntlm) {
		t.Errorf("unwrapSPNEGOManual() = %q, want %q", got, ntlm)
	}
}

func TestParseNtlmChallenge(t *testing.T) {
	data := make([]byte, 48)
	copy(data, "NTLMSSP\x00")
	data[8] = 2 // message type
	copy(data[24:32], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	challenge, err := parseNtlmChallenge(data)
	if err != nil {
		t.Fatalf("parseNtlmChallenge() error = %v", err)
	}
	if string(challenge.ServerChallenge) != string([]byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("ServerChallenge = %x", challenge.ServerChallenge)
	}

	if _, err := parseNtlmChallenge([]byte("short")); err == nil {
		t.Error("expected error for truncated challenge")
	}
}
