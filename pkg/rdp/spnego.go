package rdp

import (
	"encoding/asn1"
	"fmt"
)

// OIDs for SPNEGO and NTLM
var (
	OIDSpnego    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}
	OIDNTLMSSP   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}
	OIDKerberos5 = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
)

// NegTokenInit represents the initial negotiation token (client -> server)
// Defined in RFC 4178 / MS-SPNG
type NegTokenInit struct {
	MechTypes []asn1.ObjectIdentifier `asn1:"explicit,tag:0"`
	ReqFlags  asn1.BitString          `asn1:"explicit,optional,tag:1"`
	MechToken []byte                  `asn1:"explicit,optional,tag:2"`
	// MS-SPNG moves MechListMIC to tag 4 when NegHints occupies tag 3.
	NegHints    asn1.RawValue `asn1:"explicit,optional,tag:3"`
	MechListMIC []byte        `asn1:"explicit,optional,tag:4"`
}

// NegTokenResp represents the response negotiation token (server <-> client)
// Defined in RFC 4178 / MS-SPNG
type NegTokenResp struct {
	NegState      asn1.Enumerated       `asn1:"explicit,optional,tag:0"`
	SupportedMech asn1.ObjectIdentifier `asn1:"explicit,optional,tag:1"`
	ResponseToken []byte                `asn1:"explicit,optional,tag:2"`
	MechListMIC   []byte                `asn1:"explicit,optional,tag:3"`
}

const (
	AcceptCompleted  = 0
	AcceptIncomplete = 1
	Reject           = 2
	RequestMIC       = 3
)

// wrapNTLMInSPNEGO wraps an NTLM message in a SPNEGO token.
// isInitial should be true for NTLM Type 1 (Negotiate), false for Type 3
// (Authenticate): the first token carries the GSS-API header, later ones
// are bare NegotiationTokens.
func wrapNTLMInSPNEGO(ntlmMsg []byte, isInitial bool) ([]byte, error) {
	if isInitial {
		negTokenInit := NegTokenInit{
			MechTypes: []asn1.ObjectIdentifier{OIDNTLMSSP},
			MechToken: ntlmMsg,
		}

		negTokenInitBytes, err := asn1.Marshal(negTokenInit)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal NegTokenInit: %w", err)
		}

		// NegotiationToken CHOICE: negTokenInit is [0] EXPLICIT (0xA0)
		negotiationToken := append([]byte{0xa0}, encodeLength(len(negTokenInitBytes))...)
		negotiationToken = append(negotiationToken, negTokenInitBytes...)

		// GSS-API InitialContextToken: [APPLICATION 0] { OID, token }
		oidBytes, err := asn1.Marshal(OIDSpnego)
		if err != nil {
			return nil, err
		}

		totalLen := len(oidBytes) + len(negotiationToken)
		gssHeader := append([]byte{0x60}, encodeLength(totalLen)...)
		gssHeader = append(gssHeader, oidBytes...)
		gssHeader = append(gssHeader, negotiationToken...)
		return gssHeader, nil
	}

	negTokenResp := NegTokenResp{
		ResponseToken: ntlmMsg,
	}

	negTokenRespBytes, err := asn1.Marshal(negTokenResp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal NegTokenResp: %w", err)
	}

	// NegotiationToken CHOICE: negTokenTarg is [1] EXPLICIT (0xA1)
	negotiationToken := append([]byte{0xa1}, encodeLength(len(negTokenRespBytes))...)
	negotiationToken = append(negotiationToken, negTokenRespBytes...)
	return negotiationToken, nil
}

// encodeLength encodes the length of an ASN.1 value
func encodeLength(length int) []byte {
	if length < 128 {
		return []byte{byte(length)}
	}
	if length < 256 {
		return []byte{0x81, byte(length)}
	}
	return []byte{0x82, byte(length >> 8), byte(length)}
}

// unwrapSPNEGO extracts the NTLM message from a SPNEGO token.
func unwrapSPNEGO(spnegoData []byte) ([]byte, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(spnegoData, &raw); err != nil {
		return nil, fmt.Errorf("SPNEGO wrapper decode failed: %w", err)
	}

	if raw.Class != asn1.ClassContextSpecific {
		// GSS-API header [Application 0]: skip the OID and recurse on the
		// NegotiationToken that follows it.
		if raw.Class == asn1.ClassApplication && raw.Tag == 0 {
			if len(raw.Bytes) < 2 || raw.Bytes[0] != 0x06 {
				return nil, fmt.Errorf("expected OID at start of GSS-API token")
			}
			offset := 1
			oidLen := int(raw.Bytes[offset])
			offset++
			if oidLen&0x80 != 0 {
				lenBytes := oidLen & 0x7F
				if len(raw.Bytes) < offset+lenBytes {
					return nil, fmt.Errorf("invalid OID length")
				}
				oidLen = 0
				for i := 0; i < lenBytes; i++ {
					oidLen = (oidLen << 8) | int(raw.Bytes[offset])
					offset++
				}
			}
			offset += oidLen
			if offset >= len(raw.Bytes) {
				return nil, fmt.Errorf("GSS-API token truncated after OID")
			}
			return unwrapSPNEGO(raw.Bytes[offset:])
		}

		// A bare SEQUENCE may be a NegTokenResp without the CHOICE tag
		if raw.Tag == 16 {
			var respToken NegTokenResp
			if _, err := asn1.Unmarshal(spnegoData, &respToken); err == nil {
				return respToken.ResponseToken, nil
			}
		}

		return nil, fmt.Errorf("invalid ASN.1 class: %d, tag: %d", raw.Class, raw.Tag)
	}

	switch raw.Tag {
	case 0: // NegTokenInit
		var initToken NegTokenInit
		if _, err := asn1.Unmarshal(raw.Bytes, &initToken); err != nil {
			return nil, fmt.Errorf("NegTokenInit decode failed: %w", err)
		}
		return initToken.MechToken, nil

	case 1: // NegTokenResp
		var respToken NegTokenResp
		if _, err := asn1.Unmarshal(raw.Bytes, &respToken); err != nil {
			return nil, fmt.Errorf("NegTokenResp decode failed: %w", err)
		}
		if respToken.NegState == Reject {
			return nil, fmt.Errorf("SPNEGO negotiation rejected by peer")
		}
		return respToken.ResponseToken, nil

	default:
		return nil, fmt.Errorf("unknown NegotiationToken tag: %d", raw.Tag)
	}
}

// unwrapSPNEGOManual extracts the raw NTLM payload from a SPNEGO
// NegTokenResp by walking the DER by hand. Windows emits field layouts
// the struct-tag decoder chokes on (optional fields re-ordered, long-form
// lengths), so this stays byte-level.
func unwrapSPNEGOManual(data []byte) ([]byte, error) {
	pos := 0

	// Optional outer OCTET STRING wrapper (TSRequest.negoTokens[N].Token)
	if pos < len(data) && data[pos] == 0x04 {
		pos++
		if pos >= len(data) {
			return nil, fmt.Errorf("truncated OCTET STRING length")
		}
		lenByte := data[pos]
		pos++
		if lenByte > 0x80 {
			pos += int(lenByte & 0x7f)
		}
	}

	if pos >= len(data) {
		return nil, fmt.Errorf("data too short for SPNEGO tag")
	}
	if data[pos] != 0xa1 {
		return nil, fmt.Errorf("expected SPNEGO NegTokenResp [1] tag (0xa1), got 0x%02x at offset 0x%02x", data[pos], pos)
	}
	pos++

	if pos >= len(data) {
		return nil, fmt.Errorf("truncated SPNEGO NegTokenResp length")
	}
	lenByte := data[pos]
	pos++
	if lenByte > 0x80 {
		pos += int(lenByte & 0x7f)
	}

	if pos >= len(data) || data[pos] != 0x30 {
		return nil, fmt.Errorf("expected SEQUENCE inside NegTokenResp")
	}
	pos++

	if pos >= len(data) {
		return nil, fmt.Errorf("truncated SEQUENCE length")
	}
	lenByte = data[pos]
	pos++
	if lenByte > 0x80 {
		pos += int(lenByte & 0x7f)
	}

	// Walk the SPNEGO fields looking for [2] responseToken
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated field header")
		}

		fieldTag := data[pos]
		pos++

		fieldLenByte := data[pos]
		pos++
		var fieldLen int
		if fieldLenByte > 0x80 {
			numLenBytes := int(fieldLenByte & 0x7f)
			if pos+numLenBytes > len(data) {
				return nil, fmt.Errorf("truncated long-form field length")
			}
			fieldLen = 0
			for i := 0; i < numLenBytes; i++ {
				fieldLen = (fieldLen << 8) | int(data[pos])
				pos++
			}
		} else {
			fieldLen = int(fieldLenByte)
		}

		if fieldTag != 0xa2 {
			// negState, supportedMech, mechListMIC, or unknown: skip
			pos += fieldLen
			continue
		}

		// [2] responseToken: an EXPLICIT tag holding an OCTET STRING
		if pos >= len(data) || data[pos] != 0x04 {
			return nil, fmt.Errorf("expected OCTET STRING inside responseToken")
		}
		pos++

		if pos >= len(data) {
			return nil, fmt.Errorf("truncated OCTET STRING length in responseToken")
		}
		octetLenByte := data[pos]
		pos++
		var octetLen int
		if octetLenByte > 0x80 {
			numLenBytes := int(octetLenByte & 0x7f)
			if pos+numLenBytes > len(data) {
				return nil, fmt.Errorf("truncated OCTET STRING long-form length")
			}
			octetLen = 0
			for i := 0; i < numLenBytes; i++ {
				octetLen = (octetLen << 8) | int(data[pos])
				pos++
			}
		} else {
			octetLen = int(octetLenByte)
		}

		if pos+octetLen > len(data) {
			return nil, fmt.Errorf("truncated NTLM payload in responseToken")
		}
		return data[pos : pos+octetLen], nil
	}

	return nil, fmt.Errorf("responseToken [2] not found in SPNEGO NegTokenResp")
}
