package rdp

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/zmap/zcrypto/x509"
)

func berEncodeLength(w io.Writer, length int) error {
	if length < 128 {
		return binary.Write(w, binary.BigEndian, uint8(length))
	}
	if length < 256 {
		binary.Write(w, binary.BigEndian, uint8(0x81))
		return binary.Write(w, binary.BigEndian, uint8(length))
	}
	binary.Write(w, binary.BigEndian, uint8(0x82))
	return binary.Write(w, binary.BigEndian, uint16(length))
}

// ConnectParams carries the client-side settings encoded into the MCS
// Connect-Initial GCC user data.
type ConnectParams struct {
	NegotiatedProtocol uint32
	ClientName         string
	DesktopWidth       uint16
	DesktopHeight      uint16
	ChannelNames       []string
}

func buildMCSConnectInitial(params ConnectParams) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(0x7F)
	buf.WriteByte(0x65)
	lengthPos := buf.Len()
	buf.WriteByte(0x82)
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)

	buf.Write([]byte{0x04, 0x00}) // Calling Domain Selector (Empty)
	buf.Write([]byte{0x04, 0x00}) // Called Domain Selector (Empty)

	buf.Write([]byte{0x01, 0x01, 0x01}) // Upward Flag (TRUE)

	// Target parameters
	buf.Write([]byte{0x30, 0x19})
	buf.Write([]byte{0x02, 0x01, 0x22})
	buf.Write([]byte{0x02, 0x01, 0x02})
	buf.Write([]byte{0x02, 0x01, 0x00})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x01, 0x00})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x02, 0xFF, 0xFF})
	buf.Write([]byte{0x02, 0x01, 0x02})

	// Minimum parameters
	buf.Write([]byte{0x30, 0x19})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x01, 0x00})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x02, 0x04, 0x20})
	buf.Write([]byte{0x02, 0x01, 0x02})

	// Maximum parameters
	buf.Write([]byte{0x30, 0x1C})
	buf.Write([]byte{0x02, 0x02, 0xFF, 0xFF})
	buf.Write([]byte{0x02, 0x02, 0xFC, 0x17})
	buf.Write([]byte{0x02, 0x02, 0xFF, 0xFF})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x01, 0x00})
	buf.Write([]byte{0x02, 0x01, 0x01})
	buf.Write([]byte{0x02, 0x02, 0xFF, 0xFF})
	buf.Write([]byte{0x02, 0x01, 0x02})

	userData := buildRDPUserData(params)
	buf.WriteByte(0x04)
	berEncodeLength(buf, len(userData))
	buf.Write(userData)
	data := buf.Bytes()
	totalLength := len(data) - 5
	data[lengthPos+1] = byte(totalLength >> 8)
	data[lengthPos+2] = byte(totalLength & 0xFF)
	return data, nil
}

// buildRDPUserData builds the User Data field of the MCS Connect-Initial PDU.
// References: [MS-RDPBCGR] 2.2.1.3, 2.2.1.4
func buildRDPUserData(params ConnectParams) []byte {
	// 1. Client Core Data (TS_UD_CS_CORE)
	csCore := buildCSCore(params)

	// 2. Client Security Data (TS_UD_CS_SEC)
	csSecurity := buildCSSecurity(params.NegotiatedProtocol)

	// 3. Client Network Data (TS_UD_CS_NET) with the requested channels
	// [MS-RDPBCGR] 2.2.1.3.4
	csNet := buildCSNet(params.ChannelNames)

	userDataBytes := new(bytes.Buffer)
	userDataBytes.Write(csCore)
	userDataBytes.Write(csSecurity)
	userDataBytes.Write(csNet)

	// OID 0.0.20.124.0.1 encoded: 0x00 0x14 0x7C 0x00 0x01
	h224OID := []byte{0x00, 0x14, 0x7C, 0x00, 0x01}

	// ConnectData ::= SEQUENCE { t124Identifier Key, connectPDU OCTET STRING }
	connectDataContent := new(bytes.Buffer)
	connectDataContent.WriteByte(0x00)
	connectDataContent.WriteByte(0x05)
	connectDataContent.Write(h224OID)

	connectDataContent.WriteByte(0x04)
	berEncodeLength(connectDataContent, userDataBytes.Len())
	connectDataContent.Write(userDataBytes.Bytes())

	connectData := new(bytes.Buffer)
	connectData.WriteByte(0x30) // SEQUENCE
	berEncodeLength(connectData, connectDataContent.Len())
	connectData.Write(connectDataContent.Bytes())

	// GCCUserData ::= SEQUENCE { key GCCObject, value [0] IMPLICIT OCTET STRING OPTIONAL }
	gccUserDataContent := new(bytes.Buffer)
	gccUserDataContent.WriteByte(0x00)
	gccUserDataContent.WriteByte(0x05)
	gccUserDataContent.Write(h224OID)

	gccUserDataContent.WriteByte(0x04)
	berEncodeLength(gccUserDataContent, connectData.Len())
	gccUserDataContent.Write(connectData.Bytes())

	gccUserData := new(bytes.Buffer)
	gccUserData.WriteByte(0x30) // SEQUENCE
	berEncodeLength(gccUserData, gccUserDataContent.Len())
	gccUserData.Write(gccUserDataContent.Bytes())

	// userData [3] IMPLICIT SET OF GCCUserData
	userDataSet := new(bytes.Buffer)
	userDataSet.WriteByte(0xA3)
	berEncodeLength(userDataSet, gccUserData.Len())
	userDataSet.Write(gccUserData.Bytes())

	// ConferenceCreateRequest (SEQUENCE)
	confCreateReq := new(bytes.Buffer)
	confCreateReq.WriteByte(0x30)
	berEncodeLength(confCreateReq, userDataSet.Len())
	confCreateReq.Write(userDataSet.Bytes())

	return confCreateReq.Bytes()
}

func buildCSCore(params ConnectParams) []byte {
	body := new(bytes.Buffer)

	// clientName (32 bytes): UTF-16LE, truncated to 15 chars + NUL
	// [MS-RDPBCGR] 2.2.1.3.2
	clientName := params.ClientName
	if clientName == "" {
		clientName = "agent-rdp"
	}
	nameBytes := make([]byte, 32)
	for i := 0; i < len(clientName) && i < 15; i++ {
		nameBytes[i*2] = clientName[i]
		nameBytes[i*2+1] = 0
	}
	body.Write(nameBytes)

	binary.Write(body, binary.LittleEndian, uint32(0x04)) // keyboardType: IBM enhanced
	binary.Write(body, binary.LittleEndian, uint32(0))    // keyboardSubType
	binary.Write(body, binary.LittleEndian, uint32(12))   // keyboardFunctionKey

	// imeFileName (64 bytes)
	body.Write(make([]byte, 64))

	binary.Write(body, binary.LittleEndian, uint16(0xCA03)) // postBeta2ColorDepth (16bpp 565)
	binary.Write(body, binary.LittleEndian, uint16(1))      // clientProductId
	binary.Write(body, binary.LittleEndian, uint32(0))      // serialNumber
	binary.Write(body, binary.LittleEndian, uint16(0x0010)) // highColorDepth (16bpp)
	binary.Write(body, binary.LittleEndian, uint16(0x0002)) // supportedColorDepths (16bpp)
	binary.Write(body, binary.LittleEndian, uint16(0x0001)) // earlyCapabilityFlags (ERRINFO)

	// clientDigProductId (64 bytes)
	body.Write(make([]byte, 64))

	body.WriteByte(0) // connectionType
	body.WriteByte(0) // pad1Octet

	binary.Write(body, binary.LittleEndian, params.NegotiatedProtocol) // serverSelectedProtocol

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(0xC001)) // TS_UD_CS_CORE
	// Header(8) + pre-body fields(16) + body
	totalLength := 8 + 16 + body.Len()
	binary.Write(buf, binary.LittleEndian, uint16(totalLength))
	binary.Write(buf, binary.LittleEndian, uint32(0x00080001)) // version

	binary.Write(buf, binary.LittleEndian, params.DesktopWidth)
	binary.Write(buf, binary.LittleEndian, params.DesktopHeight)
	binary.Write(buf, binary.LittleEndian, uint16(0xCA03)) // colorDepth (16bpp)
	binary.Write(buf, binary.LittleEndian, uint16(0xAA03)) // SASSequence (RNS_UD_SAS_DEL)
	binary.Write(buf, binary.LittleEndian, uint32(0x0409)) // keyboardLayout (US English)
	binary.Write(buf, binary.LittleEndian, uint32(7601))   // clientBuild

	buf.Write(body.Bytes())

	return buf.Bytes()
}

func buildCSSecurity(negotiatedProtocol uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(0x02C0))
	binary.Write(buf, binary.LittleEndian, uint16(12))

	// [MS-RDPBCGR] 5.4.1: If TLS is selected, EncryptionMethod MUST be 0.
	if negotiatedProtocol > 0 {
		binary.Write(buf, binary.LittleEndian, uint32(ENCRYPTION_METHOD_NONE))
	} else {
		binary.Write(buf, binary.LittleEndian, uint32(
			ENCRYPTION_METHOD_NONE|ENCRYPTION_METHOD_40BIT|ENCRYPTION_METHOD_56BIT|ENCRYPTION_METHOD_128BIT|ENCRYPTION_METHOD_FIPS))
	}
	binary.Write(buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}

// buildCSNet encodes TS_UD_CS_NET with one CHANNEL_DEF per requested
// virtual channel. Names longer than 7 bytes are truncated (the field is
// 8 bytes including the NUL).
func buildCSNet(channelNames []string) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint16(0x03C0))
	binary.Write(buf, binary.LittleEndian, uint16(8+12*len(channelNames)))
	binary.Write(buf, binary.LittleEndian, uint32(len(channelNames)))
	for _, name := range channelNames {
		def := make([]byte, 8)
		copy(def, name)
		def[7] = 0
		buf.Write(def)
		binary.Write(buf, binary.LittleEndian, uint32(CHANNEL_OPTION_INITIALIZED|CHANNEL_OPTION_ENCRYPT_RDP))
	}
	return buf.Bytes()
}

func buildMCSErectDomainRequest() []byte {
	return []byte{0x04, 0x04, 0x00, 0x00, 0x00, 0x00}
}

func buildMCSAttachUserRequest() []byte {
	return []byte{0x28}
}

func buildMCSChannelJoinRequest(userID, channelID uint16) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(0x38)
	offset := userID - 1001
	binary.Write(buf, binary.BigEndian, uint16(offset))
	binary.Write(buf, binary.BigEndian, channelID)

	return buf.Bytes()
}

func buildMCSSendDataRequest(userID, channelID uint16, data []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(0x64)
	binary.Write(buf, binary.BigEndian, userID)
	binary.Write(buf, binary.BigEndian, channelID)
	buf.WriteByte(0x70)
	dataLen := len(data)
	if dataLen < 128 {
		buf.WriteByte(byte(dataLen))
	} else if dataLen < 16384 {
		buf.WriteByte(0x80 | byte(dataLen>>8))
		buf.WriteByte(byte(dataLen))
	} else {
		buf.WriteByte(0x81)
		binary.Write(buf, binary.BigEndian, uint16(dataLen))
	}
	buf.Write(data)

	return buf.Bytes()
}

// mcsDataIndication is one decoded MCS Send-Data-Indication.
type mcsDataIndication struct {
	Initiator uint16
	ChannelID uint16
	Data      []byte
}

// parseMCSSendDataIndication decodes an inbound Send-Data-Indication
// (T.125 PER, choice 26). Returns nil for other MCS PDUs.
func parseMCSSendDataIndication(data []byte) (*mcsDataIndication, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty MCS PDU")
	}
	if data[0]>>2 != MCS_SEND_DATA_INDICATION {
		return nil, nil
	}
	if len(data) < 7 {
		return nil, fmt.Errorf("MCS send data indication too short: %d bytes", len(data))
	}

	ind := &mcsDataIndication{
		Initiator: binary.BigEndian.Uint16(data[1:3]) + 1001,
		ChannelID: binary.BigEndian.Uint16(data[3:5]),
	}

	// data[5] is dataPriority + segmentation; the payload follows a PER
	// length determinant.
	pos := 6
	length := int(data[pos])
	pos++
	if length&0x80 != 0 {
		if length&0xC0 == 0x80 {
			if pos >= len(data) {
				return nil, fmt.Errorf("truncated PER length")
			}
			length = (length&0x3F)<<8 | int(data[pos])
			pos++
		} else {
			return nil, fmt.Errorf("unsupported PER length form 0x%02X", length)
		}
	}
	if pos+length > len(data) {
		// Tolerate a short determinant; take what is there
		length = len(data) - pos
	}
	ind.Data = data[pos : pos+length]
	return ind, nil
}

// isMCSDisconnectProviderUltimatum reports whether the PDU is a server
// disconnect notice.
func isMCSDisconnectProviderUltimatum(data []byte) bool {
	return len(data) > 0 && data[0]>>2 == 0x08
}

// MCSConnectResponse carries what the daemon needs from the server's
// Connect-Response: security data and the joined channel id table.
type MCSConnectResponse struct {
	Security   *SecurityData
	IOChannel  uint16
	ChannelIDs []uint16 // in the order channels were requested
}

func parseMCSConnectResponse(data []byte) (*MCSConnectResponse, error) {
	if len(data) < 2 || data[0] != 0x7f || data[1] != 0x66 {
		return nil, fmt.Errorf("invalid MCS Connect Response tag")
	}
	r := bytes.NewReader(data[2:])
	length, err := readBERLength(r)
	if err != nil {
		return nil, err
	}
	if r.Len() < length {
		return nil, fmt.Errorf("length mismatch in MCS connect response")
	}
	return parseGCCConferenceCreateResponse(data[len(data)-length:])
}

func parseGCCConferenceCreateResponse(data []byte) (*MCSConnectResponse, error) {
	offset := -1
	for i := 0; i < len(data)-4; i++ {
		if binary.LittleEndian.Uint16(data[i:]) == 0x0C01 {
			offset = i
			break
		}
	}
	if offset == -1 {
		return nil, fmt.Errorf("could not find server core data block in GCC response")
	}

	r := bytes.NewReader(data[offset:])
	resp := &MCSConnectResponse{
		Security:  &SecurityData{},
		IOChannel: MCS_CHANNEL_GLOBAL,
	}

	for r.Len() >= 4 {
		var headerType, length uint16
		binary.Read(r, binary.LittleEndian, &headerType)
		binary.Read(r, binary.LittleEndian, &length)

		if length < 4 || r.Len() < int(length-4) {
			break
		}

		blockData := make([]byte, length-4)
		r.Read(blockData)

		switch headerType {
		case 0x0C02: // TS_UD_SC_SEC1
			if len(blockData) >= 8 {
				resp.Security.EncryptionMethod = binary.LittleEndian.Uint32(blockData[0:])
				resp.Security.EncryptionLevel = binary.LittleEndian.Uint32(blockData[4:])

				if len(blockData) > 8 {
					serverRandomLen := binary.LittleEndian.Uint32(blockData[8:])
					serverCertLen := binary.LittleEndian.Uint32(blockData[12:])
					if serverCertLen > 0 && 16+serverRandomLen+serverCertLen <= uint32(len(blockData)) {
						certData := blockData[16+serverRandomLen:]
						key, err := parseServerCertificate(certData)
						if err == nil {
							resp.Security.ServerPublicKey = key
						}
					}
					if serverRandomLen > 0 && 16+serverRandomLen <= uint32(len(blockData)) {
						resp.Security.ServerRandom = blockData[16 : 16+serverRandomLen]
					}
				}
			}
		case 0x0C03: // TS_UD_SC_NET
			if len(blockData) >= 4 {
				resp.IOChannel = binary.LittleEndian.Uint16(blockData[0:])
				count := int(binary.LittleEndian.Uint16(blockData[2:]))
				for i := 0; i < count && 4+i*2+2 <= len(blockData); i++ {
					resp.ChannelIDs = append(resp.ChannelIDs,
						binary.LittleEndian.Uint16(blockData[4+i*2:]))
				}
			}
		}
	}
	return resp, nil
}

func parseServerCertificate(data []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(data)
	if err == nil {
		if rsaKey, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("certificate public key is not RSA")
	}

	rsaKey, err := parseProprietaryServerCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse both X.509 and proprietary certificates: %w", err)
	}
	return rsaKey, nil
}

func parseProprietaryServerCertificate(data []byte) (*rsa.PublicKey, error) {
	r := bytes.NewReader(data)
	var magic, keylen, bitlen, datalen, pubExp uint32

	offset := -1
	for i := 0; i < r.Len()-4; i++ {
		if binary.LittleEndian.Uint32(data[i:]) == 0x31415352 {
			offset = i
			break
		}
	}
	if offset == -1 {
		return nil, fmt.Errorf("could not find RSA1 magic in proprietary certificate")
	}
	r.Seek(int64(offset), io.SeekStart)

	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &keylen)
	binary.Read(r, binary.LittleEndian, &bitlen)
	binary.Read(r, binary.LittleEndian, &datalen)
	binary.Read(r, binary.LittleEndian, &pubExp)

	if r.Len() < int(datalen) {
		return nil, fmt.Errorf("not enough data for modulus")
	}
	modulusBytes := make([]byte, datalen)
	if _, err := io.ReadFull(r, modulusBytes); err != nil {
		return nil, err
	}

	for i, j := 0, len(modulusBytes)-1; i < j; i, j = i+1, j-1 {
		modulusBytes[i], modulusBytes[j] = modulusBytes[j], modulusBytes[i]
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: int(pubExp),
	}, nil
}

func readBERLength(r *bytes.Reader) (int, error) {
	lenByte, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if lenByte&0x80 == 0 {
		return int(lenByte), nil
	}
	lenBytes := int(lenByte & 0x7F)
	if lenBytes > r.Len() || lenBytes > 2 {
		return 0, fmt.Errorf("invalid BER length")
	}
	buf := make([]byte, lenBytes)
	r.Read(buf)
	if lenBytes == 1 {
		return int(buf[0]), nil
	}
	return int(binary.BigEndian.Uint16(buf)), nil
}

func parseMCSAttachUserConfirm(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("MCS Attach User Confirm PDU too short")
	}

	tag := data[0] >> 2
	if tag == 0x0B {

		result := data[0] & 0x03
		if result != 0 {
			return 0, fmt.Errorf("attach user failed with result 0x%x", result)
		}

		if len(data) < 3 {
			return 0, fmt.Errorf("MCS Attach User Confirm PDU too short for user ID")
		}

		if data[1]&0x80 != 0 {

			userID := uint16(data[1]&0x7F) << 8
			if len(data) >= 3 {
				userID |= uint16(data[2])
			}
			return userID, nil
		} else {

			return uint16(data[1]), nil
		}
	}

	if data[0] == 0x21 && len(data) >= 2 {
		if data[1] == 0x80 {
			return 1002, nil
		}

		userID := uint16(data[1])
		if userID < 1001 {
			userID += 1001
		}
		return userID, nil
	}

	return 0, fmt.Errorf("unknown MCS Attach User Confirm PDU format: %x", data)
}

func parseMCSChannelJoinConfirm(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("channel join confirm PDU too short")
	}

	tag := data[0] >> 2

	if tag == 0x0F {

		result := data[0] & 0x03
		if result != 0 {
			return fmt.Errorf("channel join failed with result 0x%x", result)
		}
		return nil
	}

	if data[0] == 0x3E {
		return nil
	}

	if data[0] == 0x3C {
		return nil
	}

	if data[0] != 0 {

		if (data[0] & 0xFC) == 0x3C {

			result := data[0] & 0x03
			if result != 0 {
				return fmt.Errorf("channel join failed with result 0x%x", result)
			}
			return nil
		}
		return fmt.Errorf("channel join failed with unknown format: 0x%x", data[0])
	}

	return nil
}
