// Package ipmitransport implements a hiomap.Transport over IPMI 2.0 /
// RMCP+ sessions: channel authentication capability discovery, Open
// Session, RAKP 1-4, Set Session Privilege, and an authenticated OEM
// command/response exchange (netfn 0x3A, cmd 0x5A) carrying the HIOMAP
// payload.
package ipmitransport

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
)

const (
	rmcpVersion   = 0x06
	rmcpSequence  = 0xFF // no RMCP ACK requested
	rmcpClassIPMI = 0x07

	ipmiAuthNone  = 0x00
	ipmiAuthRMCPP = 0x06

	payloadIPMI     = 0x00
	payloadOpenReq  = 0x10
	payloadOpenResp = 0x11
	payloadRAKP1    = 0x12
	payloadRAKP2    = 0x13
	payloadRAKP3    = 0x14
	payloadRAKP4    = 0x15

	authRakpNone       = 0x00
	authRakpHmacSHA1   = 0x01
	authRakpHmacMD5    = 0x02
	authRakpHmacSHA256 = 0x03

	integrityNone       = 0x00
	integrityHmacSHA1   = 0x01
	integrityMD5        = 0x03
	integrityHmacSHA256 = 0x04

	cryptoNone   = 0x00
	cryptoAesCBC = 0x01

	// payloadOEMEvent is an OEM-explicit payload type (the 0x20-0x27
	// range IPMI reserves for vendor use) this transport uses to carry
	// unsolicited BMC status bitmap notifications, distinct from the
	// netfn 0x3A/cmd 0x5A command/response traffic.
	payloadOEMEvent = 0x20

	// encryptedBit/authenticatedBit are the top two bits of the
	// PayloadType field in the IPMI 2.0 session header.
	encryptedBit     = 0x80
	authenticatedBit = 0x40

	netFnApp = 0x06
	// netFnOEM and cmdOEM are the HIOMAP OEM command/response address;
	// local copies of hiomap.NetFnOEM/hiomap.CmdOEM, with the same values.
	netFnOEM = 0x3A
	cmdOEM   = 0x5A

	cmdGetChannelAuthCaps = 0x38
	cmdActivateSession    = 0x3A
	cmdSetSessionPriv     = 0x3B
	cmdCloseSession       = 0x3C

	privAdmin = 0x04

	// rakpChildKeyConst1/2 are the fixed 20-byte constant blocks the
	// RAKP spec uses to derive K1 (integrity) and K2 (confidentiality)
	// from the session integrity key — everywhere 0x01 for K1, 0x02 for
	// K2.
	rakpChildKeyConst1 = 0x01
	rakpChildKeyConst2 = 0x02
)

// rmcpHeader is the 4-byte RMCP framing that precedes every IPMI 1.5 or
// 2.0 session packet.
type rmcpHeader struct {
	Version  uint8
	Reserved uint8
	Sequence uint8
	Class    uint8
}

// packPacket writes an RMCP header, a sequence of little-endian session
// header fields, and a payload into one buffer via binary.Write, so the
// IPMI 1.5 and IPMI 2.0 header shapes (which differ in field count and
// width) share one assembly path instead of each hand-indexing its own
// byte slice.
func packPacket(rmcp rmcpHeader, fields []interface{}, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(rmcp.Version)
	buf.WriteByte(rmcp.Reserved)
	buf.WriteByte(rmcp.Sequence)
	buf.WriteByte(rmcp.Class)
	for _, f := range fields {
		binary.Write(buf, binary.LittleEndian, f)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func buildIPMI15Packet(sessionID, sequence uint32, payload []byte) []byte {
	rmcp := rmcpHeader{Version: rmcpVersion, Sequence: rmcpSequence, Class: rmcpClassIPMI}
	return packPacket(rmcp, []interface{}{
		uint8(ipmiAuthNone), sequence, sessionID, uint8(len(payload)),
	}, payload)
}

func buildRMCPPacket(authType, payloadType uint8, sessionID, sequence uint32, payload []byte) []byte {
	rmcp := rmcpHeader{Version: rmcpVersion, Sequence: rmcpSequence, Class: rmcpClassIPMI}
	return packPacket(rmcp, []interface{}{
		authType, payloadType, sessionID, sequence, uint16(len(payload)),
	}, payload)
}

// ipmiChecksum computes the IPMI 2's-complement checksum used twice per
// message: once over the connection header, once over the rest of the
// message body.
func ipmiChecksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum -= v
	}
	return sum
}

// buildIPMIMessage builds an IPMI message payload with both checksums.
func buildIPMIMessage(rsAddr, netFn, rsLUN, rqAddr, rqSeq, rqLUN, cmd uint8, data []byte) []byte {
	head := []byte{rsAddr, (netFn << 2) | rsLUN}
	msg := make([]byte, 0, 7+len(data))
	msg = append(msg, head...)
	msg = append(msg, ipmiChecksum(head))
	msg = append(msg, rqAddr, (rqSeq<<2)|rqLUN, cmd)
	msg = append(msg, data...)
	msg = append(msg, ipmiChecksum(msg[3:]))
	return msg
}

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

func hmacHash(alg uint8, key, data []byte) []byte {
	var h func() hash.Hash
	switch alg {
	case authRakpHmacSHA256:
		h = sha256.New
	default:
		h = sha1.New
	}
	mac := hmac.New(h, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// generateSIK derives the session integrity key from the console and
// BMC random numbers exchanged in RAKP1/RAKP2, the requested privilege
// role, and the username, per the RAKP key-exchange spec.
func generateSIK(authAlg uint8, kg, rmRand, mcRand []byte, rolePriv uint8, username string) []byte {
	data := make([]byte, 0, 32+32+2+len(username))
	data = append(data, rmRand...)
	data = append(data, mcRand...)
	data = append(data, rolePriv)
	data = append(data, uint8(len(username)))
	data = append(data, []byte(username)...)
	return hmacHash(authAlg, kg, data)
}

// generateChildKey derives K1 (integrity, const=0x01) or K2
// (confidentiality, const=0x02) from the session integrity key: HMAC of
// 20 repetitions of the single constant byte, keyed on sik. K1 and K2
// differ only in that constant, so one function derives both rather
// than repeating the 20-byte fill twice.
func generateChildKey(authAlg uint8, sik []byte, constByte uint8) []byte {
	block := make([]byte, 20)
	for i := range block {
		block[i] = constByte
	}
	return hmacHash(authAlg, sik, block)
}

// parseIPMIResponse extracts the completion code and response data from
// an IPMI response message ([rsAddr, netFn/LUN, chk1, rqAddr, rqSeq/LUN,
// cmd, cc, data..., chk2]), i.e. the bytes right after the session
// header. The completion code sits at a fixed offset; HIOMAP response
// args of varying length follow it, so it cannot be found by counting
// from the end of the message.
func parseIPMIResponse(data []byte) (completionCode uint8, responseData []byte, err error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	completionCode = data[6]
	responseData = data[7 : len(data)-1]
	return completionCode, responseData, nil
}
