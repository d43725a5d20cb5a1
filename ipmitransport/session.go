package ipmitransport

import (
	"encoding/binary"
	"fmt"
	"time"
)

// handshakeRetries bounds how many times a single RMCP+ handshake step
// is retried before Dial gives up on it. Unlike Manager's long-lived
// reconnect loop (hiomap/manager.go's runTarget, unbounded with a
// growing backoff) a handshake step is a single synchronous UDP
// round-trip during Dial: a bounded retry count with a short fixed
// delay is the right shape here, not an open-ended backoff a caller
// would have to context-cancel out of.
const handshakeRetries = 3

const handshakeRetryDelay = 200 * time.Millisecond

// runHandshakeStep calls fn up to handshakeRetries times, logging each
// failure and returning the last error if none succeed. BMCs regularly
// drop the first UDP datagram of a fresh session (no listener state to
// reply against yet), so a bare single-shot send/receive sees spurious
// failures a short retry absorbs.
func (c *Client) runHandshakeStep(name string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= handshakeRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		c.logf("ipmitransport: %s attempt %d/%d failed: %v", name, attempt, handshakeRetries, err)
		if attempt < handshakeRetries {
			time.Sleep(handshakeRetryDelay)
		}
	}
	return err
}

// getChannelAuthCaps is step 1 of session establishment: confirm the
// BMC supports RMCP+ (IPMI 2.0) on the current channel.
func (c *Client) getChannelAuthCaps() error {
	return c.runHandshakeStep("get channel auth caps", func() error {
		data := []byte{0x8E, privAdmin} // current channel, request IPMI v2.0 extended data
		msg := buildIPMIMessage(0x20, netFnApp, 0, 0x81, 0, 0, cmdGetChannelAuthCaps, data)
		packet := buildIPMI15Packet(0, 0, msg)

		resp, err := c.sendRecvHandshake(packet, 5*time.Second)
		if err != nil {
			return err
		}
		if len(resp) < 20 {
			return fmt.Errorf("auth caps response too short: %d bytes", len(resp))
		}
		return nil
	})
}

// algPayloadBlock builds one of Open Session Request's three 8-byte
// algorithm-selection blocks: payload type tag, 2 reserved bytes, a
// fixed length of 8, the chosen algorithm ID, and 3 reserved bytes.
// openSession builds three of these (auth, integrity, confidentiality)
// that differ only in tag and algorithm ID.
func algPayloadBlock(payloadTypeTag, algID uint8) []byte {
	b := make([]byte, 8)
	b[0] = payloadTypeTag
	b[3] = 0x08
	b[4] = algID
	return b
}

// openSession is step 2: RMCP+ Open Session Request/Response.
func (c *Client) openSession() error {
	randBytes, err := generateRandomBytes(4)
	if err != nil {
		return err
	}
	c.sessionID = binary.LittleEndian.Uint32(randBytes)

	payload := make([]byte, 8)
	payload[1] = privAdmin
	binary.LittleEndian.PutUint32(payload[4:8], c.sessionID)
	payload = append(payload, algPayloadBlock(0x00, authRakpHmacSHA1)...)
	payload = append(payload, algPayloadBlock(0x01, integrityNone)...)
	payload = append(payload, algPayloadBlock(0x02, cryptoNone)...)

	return c.runHandshakeStep("open session", func() error {
		packet := buildRMCPPacket(ipmiAuthRMCPP, payloadOpenReq, 0, 0, payload)
		resp, err := c.sendRecvHandshake(packet, 5*time.Second)
		if err != nil {
			return err
		}
		if len(resp) < 36 {
			return fmt.Errorf("open session response too short: %d", len(resp))
		}
		respData := resp[16:]
		if len(respData) < 20 {
			return fmt.Errorf("open session response data too short")
		}
		if status := respData[1]; status != 0 {
			return fmt.Errorf("open session failed with status: 0x%02X", status)
		}

		c.remoteSessionID = binary.LittleEndian.Uint32(respData[8:12])
		c.authAlg = respData[16]
		c.integrityAlg = respData[24]
		c.cryptoAlg = respData[32]
		return nil
	})
}

// rakpHandshake is step 3: RAKP Message 1-4 authentication, deriving
// the session integrity key (SIK) and its K1/K2 children. Retried as a
// whole rather than per-message: a RAKP2/4 failure partway through
// means the BMC has already bound state to the console random number
// sent in RAKP1, so a clean restart from RAKP1 is safer than resuming
// mid-exchange.
func (c *Client) rakpHandshake() error {
	return c.runHandshakeStep("RAKP handshake", func() error {
		rmRand, err := generateRandomBytes(16)
		if err != nil {
			return err
		}

		rakp1 := make([]byte, 28+len(c.username))
		binary.LittleEndian.PutUint32(rakp1[4:8], c.remoteSessionID)
		copy(rakp1[8:24], rmRand)
		rakp1[24] = privAdmin
		rakp1[27] = uint8(len(c.username))
		copy(rakp1[28:], []byte(c.username))

		packet := buildRMCPPacket(ipmiAuthRMCPP, payloadRAKP1, 0, 0, rakp1)
		resp, err := c.sendRecvHandshake(packet, 5*time.Second)
		if err != nil {
			return fmt.Errorf("RAKP1 failed: %w", err)
		}
		if len(resp) < 40 {
			return fmt.Errorf("RAKP2 response too short")
		}
		respData := resp[16:]
		if respData[1] != 0 {
			return fmt.Errorf("RAKP2 status error: 0x%02X", respData[1])
		}
		mcRand := respData[8:24]

		kg := make([]byte, 20)
		copy(kg, []byte(c.password))

		c.sik = generateSIK(c.authAlg, kg, rmRand, mcRand, privAdmin, c.username)
		c.k1 = generateChildKey(c.authAlg, c.sik, rakpChildKeyConst1)
		c.k2 = generateChildKey(c.authAlg, c.sik, rakpChildKeyConst2)

		authData := make([]byte, 22+len(c.username))
		copy(authData[0:16], mcRand)
		binary.LittleEndian.PutUint32(authData[16:20], c.sessionID)
		authData[20] = privAdmin
		authData[21] = uint8(len(c.username))
		copy(authData[22:], []byte(c.username))
		authCode := hmacHash(c.authAlg, kg, authData)

		rakp3 := make([]byte, 8+len(authCode))
		binary.LittleEndian.PutUint32(rakp3[4:8], c.remoteSessionID)
		copy(rakp3[8:], authCode)

		packet = buildRMCPPacket(ipmiAuthRMCPP, payloadRAKP3, 0, 0, rakp3)
		resp, err = c.sendRecvHandshake(packet, 5*time.Second)
		if err != nil {
			return fmt.Errorf("RAKP3 failed: %w", err)
		}
		if len(resp) < 24 {
			return fmt.Errorf("RAKP4 response too short")
		}
		respData = resp[16:]
		if respData[1] != 0 {
			return fmt.Errorf("RAKP4 status error: 0x%02X", respData[1])
		}
		return nil
	})
}

// setSessionPrivilege is step 4: elevate to Administrator, required
// before the BMC will accept the HIOMAP OEM command set.
func (c *Client) setSessionPrivilege() error {
	return c.runHandshakeStep("set session privilege", func() error {
		data := []byte{privAdmin}
		msg := buildIPMIMessage(0x20, netFnApp, 0, 0x81, 0, 0, cmdSetSessionPriv, data)
		packet, err := c.buildAuthenticatedPacket(payloadIPMI, msg)
		if err != nil {
			return err
		}
		resp, err := c.sendRecvHandshake(packet, 5*time.Second)
		if err != nil {
			return err
		}
		if len(resp) < 23 {
			return fmt.Errorf("set privilege response too short: %d", len(resp))
		}
		if cc := resp[22]; cc != 0x00 {
			return fmt.Errorf("set privilege failed: completion code 0x%02X", cc)
		}
		return nil
	})
}

// closeSession tears down the RMCP+ session, best-effort: a single
// attempt, no retry, since the socket is going away regardless of
// whether the BMC acknowledges.
func (c *Client) closeSession() error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, c.remoteSessionID)
	msg := buildIPMIMessage(0x20, netFnApp, 0, 0x81, 0, 0, cmdCloseSession, data)
	packet, err := c.buildAuthenticatedPacket(payloadIPMI, msg)
	if err != nil {
		return err
	}
	_, err = c.sendRecvHandshake(packet, 2*time.Second)
	return err
}

// buildAuthenticatedPacket wraps payload in the negotiated confidentiality
// and integrity algorithms, incrementing the session sequence number.
// Used for every post-handshake packet, including every HIOMAP OEM
// Command from Client.Command, not just the handshake's own
// set-privilege and close-session messages.
func (c *Client) buildAuthenticatedPacket(payloadType uint8, payload []byte) ([]byte, error) {
	c.sessionSeq++

	if c.cryptoAlg == cryptoAesCBC && len(c.k2) >= 16 {
		enc, err := encryptPayload(c.k2, payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		payload = enc
		payloadType |= encryptedBit
	}

	if c.integrityAlg == integrityNone {
		return buildRMCPPacket(ipmiAuthRMCPP, payloadType, c.remoteSessionID, c.sessionSeq, payload), nil
	}

	packet := buildRMCPPacket(ipmiAuthRMCPP, payloadType|authenticatedBit, c.remoteSessionID, c.sessionSeq, payload)
	padLen := (4 - (len(payload) % 4)) % 4
	for i := 0; i < padLen; i++ {
		packet = append(packet, 0xFF)
	}
	packet = append(packet, uint8(padLen))
	packet = append(packet, 0x07) // next header, always 0x07

	authCode := hmacHash(c.integrityAlg, c.k1, packet[4:])
	packet = append(packet, authCode[:12]...)
	return packet, nil
}

// sendRecvHandshake sends a packet and reads the next datagram directly
// off the socket. Used during Dial, before readLoop starts
// demultiplexing the socket, and by closeSession from Close, where
// readLoop may still be running and can take the reply first.
func (c *Client) sendRecvHandshake(packet []byte, timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(packet); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}
	buf := make([]byte, 2048)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return buf[:n], nil
}
