package ipmitransport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"hiomapd/hiomap"
)

// Config holds the parameters needed to dial a BMC's RMCP+ endpoint.
type Config struct {
	Host     string
	Port     int // default 623
	Username string
	Password string
	Timeout  time.Duration // default 10s, used only as the UDP dial timeout; each handshake step has its own fixed deadline
	Logf     func(format string, args ...interface{})
}

// Client is a hiomap.Transport over IPMI 2.0/RMCP+: one UDP session,
// one background reader demultiplexing HIOMAP command responses from
// unsolicited BMC status events.
type Client struct {
	conn     net.Conn
	username string
	password string
	logf     func(format string, args ...interface{})

	sessionID       uint32
	remoteSessionID uint32
	sessionSeq      uint32
	authAlg         uint8
	integrityAlg    uint8
	cryptoAlg       uint8
	sik, k1, k2     []byte

	ipmiSeq uint8

	cmdMu   sync.Mutex // serializes Command; the IPMI request-sequence byte is not itself concurrency-safe
	respCh  chan []byte
	events  chan hiomap.Event
	doneCh  chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// Dial connects to cfg.Host and runs the full RMCP+ session
// establishment: Get Channel Authentication Capabilities, Open Session,
// RAKP 1-4, Set Session Privilege to Administrator.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = 623
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		conn:     conn,
		username: cfg.Username,
		password: cfg.Password,
		logf:     logf,
		respCh:   make(chan []byte, 1),
		events:   make(chan hiomap.Event, 16),
		doneCh:   make(chan struct{}),
	}

	if err := c.getChannelAuthCaps(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("get auth caps: %w", err)
	}
	if err := c.openSession(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := c.rakpHandshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("RAKP handshake: %w", err)
	}
	if err := c.setSessionPrivilege(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set privilege: %w", err)
	}

	c.logf("ipmitransport: session established sessionID=0x%08x remoteSessionID=0x%08x auth=%d integrity=%d crypto=%d",
		c.sessionID, c.remoteSessionID, c.authAlg, c.integrityAlg, c.cryptoAlg)

	go c.readLoop()
	return c, nil
}

// Events implements hiomap.EventSink.
func (c *Client) Events() <-chan hiomap.Event {
	return c.events
}

// Command implements hiomap.Transport. It serializes on cmdMu so this
// Client is safe even if called outside of Device's own session lock.
func (c *Client) Command(ctx context.Context, cmd hiomap.Command, seq uint8, args []byte) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	hiomapPayload := make([]byte, 2+len(args))
	hiomapPayload[0] = uint8(cmd)
	hiomapPayload[1] = seq
	copy(hiomapPayload[2:], args)

	msg := buildIPMIMessage(0x20, netFnOEM, 0, 0x81, c.ipmiSeq, 0, cmdOEM, hiomapPayload)
	c.ipmiSeq++

	packet, err := c.buildAuthenticatedPacket(payloadIPMI, msg)
	if err != nil {
		return nil, &hiomap.TransportError{Op: "command", Err: err}
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, &hiomap.TransportError{Op: "command", Err: err}
	}
	if _, err := c.conn.Write(packet); err != nil {
		return nil, &hiomap.TransportError{Op: "command", Err: err}
	}

	select {
	case pkt := <-c.respCh:
		return c.parseCommandResponse(pkt, cmd, seq)
	case <-ctx.Done():
		return nil, &hiomap.TransportError{Op: "command", Err: ctx.Err()}
	case <-c.doneCh:
		return nil, &hiomap.TransportError{Op: "command", Err: fmt.Errorf("transport closed")}
	}
}

func (c *Client) parseCommandResponse(pkt []byte, cmd hiomap.Command, seq uint8) ([]byte, error) {
	if len(pkt) < 16 {
		return nil, &hiomap.TransportError{Op: "command", Err: fmt.Errorf("short response packet: %d bytes", len(pkt))}
	}
	ptype := pkt[5]
	body := pkt[16:]
	if ptype&encryptedBit != 0 {
		dec, err := decryptPayload(c.k2, body)
		if err != nil {
			return nil, &hiomap.TransportError{Op: "command", Err: err}
		}
		body = dec
	}
	if ptype&authenticatedBit != 0 && len(body) >= 14 {
		body = body[:len(body)-14] // drop pad-length, next-header, and 12-byte auth code trailer
	}

	cc, data, err := parseIPMIResponse(body)
	if err != nil {
		return nil, &hiomap.TransportError{Op: "command", Err: err}
	}
	if cc != 0 {
		return nil, &hiomap.TransportError{Op: "command", Err: fmt.Errorf("completion code 0x%02x", cc)}
	}
	if len(data) < 2 {
		return nil, &hiomap.TransportError{Op: "command", Err: fmt.Errorf("hiomap response too short")}
	}
	if hiomap.Command(data[0]) != cmd || data[1] != seq {
		return nil, &hiomap.TransportError{Op: "command", Err: fmt.Errorf("echo mismatch: got cmd=0x%02x seq=%d want cmd=0x%02x seq=%d", data[0], data[1], uint8(cmd), seq)}
	}
	return data[2:], nil
}

// readLoop demultiplexes incoming datagrams: command responses go to
// respCh for whichever Command call is waiting; unsolicited platform
// event notifications go to events.
func (c *Client) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.doneCh:
			default:
				c.logf("ipmitransport: read error: %v", err)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if len(pkt) < 16 {
			continue
		}
		if pkt[5]&0x3F == payloadOEMEvent {
			if len(pkt) > 16 {
				select {
				case c.events <- hiomap.Event{Bits: pkt[16]}:
				default:
					c.logf("ipmitransport: event channel full, dropping notification")
				}
			}
			continue
		}
		select {
		case c.respCh <- pkt:
		case <-c.doneCh:
			return
		default:
			// A response arrived with no Command() waiting (should not
			// happen under the one-command-in-flight invariant); drop
			// it rather than block the reader.
			c.logf("ipmitransport: dropped unexpected response, no command pending")
		}
	}
}

// Close deactivates the RMCP+ session best-effort and closes the
// socket.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	close(c.doneCh)
	_ = c.closeSession()
	return c.conn.Close()
}
