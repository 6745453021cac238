// Package tunnel implements a KNXnet/IP tunneling client over UDP.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"knxlink/config"
	"knxlink/knxnet"
	"knxlink/logging"
)

const (
	logProto   = "KNX/Tunnel"
	logUDP     = "KNX/UDP"
	maxRetries = 1 // Tunneling requests are repeated once before giving up
	maxBeats   = 3 // Consecutive heartbeat failures before the tunnel is dropped
	recvBuffer = 1024
)

var (
	ErrNotConnected     = errors.New("tunnel: not connected")
	ErrAckTimeout       = errors.New("tunnel: no tunneling ack from gateway")
	ErrChannelMismatch  = errors.New("tunnel: channel id mismatch")
	ErrRejected         = errors.New("tunnel: request rejected by gateway")
	ErrAlreadyConnected = errors.New("tunnel: already connected")
)

// Telegram is a telegram received from the gateway.
type Telegram struct {
	ChannelID byte
	Sequence  byte
	Raw       []byte
	Time      time.Time
}

// Stats is a snapshot of tunnel counters.
type Stats struct {
	Connected         bool   `json:"connected"`
	ChannelID         byte   `json:"channel_id"`
	Sent              uint64 `json:"sent"`
	Received          uint64 `json:"received"`
	Duplicates        uint64 `json:"duplicates"`
	Retransmits       uint64 `json:"retransmits"`
	AckTimeouts       uint64 `json:"ack_timeouts"`
	Malformed         uint64 `json:"malformed"`
	HeartbeatFailures int    `json:"heartbeat_failures"`
}

type pendingAck struct {
	seq byte
	ch  chan *knxnet.TunnelingAck
}

// Client is a single tunnel connection to a KNXnet/IP gateway.
// Send calls are serialized; the tunnel allows one outstanding request.
type Client struct {
	cfg config.GatewayConfig

	mu        sync.Mutex
	conn      *net.UDPConn
	gwAddr    *net.UDPAddr
	control   knxnet.HPAI
	channelID byte
	connected bool
	outSeq    byte
	lastInSeq int // -1 until the first inbound request
	pending   *pendingAck
	stateCh   chan *knxnet.ConnectionStateResponse
	done      chan struct{}
	beatFails int

	sendMu sync.Mutex
	wg     sync.WaitGroup

	handlerMu sync.RWMutex
	onTele    func(Telegram)
	onSent    func(Telegram)
	onState   func(connected bool, reason string)

	sent, received, duplicates, retransmits, ackTimeouts, malformedCount atomic.Uint64
}

// New creates a client for the gateway described by cfg. Zero timeouts take
// the config defaults.
func New(cfg *config.GatewayConfig) *Client {
	c := &Client{cfg: *cfg, lastInSeq: -1}
	def := config.DefaultConfig().Gateway
	if c.cfg.ConnectTimeout <= 0 {
		c.cfg.ConnectTimeout = def.ConnectTimeout
	}
	if c.cfg.AckTimeout <= 0 {
		c.cfg.AckTimeout = def.AckTimeout
	}
	if c.cfg.HeartbeatInterval <= 0 {
		c.cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	return c
}

// SetHandler sets the callback for inbound telegrams. It runs on the receive
// goroutine and must not block or call Close.
func (c *Client) SetHandler(fn func(Telegram)) {
	c.handlerMu.Lock()
	c.onTele = fn
	c.handlerMu.Unlock()
}

// SetSentHandler sets the callback for telegrams the gateway has acked.
// It runs on the sending goroutine.
func (c *Client) SetSentHandler(fn func(Telegram)) {
	c.handlerMu.Lock()
	c.onSent = fn
	c.handlerMu.Unlock()
}

// SetStateHandler sets the callback for connect and disconnect transitions.
func (c *Client) SetStateHandler(fn func(connected bool, reason string)) {
	c.handlerMu.Lock()
	c.onState = fn
	c.handlerMu.Unlock()
}

// Address returns the gateway host:port.
func (c *Client) Address() string {
	return c.cfg.Addr()
}

// Connect opens the tunnel and starts the receive and heartbeat goroutines.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	// Goroutines from a previous session must be gone before state is reset.
	c.wg.Wait()

	addr := c.cfg.Addr()
	logging.DebugConnect(logProto, addr)

	gwAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		logging.DebugConnectError(logProto, addr, err)
		return fmt.Errorf("failed to resolve gateway address: %w", err)
	}

	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.cfg.LocalAddress, "0"))
	if err != nil {
		return fmt.Errorf("failed to resolve local address: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		logging.DebugError(logProto, "create UDP socket", err)
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}

	control := knxnet.NewUDPHPAI(nil)
	if !c.cfg.NAT {
		control = knxnet.NewUDPHPAI(conn.LocalAddr().(*net.UDPAddr))
	}

	resp, err := c.handshake(ctx, conn, gwAddr, control)
	if err != nil {
		conn.Close()
		logging.DebugConnectError(logProto, addr, err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.gwAddr = gwAddr
	c.control = control
	c.channelID = resp.ChannelID
	c.connected = true
	c.outSeq = 0
	c.lastInSeq = -1
	c.pending = nil
	c.beatFails = 0
	c.stateCh = make(chan *knxnet.ConnectionStateResponse, 1)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	logging.DebugConnectSuccess(logProto, addr,
		fmt.Sprintf("channel=%d address=%d.%d.%d", resp.ChannelID,
			resp.Address>>12, (resp.Address>>8)&0x0F, resp.Address&0xFF))

	c.wg.Add(2)
	go c.receiveLoop(conn, done)
	go c.heartbeatLoop(done)

	c.notifyState(true, "connected")
	return nil
}

// handshake sends a connection request and waits for the matching response.
func (c *Client) handshake(ctx context.Context, conn *net.UDPConn, gwAddr *net.UDPAddr, control knxnet.HPAI) (*knxnet.ConnectResponse, error) {
	req := &knxnet.ConnectRequest{Control: control, Data: control}
	frame := req.Bytes()
	logging.DebugTX(logUDP, frame)
	if _, err := conn.WriteToUDP(frame, gwAddr); err != nil {
		return nil, fmt.Errorf("failed to send connect request: %w", err)
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, recvBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("no connect response: %w", err)
		}
		logging.DebugRX(logUDP, buf[:n])

		p, err := knxnet.ParsePacket(buf[:n])
		if err != nil {
			c.malformedCount.Add(1)
			logging.DebugError(logProto, "parse connect response", err)
			continue
		}
		if p.ServiceType != knxnet.SvcConnectionResponse {
			logging.DebugLog(logProto, "Ignoring %s while connecting", p.ServiceName())
			continue
		}
		resp, err := knxnet.ParseConnectResponse(p)
		if err != nil {
			return nil, err
		}
		if resp.Status != knxnet.StatusNoError {
			return nil, fmt.Errorf("%w: connect: %s", ErrRejected, knxnet.StatusText(resp.Status))
		}
		return resp, nil
	}
}

// Send transmits one telegram and waits for the gateway's ack. An unacked
// request is repeated once; a second timeout returns ErrAckTimeout.
func (c *Client) Send(ctx context.Context, msg knxnet.TelegramSource) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	seq := c.outSeq
	req := knxnet.NewTunnelingRequest(uint(c.channelID), uint(seq), msg)
	frame, err := req.Packet().MarshalBinary()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("tunneling request seq=%d: %w", seq, err)
	}
	ackCh := make(chan *knxnet.TunnelingAck, 1)
	c.pending = &pendingAck{seq: seq, ch: ackCh}
	done := c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.retransmits.Add(1)
			logging.DebugLog(logProto, "Repeating tunneling request seq=%d", seq)
		}
		if err := c.write(frame); err != nil {
			return err
		}

		timer := time.NewTimer(c.cfg.AckTimeout)
		select {
		case ack := <-ackCh:
			timer.Stop()
			if ack.Status != knxnet.StatusNoError {
				return fmt.Errorf("%w: tunneling request seq=%d: %s", ErrRejected, seq, knxnet.StatusText(ack.Status))
			}
			c.mu.Lock()
			c.outSeq++
			ch := c.channelID
			c.mu.Unlock()
			c.sent.Add(1)

			c.handlerMu.RLock()
			fn := c.onSent
			c.handlerMu.RUnlock()
			if fn != nil {
				raw := append([]byte(nil), msg.RawBytes()...)
				fn(Telegram{ChannelID: ch, Sequence: seq, Raw: raw, Time: time.Now()})
			}
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-done:
			timer.Stop()
			return ErrNotConnected
		}
	}

	c.ackTimeouts.Add(1)
	logging.DebugLog(logProto, "No ack for seq=%d after %d attempts", seq, maxRetries+1)
	return ErrAckTimeout
}

// write sends one frame to the gateway.
func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	conn, addr := c.conn, c.gwAddr
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	logging.DebugTX(logUDP, frame)
	if _, err := conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// receiveLoop dispatches datagrams until the socket is closed.
func (c *Client) receiveLoop(conn *net.UDPConn, done chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, recvBuffer)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
			default:
				c.markDisconnected(fmt.Sprintf("recv failed: %v", err))
			}
			return
		}
		logging.DebugRX(logUDP, buf[:n])

		p, err := knxnet.ParsePacket(buf[:n])
		if err != nil {
			c.malformedCount.Add(1)
			logging.DebugError(logProto, "parse datagram", err)
			continue
		}
		c.dispatch(p)
	}
}

func (c *Client) dispatch(p *knxnet.Packet) {
	var err error
	switch p.ServiceType {
	case knxnet.SvcTunnelingRequest:
		err = c.handleRequest(p)
	case knxnet.SvcTunnelingAck:
		err = c.handleAck(p)
	case knxnet.SvcConnectionStateResponse:
		err = c.handleStateResponse(p)
	case knxnet.SvcDisconnectRequest:
		err = c.handleDisconnectRequest(p)
	case knxnet.SvcDisconnectResponse:
		// Reply to our own disconnect; Close has already torn down.
	default:
		logging.DebugLog(logProto, "Ignoring %s", p)
	}
	if err != nil {
		if errors.Is(err, knxnet.ErrMalformed) {
			c.malformedCount.Add(1)
		}
		logging.DebugError(logProto, p.ServiceName(), err)
	}
}

func (c *Client) handleRequest(p *knxnet.Packet) error {
	req, err := knxnet.ParseTunnelingRequest(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if req.ChannelID() != c.channelID {
		c.mu.Unlock()
		return fmt.Errorf("%w: got %d", ErrChannelMismatch, req.ChannelID())
	}
	dup := c.lastInSeq == int(req.Sequence())
	c.lastInSeq = int(req.Sequence())
	c.mu.Unlock()

	ack := &knxnet.TunnelingAck{ChannelID: req.ChannelID(), Sequence: req.Sequence()}
	if err := c.write(ack.Bytes()); err != nil {
		return err
	}

	if dup {
		c.duplicates.Add(1)
		logging.DebugLog(logProto, "Duplicate tunneling request seq=%d", req.Sequence())
		return nil
	}
	c.received.Add(1)

	c.handlerMu.RLock()
	fn := c.onTele
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(Telegram{
			ChannelID: req.ChannelID(),
			Sequence:  req.Sequence(),
			Raw:       req.Message().RawBytes(),
			Time:      time.Now(),
		})
	}
	return nil
}

func (c *Client) handleAck(p *knxnet.Packet) error {
	ack, err := knxnet.ParseTunnelingAck(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ack.ChannelID != c.channelID {
		return fmt.Errorf("%w: ack for channel %d", ErrChannelMismatch, ack.ChannelID)
	}
	if c.pending == nil || c.pending.seq != ack.Sequence {
		logging.DebugLog(logProto, "Unexpected ack seq=%d", ack.Sequence)
		return nil
	}
	select {
	case c.pending.ch <- ack:
	default:
	}
	return nil
}

func (c *Client) handleStateResponse(p *knxnet.Packet) error {
	resp, err := knxnet.ParseConnectionStateResponse(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.stateCh
	c.mu.Unlock()
	select {
	case ch <- resp:
	default:
	}
	return nil
}

func (c *Client) handleDisconnectRequest(p *knxnet.Packet) error {
	req, err := knxnet.ParseDisconnectRequest(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ours := req.ChannelID == c.channelID
	c.mu.Unlock()

	resp := &knxnet.DisconnectResponse{ChannelID: req.ChannelID}
	if !ours {
		resp.Status = knxnet.StatusConnectionID
	}
	if err := c.write(resp.Bytes()); err != nil {
		return err
	}
	if ours {
		c.markDisconnected("disconnect requested by gateway")
	}
	return nil
}

// heartbeatLoop sends connectionstate requests every HeartbeatInterval.
func (c *Client) heartbeatLoop(done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if err := c.heartbeat(done); err != nil {
			c.mu.Lock()
			c.beatFails++
			fails := c.beatFails
			c.mu.Unlock()

			logging.DebugError(logProto, fmt.Sprintf("heartbeat (%d/%d)", fails, maxBeats), err)
			if fails >= maxBeats {
				c.markDisconnected("heartbeat failed")
				return
			}
			continue
		}

		c.mu.Lock()
		c.beatFails = 0
		c.mu.Unlock()
	}
}

func (c *Client) heartbeat(done chan struct{}) error {
	c.mu.Lock()
	req := &knxnet.ConnectionStateRequest{ChannelID: c.channelID, Control: c.control}
	ch := c.stateCh
	c.mu.Unlock()

	// Drop a late reply to an earlier heartbeat.
	select {
	case <-ch:
	default:
	}

	if err := c.write(req.Bytes()); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Status != knxnet.StatusNoError {
			return fmt.Errorf("%w: %s", ErrRejected, knxnet.StatusText(resp.Status))
		}
		return nil
	case <-timer.C:
		return errors.New("no connectionstate response")
	case <-done:
		return ErrNotConnected
	}
}

// markDisconnected tears down the socket once and notifies the state handler.
func (c *Client) markDisconnected(reason string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.done)
	conn := c.conn
	c.conn = nil
	addr := c.cfg.Addr()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	logging.DebugDisconnect(logProto, addr, reason)
	c.notifyState(false, reason)
}

func (c *Client) notifyState(connected bool, reason string) {
	c.handlerMu.RLock()
	fn := c.onState
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(connected, reason)
	}
}

// Close sends a best-effort disconnect request and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	req := &knxnet.DisconnectRequest{ChannelID: c.channelID, Control: c.control}
	c.mu.Unlock()

	if err := c.write(req.Bytes()); err != nil {
		logging.DebugError(logProto, "send disconnect request", err)
	}
	c.markDisconnected("close requested")
	c.wg.Wait()
	return nil
}

// IsConnected returns true while the tunnel is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ChannelID returns the channel assigned by the gateway.
func (c *Client) ChannelID() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Stats returns a snapshot of the tunnel counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{Connected: c.connected, ChannelID: c.channelID, HeartbeatFailures: c.beatFails}
	c.mu.Unlock()

	s.Sent = c.sent.Load()
	s.Received = c.received.Load()
	s.Duplicates = c.duplicates.Load()
	s.Retransmits = c.retransmits.Load()
	s.AckTimeouts = c.ackTimeouts.Load()
	s.Malformed = c.malformedCount.Load()
	return s
}
