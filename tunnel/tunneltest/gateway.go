// Package tunneltest provides a loopback KNXnet/IP gateway for tests.
package tunneltest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knxlink/config"
	"knxlink/knxnet"
)

// Channel is the channel id the gateway assigns.
const Channel = 0x15

// Gateway answers the tunneling handshake on a loopback socket and records
// every frame it receives.
type Gateway struct {
	t    *testing.T
	conn *net.UDPConn

	// Got receives every parsed frame. Frames are dropped when it is full.
	Got chan *knxnet.Packet

	mu   sync.Mutex
	peer *net.UDPAddr

	// ConnectStatus is the status byte returned in connect responses.
	ConnectStatus atomic.Uint32
	// DropAcks swallows the next n tunneling requests without acking.
	DropAcks atomic.Int32
	// SilentState stops answering connectionstate requests.
	SilentState atomic.Bool
}

// NewGateway starts a gateway that is closed when the test ends.
func NewGateway(t *testing.T) *Gateway {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &Gateway{t: t, conn: conn, Got: make(chan *knxnet.Packet, 256)}
	go g.serve()
	t.Cleanup(func() { conn.Close() })
	return g
}

// Config returns a gateway config pointing at g with short timeouts and
// heartbeats effectively off.
func (g *Gateway) Config() *config.GatewayConfig {
	return &config.GatewayConfig{
		Name:              "fake",
		Enabled:           true,
		Address:           "127.0.0.1",
		Port:              g.conn.LocalAddr().(*net.UDPAddr).Port,
		LocalAddress:      "127.0.0.1",
		ConnectTimeout:    500 * time.Millisecond,
		AckTimeout:        100 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
}

func (g *Gateway) serve() {
	buf := make([]byte, 1024)
	for {
		n, peer, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.peer = peer
		g.mu.Unlock()

		p, err := knxnet.ParsePacket(buf[:n])
		if err != nil {
			continue
		}

		switch p.ServiceType {
		case knxnet.SvcConnectionRequest:
			status := byte(g.ConnectStatus.Load())
			payload := []byte{Channel, status}
			if status == knxnet.StatusNoError {
				payload = append(payload, knxnet.NewUDPHPAI(g.conn.LocalAddr().(*net.UDPAddr)).Bytes()...)
				payload = append(payload, 0x04, knxnet.ConnectionTypeTunnel, 0x11, 0x05)
			}
			g.Send(knxnet.NewPacket(uint32(knxnet.SvcConnectionResponse), payload).Bytes())
		case knxnet.SvcTunnelingRequest:
			if g.DropAcks.Load() > 0 {
				g.DropAcks.Add(-1)
				break
			}
			hdr, _ := knxnet.ParseConnectionHeader(p.Payload)
			ack := &knxnet.TunnelingAck{ChannelID: hdr.ChannelID, Sequence: hdr.Sequence}
			g.Send(ack.Bytes())
		case knxnet.SvcConnectionStateRequest:
			if !g.SilentState.Load() {
				g.Send(knxnet.NewPacket(uint32(knxnet.SvcConnectionStateResponse), []byte{p.Payload[0], 0x00}).Bytes())
			}
		case knxnet.SvcDisconnectRequest:
			resp := &knxnet.DisconnectResponse{ChannelID: p.Payload[0]}
			g.Send(resp.Bytes())
		}

		select {
		case g.Got <- p:
		default:
		}
	}
}

// Send writes a frame to the last client that talked to the gateway.
func (g *Gateway) Send(frame []byte) {
	g.mu.Lock()
	peer := g.peer
	g.mu.Unlock()
	if peer == nil {
		g.t.Error("fake gateway has no peer")
		return
	}
	g.conn.WriteToUDP(frame, peer)
}

// Expect waits for the next frame of the given service type, skipping others.
func (g *Gateway) Expect(t *testing.T, serviceType uint16) *knxnet.Packet {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-g.Got:
			if p.ServiceType == serviceType {
				return p
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", knxnet.ServiceName(serviceType))
			return nil
		}
	}
}
