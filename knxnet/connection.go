package knxnet

import (
	"encoding/binary"
	"fmt"
)

// Connection status codes.
const (
	StatusNoError          byte = 0x00
	StatusHostProtocolType byte = 0x01
	StatusVersionNotSupp   byte = 0x02
	StatusSequenceNumber   byte = 0x04
	StatusConnectionID     byte = 0x21
	StatusConnectionType   byte = 0x22
	StatusConnectionOption byte = 0x23
	StatusNoMoreConns      byte = 0x24
	StatusDataConnection   byte = 0x26
	StatusKNXConnection    byte = 0x27
	StatusTunnellingLayer  byte = 0x29
)

// Connection request information.
const (
	ConnectionTypeTunnel byte = 0x04
	TunnelLinkLayer      byte = 0x02
	TunnelRaw            byte = 0x04
	TunnelBusMonitor     byte = 0x80
)

// StatusText returns a human-readable description of a connection status code.
func StatusText(status byte) string {
	switch status {
	case StatusNoError:
		return "no error"
	case StatusHostProtocolType:
		return "host protocol type not supported"
	case StatusVersionNotSupp:
		return "protocol version not supported"
	case StatusSequenceNumber:
		return "sequence number out of order"
	case StatusConnectionID:
		return "no active connection with this channel id"
	case StatusConnectionType:
		return "connection type not supported"
	case StatusConnectionOption:
		return "connection option not supported"
	case StatusNoMoreConns:
		return "gateway cannot accept more connections"
	case StatusDataConnection:
		return "error in data connection"
	case StatusKNXConnection:
		return "error in KNX connection"
	case StatusTunnellingLayer:
		return "tunnelling layer not supported"
	default:
		return fmt.Sprintf("status 0x%02x", status)
	}
}

// ConnectRequest opens a tunnel connection.
type ConnectRequest struct {
	Control HPAI
	Data    HPAI
	Layer   byte // TunnelLinkLayer when zero
}

// Packet builds the generic envelope.
func (r *ConnectRequest) Packet() *Packet {
	layer := r.Layer
	if layer == 0 {
		layer = TunnelLinkLayer
	}
	payload := make([]byte, 0, 2*HPAILen+4)
	payload = append(payload, r.Control.Bytes()...)
	payload = append(payload, r.Data.Bytes()...)
	payload = append(payload, 0x04, ConnectionTypeTunnel, layer, 0x00)
	return &Packet{ServiceType: SvcConnectionRequest, Payload: payload}
}

// Bytes returns the full wire encoding.
func (r *ConnectRequest) Bytes() []byte { return r.Packet().Bytes() }

// ConnectResponse is the gateway's answer to a ConnectRequest.
// Data and Address are only present when Status is StatusNoError.
type ConnectResponse struct {
	ChannelID byte
	Status    byte
	Data      HPAI
	Address   uint16 // Individual address assigned to the tunnel
}

// ParseConnectResponse interprets an envelope as a connection response.
func ParseConnectResponse(p *Packet) (*ConnectResponse, error) {
	if p.ServiceType != SvcConnectionResponse {
		return nil, malformed("service type", int(p.ServiceType), "expected connection.response")
	}
	if len(p.Payload) < 2 {
		return nil, malformed("connection response length", len(p.Payload), "need at least 2 bytes")
	}
	resp := &ConnectResponse{ChannelID: p.Payload[0], Status: p.Payload[1]}
	if resp.Status != StatusNoError {
		return resp, nil
	}

	body := p.Payload[2:]
	hpai, err := ParseHPAI(body)
	if err != nil {
		return nil, err
	}
	resp.Data = hpai
	body = body[HPAILen:]

	if len(body) < 4 {
		return nil, malformed("CRD length", len(body), "need 4 bytes")
	}
	if body[0] != 0x04 {
		return nil, malformed("CRD length", int(body[0]), "expected 4")
	}
	if body[1] != ConnectionTypeTunnel {
		return nil, malformed("connection type", int(body[1]), "expected tunnel connection")
	}
	resp.Address = binary.BigEndian.Uint16(body[2:4])
	return resp, nil
}

// channelRequest is the shared body of connectionstate and disconnect requests.
func channelRequest(serviceType uint16, channelID byte, control HPAI) *Packet {
	payload := make([]byte, 0, 2+HPAILen)
	payload = append(payload, channelID, 0x00)
	payload = append(payload, control.Bytes()...)
	return &Packet{ServiceType: serviceType, Payload: payload}
}

func parseChannelStatus(p *Packet, serviceType uint16) (channelID, status byte, err error) {
	if p.ServiceType != serviceType {
		return 0, 0, malformed("service type", int(p.ServiceType), "expected %s", ServiceName(serviceType))
	}
	if len(p.Payload) < 2 {
		return 0, 0, malformed(ServiceName(serviceType)+" length", len(p.Payload), "need at least 2 bytes")
	}
	return p.Payload[0], p.Payload[1], nil
}

// ConnectionStateRequest is the tunnel heartbeat.
type ConnectionStateRequest struct {
	ChannelID byte
	Control   HPAI
}

// Packet builds the generic envelope.
func (r *ConnectionStateRequest) Packet() *Packet {
	return channelRequest(SvcConnectionStateRequest, r.ChannelID, r.Control)
}

// Bytes returns the full wire encoding.
func (r *ConnectionStateRequest) Bytes() []byte { return r.Packet().Bytes() }

// ConnectionStateResponse answers a heartbeat.
type ConnectionStateResponse struct {
	ChannelID byte
	Status    byte
}

// ParseConnectionStateResponse interprets an envelope as a connectionstate response.
func ParseConnectionStateResponse(p *Packet) (*ConnectionStateResponse, error) {
	ch, st, err := parseChannelStatus(p, SvcConnectionStateResponse)
	if err != nil {
		return nil, err
	}
	return &ConnectionStateResponse{ChannelID: ch, Status: st}, nil
}

// DisconnectRequest closes a tunnel. Either side may send it.
type DisconnectRequest struct {
	ChannelID byte
	Control   HPAI
}

// Packet builds the generic envelope.
func (r *DisconnectRequest) Packet() *Packet {
	return channelRequest(SvcDisconnectRequest, r.ChannelID, r.Control)
}

// Bytes returns the full wire encoding.
func (r *DisconnectRequest) Bytes() []byte { return r.Packet().Bytes() }

// ParseDisconnectRequest interprets an envelope as a disconnect request.
func ParseDisconnectRequest(p *Packet) (*DisconnectRequest, error) {
	ch, _, err := parseChannelStatus(p, SvcDisconnectRequest)
	if err != nil {
		return nil, err
	}
	req := &DisconnectRequest{ChannelID: ch}
	if len(p.Payload) >= 2+HPAILen {
		hpai, err := ParseHPAI(p.Payload[2:])
		if err != nil {
			return nil, err
		}
		req.Control = hpai
	}
	return req, nil
}

// DisconnectResponse acknowledges a DisconnectRequest.
type DisconnectResponse struct {
	ChannelID byte
	Status    byte
}

// Packet builds the generic envelope.
func (r *DisconnectResponse) Packet() *Packet {
	return &Packet{ServiceType: SvcDisconnectResponse, Payload: []byte{r.ChannelID, r.Status}}
}

// Bytes returns the full wire encoding.
func (r *DisconnectResponse) Bytes() []byte { return r.Packet().Bytes() }

// ParseDisconnectResponse interprets an envelope as a disconnect response.
func ParseDisconnectResponse(p *Packet) (*DisconnectResponse, error) {
	ch, st, err := parseChannelStatus(p, SvcDisconnectResponse)
	if err != nil {
		return nil, err
	}
	return &DisconnectResponse{ChannelID: ch, Status: st}, nil
}
