package knxnet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Common header constants.
const (
	HeaderLen       = 0x06
	ProtocolVersion = 0x10 // 1.0

	// MaxPayloadLen is the largest body the 16-bit total length field can describe.
	MaxPayloadLen = 0xFFFF - HeaderLen
)

// Packet is a generic KNXnet/IP frame: a service type and its opaque body.
type Packet struct {
	ServiceType uint16
	Payload     []byte
}

// NewPacket creates a packet. Only the low 16 bits of serviceType are kept.
// The payload is copied.
func NewPacket(serviceType uint32, payload []byte) *Packet {
	p := &Packet{ServiceType: uint16(serviceType & 0xFFFF)}
	if len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	return p
}

// Bytes returns the wire encoding: the 6-byte common header followed by the payload.
// Payloads longer than MaxPayloadLen produce a truncated length field; use
// MarshalBinary to have that reported as an error.
func (p *Packet) Bytes() []byte {
	total := HeaderLen + len(p.Payload)
	buf := make([]byte, total)
	buf[0] = HeaderLen
	buf[1] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], p.ServiceType)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxPayloadLen {
		return nil, malformed("total length", HeaderLen+len(p.Payload),
			"exceeds maximum of %d bytes", 0xFFFF)
	}
	return p.Bytes(), nil
}

// ParsePacket parses and validates a received frame. The returned payload is
// a copy, so buf may be reused by the caller.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, malformed("buffer length", len(buf), "need at least %d header bytes", HeaderLen)
	}
	if buf[0] != HeaderLen {
		return nil, malformed("header length", int(buf[0]), "expected %d", HeaderLen)
	}
	if buf[1] != ProtocolVersion {
		return nil, malformed("protocol version", int(buf[1]), "only version 1.0 (0x%02x) is supported", ProtocolVersion)
	}
	total := binary.BigEndian.Uint16(buf[4:6])
	if int(total) != len(buf) {
		return nil, malformed("total length", int(total), "buffer holds %d bytes", len(buf))
	}

	p := &Packet{ServiceType: binary.BigEndian.Uint16(buf[2:4])}
	if len(buf) > HeaderLen {
		p.Payload = append([]byte(nil), buf[HeaderLen:]...)
	}
	return p, nil
}

// ServiceName returns the registry name of the packet's service type.
func (p *Packet) ServiceName() string {
	return ServiceName(p.ServiceType)
}

// String renders the packet for logs: <Packet (name) 01 02 03>.
func (p *Packet) String() string {
	hexBytes := make([]string, len(p.Payload))
	for i, b := range p.Payload {
		hexBytes[i] = fmt.Sprintf("%02x", b)
	}
	return fmt.Sprintf("<Packet (%s) %s>", p.ServiceName(), strings.Join(hexBytes, " "))
}
