package knxnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// HPAI host protocol codes.
const (
	HostProtocolUDP4 byte = 0x01
	HostProtocolTCP4 byte = 0x02
)

// HPAILen is the fixed size of a host protocol address information block.
const HPAILen = 0x08

// HPAI identifies a control or data endpoint.
// The zero address 0.0.0.0:0 asks the gateway to reply to the datagram source (NAT mode).
type HPAI struct {
	Protocol byte
	IP       net.IP
	Port     uint16
}

// NewUDPHPAI returns a UDP/IPv4 endpoint for addr. A nil addr yields the NAT-mode zero endpoint.
func NewUDPHPAI(addr *net.UDPAddr) HPAI {
	h := HPAI{Protocol: HostProtocolUDP4, IP: net.IPv4zero}
	if addr != nil {
		if ip4 := addr.IP.To4(); ip4 != nil {
			h.IP = ip4
		}
		h.Port = uint16(addr.Port)
	}
	return h
}

// Bytes returns the 8-byte encoding.
func (h HPAI) Bytes() []byte {
	buf := make([]byte, HPAILen)
	buf[0] = HPAILen
	buf[1] = h.Protocol
	if ip4 := h.IP.To4(); ip4 != nil {
		copy(buf[2:6], ip4)
	}
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

func (h HPAI) String() string {
	ip := h.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	return fmt.Sprintf("%s:%d", ip, h.Port)
}

// ParseHPAI parses an HPAI block at the start of data.
func ParseHPAI(data []byte) (HPAI, error) {
	if len(data) < HPAILen {
		return HPAI{}, malformed("HPAI length", len(data), "need %d bytes", HPAILen)
	}
	if data[0] != HPAILen {
		return HPAI{}, malformed("HPAI length", int(data[0]), "expected %d", HPAILen)
	}
	if data[1] != HostProtocolUDP4 && data[1] != HostProtocolTCP4 {
		return HPAI{}, malformed("host protocol", int(data[1]), "expected UDP or TCP over IPv4")
	}
	return HPAI{
		Protocol: data[1],
		IP:       net.IPv4(data[2], data[3], data[4], data[5]).To4(),
		Port:     binary.BigEndian.Uint16(data[6:8]),
	}, nil
}
