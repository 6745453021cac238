package knxnet

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketBytes(t *testing.T) {
	t.Run("empty payload is header only", func(t *testing.T) {
		p := NewPacket(0x0201, nil)
		got := p.Bytes()
		want := []byte{0x06, 0x10, 0x02, 0x01, 0x00, 0x06}
		if !bytes.Equal(got, want) {
			t.Errorf("Bytes() = % x, want % x", got, want)
		}
	})

	t.Run("total length counts header and payload", func(t *testing.T) {
		p := NewPacket(0x0421, []byte{0x04, 0x01, 0x02, 0x00})
		got := p.Bytes()
		want := []byte{0x06, 0x10, 0x04, 0x21, 0x00, 0x0a, 0x04, 0x01, 0x02, 0x00}
		if !bytes.Equal(got, want) {
			t.Errorf("Bytes() = % x, want % x", got, want)
		}
	})

	t.Run("service type is masked to 16 bits", func(t *testing.T) {
		p := NewPacket(0x10420, []byte{0xAA})
		if p.ServiceType != 0x0420 {
			t.Errorf("ServiceType = 0x%04x, want 0x0420", p.ServiceType)
		}
		got := p.Bytes()
		if got[2] != 0x04 || got[3] != 0x20 {
			t.Errorf("service bytes = % x, want 04 20", got[2:4])
		}
	})

	t.Run("does not mutate packet", func(t *testing.T) {
		payload := []byte{1, 2, 3}
		p := NewPacket(0x0530, payload)
		_ = p.Bytes()
		if !bytes.Equal(p.Payload, payload) || p.ServiceType != 0x0530 {
			t.Error("Bytes() modified the packet")
		}
	})

	t.Run("constructor copies payload", func(t *testing.T) {
		payload := []byte{1, 2, 3}
		p := NewPacket(0x0530, payload)
		payload[0] = 0xFF
		if p.Payload[0] != 1 {
			t.Error("packet aliases caller payload")
		}
	})
}

func TestPacketMarshalBinary(t *testing.T) {
	t.Run("max payload fits", func(t *testing.T) {
		p := NewPacket(0x0420, make([]byte, MaxPayloadLen))
		buf, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary failed: %v", err)
		}
		if buf[4] != 0xFF || buf[5] != 0xFF {
			t.Errorf("length field = % x, want ff ff", buf[4:6])
		}
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		p := NewPacket(0x0420, make([]byte, MaxPayloadLen+1))
		_, err := p.MarshalBinary()
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	})
}

func TestParsePacket_RoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		serviceType uint16
		payload     []byte
	}{
		{"empty", 0x0201, nil},
		{"tunneling request", 0x0420, []byte{0x04, 0x5e, 0xd3, 0x00, 0x11, 0x00, 0xbc, 0xe0}},
		{"unregistered service", 0x9999, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"max service", 0xFFFF, []byte{0x00}},
		{"large payload", 0x0530, bytes.Repeat([]byte{0x5a}, 1024)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewPacket(uint32(tc.serviceType), tc.payload).Bytes()
			p, err := ParsePacket(buf)
			if err != nil {
				t.Fatalf("ParsePacket failed: %v", err)
			}
			if p.ServiceType != tc.serviceType {
				t.Errorf("ServiceType = 0x%04x, want 0x%04x", p.ServiceType, tc.serviceType)
			}
			if len(p.Payload) != len(tc.payload) || !bytes.Equal(p.Payload, tc.payload) {
				t.Errorf("Payload = % x, want % x", p.Payload, tc.payload)
			}
		})
	}
}

func TestParsePacket_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		buf   []byte
		field string
	}{
		{"nil buffer", nil, "buffer length"},
		{"short header", []byte{0x06, 0x10, 0x04, 0x20, 0x00}, "buffer length"},
		{"wrong header length", []byte{0x08, 0x10, 0x04, 0x20, 0x00, 0x06}, "header length"},
		{"wrong protocol version", []byte{0x06, 0x20, 0x04, 0x20, 0x00, 0x06}, "protocol version"},
		{"declared length too long", []byte{0x06, 0x10, 0x04, 0x20, 0x00, 0x08, 0x01}, "total length"},
		{"declared length too short", []byte{0x06, 0x10, 0x04, 0x20, 0x00, 0x06, 0x01}, "total length"},
		{"padded datagram", []byte{0x06, 0x10, 0x02, 0x01, 0x00, 0x06, 0x00, 0x00}, "total length"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ParsePacket(tc.buf)
			if err == nil {
				t.Fatalf("expected error, got packet %v", p)
			}
			var mErr *MalformedPacketError
			if !errors.As(err, &mErr) {
				t.Fatalf("expected *MalformedPacketError, got %T: %v", err, err)
			}
			if mErr.Field != tc.field {
				t.Errorf("Field = %q, want %q", mErr.Field, tc.field)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Error("errors.Is(err, ErrMalformed) = false")
			}
		})
	}
}

func TestMalformedPacketError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"length in decimal",
			func() error { _, err := ParsePacket([]byte{0x06, 0x10, 0x04, 0x20, 0x00}); return err }(),
			"knxnet: unexpected buffer length 5: need at least 6 header bytes",
		},
		{
			"service type with four digits",
			func() error { _, err := ParseTunnelingRequest(NewPacket(0x0421, []byte{0x04, 1, 2, 0})); return err }(),
			"knxnet: unexpected service type 0x0421: expected tunneling.request",
		},
		{
			"byte field in hex",
			func() error { _, err := ParsePacket([]byte{0x06, 0x20, 0x04, 0x20, 0x00, 0x06}); return err }(),
			"knxnet: unexpected protocol version 0x20: only version 1.0 (0x10) is supported",
		},
		{
			"header length in decimal",
			&MalformedPacketError{Field: "header length", Value: 8, Reason: "expected 6"},
			"knxnet: unexpected header length 8: expected 6",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err == nil {
				t.Fatal("expected error")
			}
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParsePacket_CopiesPayload(t *testing.T) {
	buf := []byte{0x06, 0x10, 0x04, 0x20, 0x00, 0x08, 0x01, 0x02}
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	buf[6] = 0xFF
	if p.Payload[0] != 0x01 {
		t.Error("parsed payload aliases the receive buffer")
	}
}

func TestPacketString(t *testing.T) {
	tests := []struct {
		name string
		p    *Packet
		want string
	}{
		{"registered", NewPacket(0x0421, []byte{0x04, 0x01, 0x0a, 0x00}), "<Packet (tunneling.ack) 04 01 0a 00>"},
		{"unregistered", NewPacket(0x9999, []byte{0xff}), "<Packet (0x9999) ff>"},
		{"empty payload", NewPacket(0x0201, nil), "<Packet (search.request) >"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPacketServiceName(t *testing.T) {
	p := NewPacket(0x0206, nil)
	if got := p.ServiceName(); got != "connection.response" {
		t.Errorf("ServiceName() = %q, want connection.response", got)
	}
}
