package knxnet

import (
	"bytes"
	"errors"
	"testing"
)

// mutableTelegram lets tests change the telegram after the request is built.
type mutableTelegram struct {
	raw   []byte
	reads int
}

func (m *mutableTelegram) RawBytes() []byte {
	m.reads++
	return m.raw
}

func TestTunnelingRequest_Bytes(t *testing.T) {
	req := NewTunnelingRequest(94, 211, RawTelegram{0x01, 0x02, 0x03})
	got := req.Bytes()
	want := []byte{0x06, 0x10, 0x04, 0x20, 0x00, 0x0d, 0x04, 0x5e, 0xd3, 0x00, 0x01, 0x02, 0x03}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes() = % x, want % x", got, want)
	}
}

func TestTunnelingRequest_Accessors(t *testing.T) {
	tests := []struct {
		name     string
		channel  uint
		sequence uint
		wantCh   byte
		wantSeq  byte
	}{
		{"zero", 0, 0, 0, 0},
		{"typical", 94, 211, 0x5e, 0xd3},
		{"max", 255, 255, 0xff, 0xff},
		{"channel masked", 0x1ff, 1, 0xff, 1},
		{"sequence wraps", 7, 256, 7, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := RawTelegram{0x29}
			req := NewTunnelingRequest(tc.channel, tc.sequence, msg)
			if req.ServiceType() != 0x0420 {
				t.Errorf("ServiceType() = 0x%04x, want 0x0420", req.ServiceType())
			}
			if req.ChannelID() != tc.wantCh {
				t.Errorf("ChannelID() = %d, want %d", req.ChannelID(), tc.wantCh)
			}
			if req.Sequence() != tc.wantSeq {
				t.Errorf("Sequence() = %d, want %d", req.Sequence(), tc.wantSeq)
			}
			got, ok := req.Message().(RawTelegram)
			if !ok || &got[0] != &msg[0] {
				t.Error("Message() did not return the held reference")
			}
		})
	}
}

func TestTunnelingRequest_ReadsTelegramLazily(t *testing.T) {
	msg := &mutableTelegram{raw: []byte{0x01}}
	req := NewTunnelingRequest(1, 2, msg)
	if msg.reads != 0 {
		t.Fatalf("telegram read %d times during construction", msg.reads)
	}

	msg.raw = []byte{0xAA, 0xBB}
	got := req.Bytes()
	want := []byte{0x06, 0x10, 0x04, 0x20, 0x00, 0x0c, 0x04, 0x01, 0x02, 0x00, 0xAA, 0xBB}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes() = % x, want % x", got, want)
	}
	if msg.reads != 1 {
		t.Errorf("telegram read %d times, want 1", msg.reads)
	}
}

func TestTunnelingRequest_EmptyTelegram(t *testing.T) {
	req := NewTunnelingRequest(3, 4, RawTelegram(nil))
	got := req.Bytes()
	want := []byte{0x06, 0x10, 0x04, 0x20, 0x00, 0x0a, 0x04, 0x03, 0x04, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes() = % x, want % x", got, want)
	}
}

func TestParseTunnelingRequest(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		buf := NewTunnelingRequest(0x5e, 0xd3, RawTelegram{0x11, 0x00, 0xbc}).Bytes()
		p, err := ParsePacket(buf)
		if err != nil {
			t.Fatalf("ParsePacket failed: %v", err)
		}
		req, err := ParseTunnelingRequest(p)
		if err != nil {
			t.Fatalf("ParseTunnelingRequest failed: %v", err)
		}
		if req.ChannelID() != 0x5e || req.Sequence() != 0xd3 {
			t.Errorf("channel/seq = %d/%d", req.ChannelID(), req.Sequence())
		}
		if !bytes.Equal(req.Message().RawBytes(), []byte{0x11, 0x00, 0xbc}) {
			t.Errorf("telegram = % x", req.Message().RawBytes())
		}
	})

	t.Run("rejects", func(t *testing.T) {
		tests := []struct {
			name string
			p    *Packet
		}{
			{"wrong service", NewPacket(0x0421, []byte{0x04, 0x01, 0x02, 0x00})},
			{"short body", NewPacket(0x0420, []byte{0x04, 0x01})},
			{"bad header length", NewPacket(0x0420, []byte{0x05, 0x01, 0x02, 0x00})},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := ParseTunnelingRequest(tc.p); !errors.Is(err, ErrMalformed) {
					t.Errorf("expected ErrMalformed, got %v", err)
				}
			})
		}
	})
}

func TestTunnelingAck(t *testing.T) {
	ack := &TunnelingAck{ChannelID: 0x5e, Sequence: 0xd3, Status: StatusNoError}
	buf := ack.Bytes()
	want := []byte{0x06, 0x10, 0x04, 0x21, 0x00, 0x0a, 0x04, 0x5e, 0xd3, 0x00}
	if !bytes.Equal(buf, want) {
		t.Fatalf("Bytes() = % x, want % x", buf, want)
	}

	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	got, err := ParseTunnelingAck(p)
	if err != nil {
		t.Fatalf("ParseTunnelingAck failed: %v", err)
	}
	if *got != *ack {
		t.Errorf("ParseTunnelingAck = %+v, want %+v", *got, *ack)
	}

	if _, err := ParseTunnelingAck(NewPacket(0x0420, []byte{0x04, 0, 0, 0})); err == nil {
		t.Error("expected error for tunneling.request envelope")
	}
}

func TestParseConnectionHeader(t *testing.T) {
	hdr, err := ParseConnectionHeader([]byte{0x04, 0x01, 0x02, 0x29, 0xFF})
	if err != nil {
		t.Fatalf("ParseConnectionHeader failed: %v", err)
	}
	if hdr.ChannelID != 1 || hdr.Sequence != 2 || hdr.Status != 0x29 {
		t.Errorf("header = %+v", hdr)
	}

	if _, err := ParseConnectionHeader([]byte{0x04, 0x01}); err == nil {
		t.Error("expected error for short header")
	}
	if _, err := ParseConnectionHeader([]byte{0x06, 0x01, 0x02, 0x00}); err == nil {
		t.Error("expected error for wrong length byte")
	}
}
