package knxnet

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestHPAI(t *testing.T) {
	t.Run("encode", func(t *testing.T) {
		h := NewUDPHPAI(&net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 3671})
		want := []byte{0x08, 0x01, 192, 168, 1, 20, 0x0e, 0x57}
		if got := h.Bytes(); !bytes.Equal(got, want) {
			t.Errorf("Bytes() = % x, want % x", got, want)
		}
		if h.String() != "192.168.1.20:3671" {
			t.Errorf("String() = %q", h.String())
		}
	})

	t.Run("nat mode", func(t *testing.T) {
		h := NewUDPHPAI(nil)
		want := []byte{0x08, 0x01, 0, 0, 0, 0, 0, 0}
		if got := h.Bytes(); !bytes.Equal(got, want) {
			t.Errorf("Bytes() = % x, want % x", got, want)
		}
	})

	t.Run("parse", func(t *testing.T) {
		h, err := ParseHPAI([]byte{0x08, 0x01, 10, 0, 0, 5, 0x0e, 0x57})
		if err != nil {
			t.Fatalf("ParseHPAI failed: %v", err)
		}
		if !h.IP.Equal(net.IPv4(10, 0, 0, 5)) || h.Port != 3671 || h.Protocol != HostProtocolUDP4 {
			t.Errorf("ParseHPAI = %+v", h)
		}
	})

	t.Run("parse rejects", func(t *testing.T) {
		bad := [][]byte{
			{0x08, 0x01, 10, 0},
			{0x07, 0x01, 10, 0, 0, 5, 0x0e, 0x57},
			{0x08, 0x09, 10, 0, 0, 5, 0x0e, 0x57},
		}
		for _, b := range bad {
			if _, err := ParseHPAI(b); !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseHPAI(% x): expected ErrMalformed, got %v", b, err)
			}
		}
	})
}

func TestConnectRequest(t *testing.T) {
	req := &ConnectRequest{Control: NewUDPHPAI(nil), Data: NewUDPHPAI(nil)}
	buf := req.Bytes()
	if len(buf) != 26 {
		t.Fatalf("len = %d, want 26", len(buf))
	}
	wantHeader := []byte{0x06, 0x10, 0x02, 0x05, 0x00, 0x1a}
	if !bytes.Equal(buf[:6], wantHeader) {
		t.Errorf("header = % x, want % x", buf[:6], wantHeader)
	}
	wantCRI := []byte{0x04, 0x04, 0x02, 0x00}
	if !bytes.Equal(buf[22:], wantCRI) {
		t.Errorf("CRI = % x, want % x", buf[22:], wantCRI)
	}
}

func TestParseConnectResponse(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		payload := []byte{0x15, 0x00, 0x08, 0x01, 192, 168, 1, 20, 0x0e, 0x57, 0x04, 0x04, 0x11, 0xff}
		resp, err := ParseConnectResponse(NewPacket(0x0206, payload))
		if err != nil {
			t.Fatalf("ParseConnectResponse failed: %v", err)
		}
		if resp.ChannelID != 0x15 || resp.Status != StatusNoError {
			t.Errorf("channel/status = %d/%d", resp.ChannelID, resp.Status)
		}
		if resp.Address != 0x11ff {
			t.Errorf("Address = 0x%04x, want 0x11ff", resp.Address)
		}
		if resp.Data.Port != 3671 {
			t.Errorf("Data.Port = %d", resp.Data.Port)
		}
	})

	t.Run("error status without body", func(t *testing.T) {
		resp, err := ParseConnectResponse(NewPacket(0x0206, []byte{0x00, StatusNoMoreConns}))
		if err != nil {
			t.Fatalf("ParseConnectResponse failed: %v", err)
		}
		if resp.Status != StatusNoMoreConns {
			t.Errorf("Status = 0x%02x", resp.Status)
		}
	})

	t.Run("rejects", func(t *testing.T) {
		tests := []struct {
			name string
			p    *Packet
		}{
			{"wrong service", NewPacket(0x0208, []byte{0x15, 0x00})},
			{"short", NewPacket(0x0206, []byte{0x15})},
			{"missing CRD", NewPacket(0x0206, []byte{0x15, 0x00, 0x08, 0x01, 1, 2, 3, 4, 0x0e, 0x57})},
			{"wrong connection type", NewPacket(0x0206, []byte{0x15, 0x00, 0x08, 0x01, 1, 2, 3, 4, 0x0e, 0x57, 0x04, 0x03, 0x11, 0xff})},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := ParseConnectResponse(tc.p); !errors.Is(err, ErrMalformed) {
					t.Errorf("expected ErrMalformed, got %v", err)
				}
			})
		}
	})
}

func TestConnectionState(t *testing.T) {
	req := &ConnectionStateRequest{ChannelID: 7, Control: NewUDPHPAI(nil)}
	buf := req.Bytes()
	want := []byte{0x06, 0x10, 0x02, 0x07, 0x00, 0x10, 0x07, 0x00, 0x08, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf, want) {
		t.Errorf("Bytes() = % x, want % x", buf, want)
	}

	resp, err := ParseConnectionStateResponse(NewPacket(0x0208, []byte{0x07, StatusConnectionID}))
	if err != nil {
		t.Fatalf("ParseConnectionStateResponse failed: %v", err)
	}
	if resp.ChannelID != 7 || resp.Status != StatusConnectionID {
		t.Errorf("response = %+v", resp)
	}
}

func TestDisconnect(t *testing.T) {
	req := &DisconnectRequest{ChannelID: 9, Control: NewUDPHPAI(nil)}
	p, err := ParsePacket(req.Bytes())
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	got, err := ParseDisconnectRequest(p)
	if err != nil {
		t.Fatalf("ParseDisconnectRequest failed: %v", err)
	}
	if got.ChannelID != 9 {
		t.Errorf("ChannelID = %d", got.ChannelID)
	}

	resp := &DisconnectResponse{ChannelID: 9}
	want := []byte{0x06, 0x10, 0x02, 0x0a, 0x00, 0x08, 0x09, 0x00}
	if !bytes.Equal(resp.Bytes(), want) {
		t.Errorf("Bytes() = % x, want % x", resp.Bytes(), want)
	}
	parsed, err := ParseDisconnectResponse(NewPacket(0x020a, []byte{9, 0}))
	if err != nil || parsed.ChannelID != 9 {
		t.Errorf("ParseDisconnectResponse = %+v, %v", parsed, err)
	}
}

func TestStatusText(t *testing.T) {
	if StatusText(StatusNoError) != "no error" {
		t.Errorf("StatusText(0) = %q", StatusText(StatusNoError))
	}
	if StatusText(0x7f) != "status 0x7f" {
		t.Errorf("StatusText(0x7f) = %q", StatusText(0x7f))
	}
}
