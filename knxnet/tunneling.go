package knxnet

import "fmt"

// TelegramSource supplies the raw encoding of a bus telegram.
type TelegramSource interface {
	RawBytes() []byte
}

// RawTelegram is a telegram already in its wire form.
type RawTelegram []byte

// RawBytes implements TelegramSource.
func (t RawTelegram) RawBytes() []byte { return t }

// TunnelingRequest carries one telegram over an established tunnel channel.
type TunnelingRequest struct {
	channelID byte
	sequence  byte
	message   TelegramSource
}

// NewTunnelingRequest builds a request. Channel and sequence are truncated to
// 8 bits; sequencing and wrap are the caller's concern. msg is borrowed, not copied.
func NewTunnelingRequest(channelID, sequence uint, msg TelegramSource) *TunnelingRequest {
	return &TunnelingRequest{
		channelID: byte(channelID),
		sequence:  byte(sequence),
		message:   msg,
	}
}

// ServiceType is always SvcTunnelingRequest.
func (r *TunnelingRequest) ServiceType() uint16 { return SvcTunnelingRequest }

// ChannelID returns the tunnel channel, truncated to 8 bits.
func (r *TunnelingRequest) ChannelID() byte { return r.channelID }

// Sequence returns the per-channel sequence counter, truncated to 8 bits.
func (r *TunnelingRequest) Sequence() byte { return r.sequence }

// Message returns the telegram reference held by the request.
func (r *TunnelingRequest) Message() TelegramSource { return r.message }

// Packet builds the generic envelope. The telegram bytes are read now, not at
// construction time.
func (r *TunnelingRequest) Packet() *Packet {
	var raw []byte
	if r.message != nil {
		raw = r.message.RawBytes()
	}
	payload := make([]byte, 0, ConnectionHeaderLen+len(raw))
	payload = append(payload, ConnectionHeader{ChannelID: r.channelID, Sequence: r.sequence}.Bytes()...)
	payload = append(payload, raw...)
	return &Packet{ServiceType: SvcTunnelingRequest, Payload: payload}
}

// Bytes returns the full wire encoding.
func (r *TunnelingRequest) Bytes() []byte {
	return r.Packet().Bytes()
}

func (r *TunnelingRequest) String() string {
	return fmt.Sprintf("tunneling.request channel=%d seq=%d %s", r.channelID, r.sequence, r.Packet())
}

// ParseTunnelingRequest interprets an envelope as a tunneling request. The
// telegram is returned as a RawTelegram copy.
func ParseTunnelingRequest(p *Packet) (*TunnelingRequest, error) {
	if p.ServiceType != SvcTunnelingRequest {
		return nil, malformed("service type", int(p.ServiceType), "expected tunneling.request")
	}
	hdr, err := ParseConnectionHeader(p.Payload)
	if err != nil {
		return nil, err
	}
	telegram := append(RawTelegram(nil), p.Payload[ConnectionHeaderLen:]...)
	return &TunnelingRequest{channelID: hdr.ChannelID, sequence: hdr.Sequence, message: telegram}, nil
}

// TunnelingAck acknowledges a tunneling request on the same channel and sequence.
type TunnelingAck struct {
	ChannelID byte
	Sequence  byte
	Status    byte
}

// Packet builds the generic envelope.
func (a *TunnelingAck) Packet() *Packet {
	hdr := ConnectionHeader{ChannelID: a.ChannelID, Sequence: a.Sequence, Status: a.Status}
	return &Packet{ServiceType: SvcTunnelingAck, Payload: hdr.Bytes()}
}

// Bytes returns the full wire encoding.
func (a *TunnelingAck) Bytes() []byte {
	return a.Packet().Bytes()
}

// ParseTunnelingAck interprets an envelope as a tunneling ack.
func ParseTunnelingAck(p *Packet) (*TunnelingAck, error) {
	if p.ServiceType != SvcTunnelingAck {
		return nil, malformed("service type", int(p.ServiceType), "expected tunneling.ack")
	}
	hdr, err := ParseConnectionHeader(p.Payload)
	if err != nil {
		return nil, err
	}
	return &TunnelingAck{ChannelID: hdr.ChannelID, Sequence: hdr.Sequence, Status: hdr.Status}, nil
}
