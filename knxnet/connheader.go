package knxnet

// ConnectionHeaderLen is the fixed size of the tunneling connection header.
const ConnectionHeaderLen = 0x04

// ConnectionHeader is the 4-byte prefix of tunneling request and ack bodies.
// The last byte is reserved (0x00) in requests and carries the status in acks.
type ConnectionHeader struct {
	ChannelID byte
	Sequence  byte
	Status    byte
}

// Bytes returns the header as a byte slice.
func (h ConnectionHeader) Bytes() []byte {
	return []byte{ConnectionHeaderLen, h.ChannelID, h.Sequence, h.Status}
}

// ParseConnectionHeader parses the connection header at the start of data.
func ParseConnectionHeader(data []byte) (ConnectionHeader, error) {
	if len(data) < ConnectionHeaderLen {
		return ConnectionHeader{}, malformed("connection header length", len(data),
			"need %d bytes", ConnectionHeaderLen)
	}
	if data[0] != ConnectionHeaderLen {
		return ConnectionHeader{}, malformed("connection header length", int(data[0]),
			"expected %d", ConnectionHeaderLen)
	}
	return ConnectionHeader{ChannelID: data[1], Sequence: data[2], Status: data[3]}, nil
}
