package knxnet

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed matches every *MalformedPacketError via errors.Is.
var ErrMalformed = errors.New("knxnet: malformed packet")

// MalformedPacketError reports a header or body field holding an unexpected value.
type MalformedPacketError struct {
	Field  string // Wire field that failed validation
	Value  int    // Offending value (length, byte, or code)
	Reason string
}

// Error implements the error interface. Lengths print in decimal, service
// types as four hex digits, other fields as a hex byte.
func (e *MalformedPacketError) Error() string {
	var value string
	switch {
	case strings.HasSuffix(e.Field, "length"):
		value = fmt.Sprintf("%d", e.Value)
	case e.Field == "service type":
		value = fmt.Sprintf("0x%04x", e.Value)
	default:
		value = fmt.Sprintf("0x%02x", e.Value)
	}
	return fmt.Sprintf("knxnet: unexpected %s %s: %s", e.Field, value, e.Reason)
}

// Is lets errors.Is(err, ErrMalformed) match.
func (e *MalformedPacketError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(field string, value int, format string, args ...interface{}) error {
	return &MalformedPacketError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// LookupError is returned by ServiceCode for names missing from the registry.
type LookupError struct {
	Name string
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	return fmt.Sprintf("knxnet: unknown service name %q", e.Name)
}
