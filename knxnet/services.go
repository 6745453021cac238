// Package knxnet implements the KNXnet/IP frame layer: the 6-byte common
// header, the service type registry, and the tunneling connection bodies.
package knxnet

import (
	"fmt"
	"sort"
)

// KNXnet/IP service type codes.
const (
	SvcSearchRequest           uint16 = 0x0201
	SvcSearchResponse          uint16 = 0x0202
	SvcDescriptionRequest      uint16 = 0x0203
	SvcDescriptionResponse     uint16 = 0x0204
	SvcConnectionRequest       uint16 = 0x0205
	SvcConnectionResponse      uint16 = 0x0206
	SvcConnectionStateRequest  uint16 = 0x0207
	SvcConnectionStateResponse uint16 = 0x0208
	SvcDisconnectRequest       uint16 = 0x0209
	SvcDisconnectResponse      uint16 = 0x020a
	SvcConfigurationRequest    uint16 = 0x0310
	SvcConfigurationAck        uint16 = 0x0311
	SvcTunnelingRequest        uint16 = 0x0420
	SvcTunnelingAck            uint16 = 0x0421
	SvcRoutingIndication       uint16 = 0x0530
	SvcRoutingLostMessage      uint16 = 0x0531
)

// ServiceEntry is one row of the service registry.
type ServiceEntry struct {
	Code uint16 `json:"code"`
	Name string `json:"name"`
}

var serviceTable = []ServiceEntry{
	{SvcSearchRequest, "search.request"},
	{SvcSearchResponse, "search.response"},
	{SvcDescriptionRequest, "description.request"},
	{SvcDescriptionResponse, "description.response"},
	{SvcConnectionRequest, "connection.request"},
	{SvcConnectionResponse, "connection.response"},
	{SvcConnectionStateRequest, "connectionstate.request"},
	{SvcConnectionStateResponse, "connectionstate.response"},
	{SvcDisconnectRequest, "disconnect.request"},
	{SvcDisconnectResponse, "disconnect.response"},
	{SvcConfigurationRequest, "configuration.request"},
	{SvcConfigurationAck, "configuration.ack"},
	{SvcTunnelingRequest, "tunneling.request"},
	{SvcTunnelingAck, "tunneling.ack"},
	{SvcRoutingIndication, "routing.indication"},
	{SvcRoutingLostMessage, "routing.lostmessage"},
}

// Both directions are built once and only read afterwards.
var (
	serviceNames = make(map[uint16]string, len(serviceTable))
	serviceCodes = make(map[string]uint16, len(serviceTable))
)

func init() {
	for _, e := range serviceTable {
		serviceNames[e.Code] = e.Name
		serviceCodes[e.Name] = e.Code
	}
}

// ServiceName returns the canonical name for a service type code, or
// "0xhhll" for unregistered codes.
func ServiceName(code uint16) string {
	if name, ok := serviceNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x%02x", byte(code>>8), byte(code))
}

// ServiceCode returns the service type code registered under name.
func ServiceCode(name string) (uint16, error) {
	code, ok := serviceCodes[name]
	if !ok {
		return 0, &LookupError{Name: name}
	}
	return code, nil
}

// Services returns a copy of the registry ordered by code.
func Services() []ServiceEntry {
	out := make([]ServiceEntry, len(serviceTable))
	copy(out, serviceTable)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
