package netns

import (
	"fmt"
	"strconv"
	"strings"
)

// PortMapping is a single host-to-guest port forward request, parsed
// from the CLI's HOST:GUEST/PROTO shorthand.
type PortMapping struct {
	HostPort  uint16
	GuestPort uint16
	Proto     string // "tcp" or "udp"
}

// ParsePortMapping parses "HOST:GUEST/PROTO". It succeeds iff HOST and
// GUEST parse as unsigned 16-bit integers and PROTO is tcp or udp.
func ParsePortMapping(s string) (PortMapping, error) {
	hostGuest, proto, ok := strings.Cut(s, "/")
	if !ok {
		return PortMapping{}, fmt.Errorf("netns: port mapping %q missing /proto suffix", s)
	}
	proto = strings.ToLower(proto)
	if proto != "tcp" && proto != "udp" {
		return PortMapping{}, fmt.Errorf("netns: port mapping %q has unsupported proto %q", s, proto)
	}

	hostStr, guestStr, ok := strings.Cut(hostGuest, ":")
	if !ok {
		return PortMapping{}, fmt.Errorf("netns: port mapping %q missing host:guest separator", s)
	}

	host, err := strconv.ParseUint(hostStr, 10, 16)
	if err != nil {
		return PortMapping{}, fmt.Errorf("netns: port mapping %q has invalid host port: %w", s, err)
	}
	guest, err := strconv.ParseUint(guestStr, 10, 16)
	if err != nil {
		return PortMapping{}, fmt.Errorf("netns: port mapping %q has invalid guest port: %w", s, err)
	}

	return PortMapping{HostPort: uint16(host), GuestPort: uint16(guest), Proto: proto}, nil
}

// String renders a PortMapping back to HOST:GUEST/PROTO form.
func (m PortMapping) String() string {
	return fmt.Sprintf("%d:%d/%s", m.HostPort, m.GuestPort, m.Proto)
}
