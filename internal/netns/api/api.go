// Package api defines the JSON wire types exchanged with the network
// helper's Unix-domain control socket: a single request, a single
// response, nothing else. slirp4netns and compatible daemons speak this
// QMP-derived protocol natively.
package api

import "encoding/json"

// AddHostFwdRequest asks the network helper to forward a host port to a
// port inside the sandboxed network namespace.
type AddHostFwdRequest struct {
	Execute   string            `json:"execute"`
	Arguments AddHostFwdCommand `json:"arguments"`
}

// AddHostFwdCommand is the request's arguments object.
type AddHostFwdCommand struct {
	Proto     string `json:"proto"`
	HostPort  uint16 `json:"host_port"`
	GuestPort uint16 `json:"guest_port"`
}

// NewAddHostFwd builds the single request shape expose_port sends.
func NewAddHostFwd(proto string, hostPort, guestPort uint16) AddHostFwdRequest {
	return AddHostFwdRequest{
		Execute: "add_hostfwd",
		Arguments: AddHostFwdCommand{
			Proto:     proto,
			HostPort:  hostPort,
			GuestPort: guestPort,
		},
	}
}

// Response is the daemon's single reply. Exactly one of Return/Error is
// populated: a present "return" key (value ignored) means success, a
// present "error" key carries the failure message verbatim.
type Response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  string          `json:"error,omitempty"`
}
