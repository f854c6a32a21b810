/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"fmt"
	"net"
)

// protocolBasePorts are the preferred base ports TCP transports scan near,
// keyed by the wire protocol hint in a transport config.
var protocolBasePorts = map[string]int{
	"minecraft": 25566,
	"terraria":  7778,
}

const defaultTCPBasePort = 8001

// listenFreePort binds the first free TCP port in [low, high).
func listenFreePort(low, high int) (net.Listener, error) {
	for port := low; port < high; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free port in [%d, %d)", low, high)
}

// listenNearBasePort binds the first free TCP port starting at the
// protocol's preferred base port and scanning up to span ports past it.
func listenNearBasePort(protocol string, span int) (net.Listener, error) {
	base, ok := protocolBasePorts[protocol]
	if !ok {
		base = defaultTCPBasePort
	}
	return listenFreePort(base, base+span)
}
