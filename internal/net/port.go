package net

import (
	"fmt"
	"net"
)

// EphemeralTCPPort asks the kernel for a free localhost port. Another process may take it
// before the caller binds it, so it is only suitable where that race is acceptable, such as
// handing an address to a server started in a child process.
func EphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralEndpoint returns an endpoint string of the given scheme on a free localhost port.
func EphemeralEndpoint(scheme string) (string, error) {
	port, err := EphemeralTCPPort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, port), nil
}
