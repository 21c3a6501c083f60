package net

import (
	"fmt"
	"net"
)

func GetEphemeralTCPPort() (int, error) {
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

// CheckTCPPortsFree returns an error naming the first port that cannot be bound on all interfaces.
func CheckTCPPortsFree(ports ...int) error {
	for _, p := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			return fmt.Errorf("port %d is not available: %w", p, err)
		}
		listener.Close()
	}
	return nil
}
