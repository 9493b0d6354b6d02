package net

import (
	"fmt"
	"net"
)

// FreeTCPAddr returns host:port with a port that was free on host when it was checked.
func FreeTCPAddr(host string) (string, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}
