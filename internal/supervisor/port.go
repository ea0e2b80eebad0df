package supervisor

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// FreePort asks the OS for an unused TCP port on host.
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("allocate port: unexpected address %s", ln.Addr())
	}
	return addr.Port, nil
}

// PortAvailable reports whether host:port can be bound right now.
// The test listener is closed before returning.
func PortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// ResolvePort picks the port the runtime should listen on.
//
// A zero port always means "any free port". A busy configured port falls
// back to a free one unless pinned is set, in which case it is an error.
func ResolvePort(host string, port int, pinned bool, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if port <= 0 {
		return FreePort(host)
	}
	if PortAvailable(host, port) {
		return port, nil
	}
	if pinned {
		return 0, fmt.Errorf("port %d on %s is already in use", port, host)
	}
	free, err := FreePort(host)
	if err != nil {
		return 0, err
	}
	logger.Warn("configured runtime port busy, falling back to a free port",
		"host", host,
		"port", port,
		"fallback_port", free)
	return free, nil
}
