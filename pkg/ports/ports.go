package ports

import (
	"fmt"
	"math/rand"
	"net"
)

// ListenEphemeral binds a listener on an OS-assigned loopback port.
// The relay uses this by default so the caller never has to guess a
// free port; the chosen port is read back from the listener address.
func ListenEphemeral() (net.Listener, int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to bind ephemeral port: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

// ListenInRange binds a listener on a loopback port in [minPort, maxPort].
// Ports are probed in random order to reduce collisions between
// concurrently starting instances.
func ListenInRange(minPort, maxPort int) (net.Listener, int, error) {
	if minPort > maxPort {
		return nil, 0, fmt.Errorf("minPort (%d) must be <= maxPort (%d)", minPort, maxPort)
	}

	maxAttempts := 50
	if span := maxPort - minPort + 1; span < maxAttempts {
		maxAttempts = span
	}

	for attempts := 0; attempts < maxAttempts; attempts++ {
		port := minPort + rand.Intn(maxPort-minPort+1)
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return listener, port, nil
		}
	}

	return nil, 0, fmt.Errorf("unable to find available port after %d attempts in range %d-%d", maxAttempts, minPort, maxPort)
}

// IsAvailable checks if a loopback port is available by attempting to
// listen on it
func IsAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	defer listener.Close()
	return true
}
