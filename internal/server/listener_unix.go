//go:build !windows

package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// socketPath returns the unix socket the daemon listens on.
func socketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "warpmux.sock")
	}
	return filepath.Join(os.TempDir(), "warpmux.sock")
}

// createListener creates a unix socket listener with TCP fallback.
// Transport priority: unix socket > TCP.
func (s *Server) createListener() (net.Listener, error) {
	path := socketPath()
	_ = os.Remove(path)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		s.log.Warning("unix socket unavailable: %v", err)
		s.log.Warning("falling back to tcp")
		tcpListener, tcpErr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
		if tcpErr != nil {
			return nil, fmt.Errorf("error listening: %w", tcpErr)
		}
		return tcpListener, nil
	}
	_ = os.Chmod(path, 0o600)
	return l, nil
}
