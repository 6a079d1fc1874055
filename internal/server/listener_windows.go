//go:build windows

package server

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// pipeSecurityDescriptor restricts pipe access to SYSTEM, built-in
// Administrators and the Creator Owner, so other local users cannot
// drive the daemon.
const pipeSecurityDescriptor = "D:(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;CO)"

// pipePath is the named pipe the daemon listens on.
const pipePath = `\\.\pipe\warpmux`

// createListener creates a named pipe listener with TCP fallback.
// Transport priority: named pipe > TCP.
func (s *Server) createListener() (net.Listener, error) {
	cfg := &winio.PipeConfig{SecurityDescriptor: pipeSecurityDescriptor}
	l, err := winio.ListenPipe(pipePath, cfg)
	if err != nil {
		s.log.Warning("named pipe unavailable: %v", err)
		s.log.Warning("falling back to tcp (firewall prompts may occur)")
		tcpListener, tcpErr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
		if tcpErr != nil {
			return nil, fmt.Errorf("error listening: %w", tcpErr)
		}
		return tcpListener, nil
	}
	return l, nil
}
