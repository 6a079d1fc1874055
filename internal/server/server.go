// Package server exposes a warpmux coordinator to CLI and web clients
// over JSON-RPC 2.0. The primary transport is a unix socket (named
// pipe on Windows) with TCP fallback; an optional HTTP endpoint
// bridges the same methods over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"

	"github.com/warpdl/warpmux/internal/history"
	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/logger"
	"github.com/warpdl/warpmux/pkg/multiloop"
)

// ConfigBuilder renders an RPC start request into an engine config.
// The daemon binary wires this to its engine's option names, keeping
// the server itself engine-agnostic.
type ConfigBuilder func(p *StartParams, sink io.Writer, progress func(received, total int64)) engine.Config

// Options configures a Server.
type Options struct {
	// Version is reported by system.getVersion.
	Version string
	// Port is the TCP fallback port when the socket transport is
	// unavailable.
	Port int
	// History, when non-nil, receives every finished transfer. The
	// server does not take ownership; the caller closes it.
	History *history.Store
	// RetainFinished caps how many finished transfers stay queryable
	// through transfer.status and transfer.list. Older ones are
	// evicted once the history store (if any) has them. Zero means the
	// default of 100.
	RetainFinished int
}

// Server manages RPC connections and the transfers they start. It
// takes ownership of the coordinator: Close shuts it down after the
// listener stops accepting.
type Server struct {
	log   logger.Logger
	coord *multiloop.Coordinator
	build ConfigBuilder
	hist  *history.Store

	version string
	port    int

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	active   map[string]*managed
	doneIDs  []string
	closed   bool

	retain int

	nextID uint64
	wg     sync.WaitGroup
}

// managed is one transfer started over RPC.
type managed struct {
	id      string
	url     string
	t       *multiloop.Transfer
	op      *multiloop.PerformOp
	started time.Time

	received atomic.Int64
	total    atomic.Int64

	mu      sync.Mutex
	done    bool
	outcome engine.Outcome
	err     error

	sink io.Closer // nil when the body goes nowhere closable
}

func (m *managed) onProgress(received, total int64) {
	m.received.Store(received)
	m.total.Store(total)
}

// NewServer creates a Server around an already-running coordinator.
func NewServer(l logger.Logger, coord *multiloop.Coordinator, build ConfigBuilder, opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	retain := opts.RetainFinished
	if retain <= 0 {
		retain = 100
	}
	return &Server{
		log:     l,
		coord:   coord,
		build:   build,
		hist:    opts.History,
		version: opts.Version,
		port:    opts.Port,
		retain:  retain,
		conns:   make(map[net.Conn]struct{}),
		active:  make(map[string]*managed),
	}
}

// Serve accepts connections until Close. Each connection speaks
// line-delimited JSON-RPC 2.0.
func (s *Server) Serve() error {
	l, err := s.createListener()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	if !s.addConn(conn) {
		return
	}
	defer s.dropConn(conn)
	srv := jrpc2.NewServer(s.methods(), nil)
	srv.Start(channel.Line(conn, conn))
	if err := srv.Wait(); err != nil {
		s.log.Warning("rpc connection ended: %v", err)
	}
}

// addConn tracks a live connection so Close can interrupt it. It
// reports false when the server is already closing.
func (s *Server) addConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, severs every live connection (so idle
// clients cannot park the shutdown), shuts the coordinator down
// (resolving every active transfer) and waits for in-flight work to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	err := s.coord.Close()
	s.wg.Wait()
	return err
}

// gid formats a transfer id the way clients see it.
func gid(n uint64) string {
	return fmt.Sprintf("t%06d", n)
}

// track registers m under a fresh id.
func (s *Server) track(m *managed) string {
	id := gid(atomic.AddUint64(&s.nextID, 1))
	m.id = id
	s.mu.Lock()
	s.active[id] = m
	s.mu.Unlock()
	return id
}

func (s *Server) lookup(id string) (*managed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.active[id]
	return m, ok
}

func (s *Server) snapshot() []*managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*managed, 0, len(s.active))
	for _, m := range s.active {
		out = append(out, m)
	}
	return out
}

// watch waits for the transfer to resolve, then records it.
func (s *Server) watch(m *managed) {
	defer s.wg.Done()
	out, err := m.op.Await(context.Background())

	m.mu.Lock()
	m.done = true
	m.outcome = out
	m.err = err
	m.mu.Unlock()

	if m.sink != nil {
		if cerr := m.sink.Close(); cerr != nil {
			s.log.Warning("%s: close output: %v", m.id, cerr)
		}
	}
	if err != nil && !errors.Is(err, multiloop.ErrStopped) && !errors.Is(err, multiloop.ErrShutdown) {
		s.log.Error("%s: transfer failed: %v", m.id, err)
	}
	if s.hist != nil {
		entry := history.Entry{
			URL:        m.url,
			Code:       out.Code,
			Bytes:      out.BytesReceived,
			Duration:   time.Since(m.started),
			FinishedAt: time.Now(),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if herr := s.hist.Record(entry); herr != nil {
			s.log.Warning("%s: record history: %v", m.id, herr)
		}
	}
	s.evictFinished(m.id)
}

// evictFinished keeps at most retain finished transfers queryable,
// dropping the oldest beyond that. Running in the last few lines of
// watch means an entry is only evicted after its result has been
// recorded everywhere.
func (s *Server) evictFinished(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneIDs = append(s.doneIDs, id)
	for len(s.doneIDs) > s.retain {
		delete(s.active, s.doneIDs[0])
		s.doneIDs = s.doneIDs[1:]
	}
}
