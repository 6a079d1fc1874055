//go:build unix

package httpengine

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warpdl/warpmux/pkg/engine"
)

type xferState int

const (
	// xferPending: registered, waiting for the kick-start timeout.
	xferPending xferState = iota
	// xferConnecting: non-blocking connect in flight, wants write.
	xferConnecting
	// xferSending: writing the request bytes, wants write.
	xferSending
	// xferReceiving: reading the response, wants read.
	xferReceiving
	// xferDone: completion queued, socket released.
	xferDone
)

// transfer is the engine-side state of one registered transfer.
type transfer struct {
	tok engine.Token
	req *request

	fd    int
	state xferState

	out      []byte // unsent request bytes
	head     []byte // accumulated response head
	headDone bool

	proto         string
	status        int
	contentLength int64
	received      int64

	deadline time.Time // connect deadline, zero once connected
	paused   engine.PauseMask
}

// startPending opens a connection for every transfer added since the
// last timeout action.
func (m *Multi) startPending() {
	pending := m.pending
	m.pending = nil
	for _, t := range pending {
		if t.state != xferPending {
			continue
		}
		m.start(t)
	}
	m.scheduleConnectDeadline()
}

// start resolves the target and begins a non-blocking connect.
// Name resolution is synchronous here; a production engine would
// resolve asynchronously, which is beyond this reference engine.
func (m *Multi) start(t *transfer) {
	host, port := t.req.hostPort()
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, port))
	if err != nil {
		m.complete(t, fmt.Errorf("resolve %s: %w", host, err))
		return
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		m.complete(t, os.NewSyscallError("socket", err))
		return
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())

	t.fd = fd
	t.contentLength = -1
	m.bySocket[fd] = t

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		// Connected immediately (e.g. loopback).
		m.beginSending(t)
	case err == unix.EINPROGRESS:
		t.state = xferConnecting
		t.deadline = time.Now().Add(t.req.connectTimeout)
		m.applyInterest(t)
	default:
		m.complete(t, os.NewSyscallError("connect", err))
	}
}

// advance reacts to readiness on the transfer's socket.
func (m *Multi) advance(t *transfer, ev engine.EventMask) {
	switch t.state {
	case xferConnecting:
		if ev&(engine.EventWrite|engine.EventError) == 0 {
			return
		}
		soerr, err := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			m.complete(t, os.NewSyscallError("getsockopt", err))
			return
		}
		if soerr != 0 {
			m.complete(t, os.NewSyscallError("connect", unix.Errno(soerr)))
			return
		}
		t.deadline = time.Time{}
		m.beginSending(t)
	case xferSending:
		if ev&(engine.EventWrite|engine.EventError) != 0 {
			m.flushRequest(t)
		}
	case xferReceiving:
		if ev&(engine.EventRead|engine.EventError) != 0 {
			m.readResponse(t)
		}
	}
}

// beginSending builds the request bytes and starts flushing them.
func (m *Multi) beginSending(t *transfer) {
	t.out = buildRequest(t.req)
	t.state = xferSending
	m.applyInterest(t)
	m.flushRequest(t)
}

// flushRequest writes as much of the request as the socket accepts.
func (m *Multi) flushRequest(t *transfer) {
	for len(t.out) > 0 {
		n, err := unix.Write(t.fd, t.out)
		if n > 0 {
			t.out = t.out[n:]
		}
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			m.complete(t, os.NewSyscallError("write", err))
			return
		}
	}
	t.state = xferReceiving
	m.applyInterest(t)
}

// readResponse drains the socket until it would block or the response
// ends.
func (m *Multi) readResponse(t *transfer) {
	var buf [32 * 1024]byte
	for t.state == xferReceiving {
		n, err := unix.Read(t.fd, buf[:])
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
			continue
		case err != nil:
			m.complete(t, os.NewSyscallError("read", err))
			return
		case n == 0:
			m.finishAtEOF(t)
			return
		}
		if err := m.feed(t, buf[:n]); err != nil {
			m.complete(t, err)
			return
		}
	}
}

// feed consumes received bytes: first the response head, then the
// body.
func (m *Multi) feed(t *transfer, b []byte) error {
	if !t.headDone {
		t.head = append(t.head, b...)
		idx := bytes.Index(t.head, headTerminator)
		if idx < 0 {
			if len(t.head) > 1<<20 {
				return fmt.Errorf("response head exceeds 1MiB")
			}
			return nil
		}
		rh, err := parseHead(t.head[:idx])
		if err != nil {
			return err
		}
		rest := t.head[idx+len(headTerminator):]
		t.head = nil
		t.headDone = true
		t.proto = rh.proto
		t.status = rh.status
		t.contentLength = rh.contentLength
		if t.req.method == "HEAD" || t.contentLength == 0 {
			m.complete(t, nil)
			return nil
		}
		b = rest
	}
	if len(b) == 0 {
		return nil
	}
	return m.body(t, b)
}

// body delivers a chunk to the sink and checks for end of message.
func (m *Multi) body(t *transfer, b []byte) error {
	if t.contentLength >= 0 {
		if remaining := t.contentLength - t.received; int64(len(b)) > remaining {
			b = b[:remaining]
		}
	}
	if t.req.sink != nil {
		if _, err := t.req.sink.Write(b); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
	}
	t.received += int64(len(b))
	if t.req.progress != nil {
		t.req.progress(t.received, t.contentLength)
	}
	if t.contentLength >= 0 && t.received >= t.contentLength {
		m.complete(t, nil)
	}
	return nil
}

// finishAtEOF handles the server closing the connection.
func (m *Multi) finishAtEOF(t *transfer) {
	switch {
	case !t.headDone:
		m.complete(t, fmt.Errorf("connection closed before response head: %w", io.ErrUnexpectedEOF))
	case t.contentLength >= 0 && t.received < t.contentLength:
		m.complete(t, fmt.Errorf("connection closed with %d of %d body bytes: %w",
			t.received, t.contentLength, io.ErrUnexpectedEOF))
	default:
		// Close-delimited body ended.
		m.complete(t, nil)
	}
}

// expireConnects fails transfers whose connect deadline has passed.
func (m *Multi) expireConnects() {
	now := time.Now()
	var expired []*transfer
	for _, t := range m.bySocket {
		if t.state == xferConnecting && !t.deadline.IsZero() && t.deadline.Before(now) {
			expired = append(expired, t)
		}
	}
	// Deterministic completion order for simultaneous expiry.
	sort.Slice(expired, func(i, j int) bool { return expired[i].tok < expired[j].tok })
	for _, t := range expired {
		m.complete(t, fmt.Errorf("connect to %s timed out after %v", t.req.url.Host, t.req.connectTimeout))
	}
	m.scheduleConnectDeadline()
}

// scheduleConnectDeadline asks the loop to call back when the earliest
// connect deadline expires, or cancels the timer when none remain.
func (m *Multi) scheduleConnectDeadline() {
	if len(m.pending) > 0 {
		// A kick-start request is already outstanding.
		return
	}
	var earliest time.Time
	for _, t := range m.bySocket {
		if t.state != xferConnecting || t.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || t.deadline.Before(earliest) {
			earliest = t.deadline
		}
	}
	if earliest.IsZero() {
		m.requestTimer(-1)
		return
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	m.requestTimer(d)
}

// closeSocket releases t's descriptor and its loop subscription.
func (m *Multi) closeSocket(t *transfer) {
	if t.fd < 0 {
		return
	}
	m.requestSocket(t.fd, engine.WatchRemove)
	delete(m.bySocket, t.fd)
	_ = unix.Close(t.fd)
	t.fd = -1
}

// buildRequest renders the request head. Requests go out as HTTP/1.0
// with Connection: close so the response is either Content-Length
// delimited or close-delimited, never chunked.
func buildRequest(r *request) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.0\r\n", r.method, r.requestTarget())
	fmt.Fprintf(&b, "Host: %s\r\n", r.url.Host)
	for k, v := range r.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if _, ok := r.headers["User-Agent"]; !ok {
		fmt.Fprintf(&b, "User-Agent: warpmux/%s\r\n", Version)
	}
	b.WriteString("Connection: close\r\n\r\n")
	return b.Bytes()
}
