package httpengine

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// headTerminator separates the response head from the body.
var headTerminator = []byte("\r\n\r\n")

// errChunked reports a transfer coding this engine does not implement.
// Requests are sent as HTTP/1.0 precisely so servers never use it, but
// a misbehaving peer is handled rather than misparsed.
var errChunked = errors.New("chunked transfer encoding not supported")

// responseHead is the parsed status line and headers of a response.
type responseHead struct {
	proto         string
	status        int
	contentLength int64 // -1 when the server did not announce one
	header        textproto.MIMEHeader
}

// parseHead parses a complete response head (everything up to and
// excluding the blank line).
func parseHead(head []byte) (*responseHead, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	code, _, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 || status > 599 {
		return nil, fmt.Errorf("malformed status code in %q", line)
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read headers: %w", err)
	}

	rh := &responseHead{
		proto:         proto,
		status:        status,
		contentLength: -1,
		header:        header,
	}
	if strings.Contains(strings.ToLower(header.Get("Transfer-Encoding")), "chunked") {
		return nil, errChunked
	}
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed Content-Length %q", cl)
		}
		rh.contentLength = n
	}
	return rh, nil
}
