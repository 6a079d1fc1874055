package httpengine

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/warpdl/warpmux/pkg/engine"
)

// Transfer options understood by this engine. Unknown option keys are
// rejected at Add time.
const (
	// OptURL is the request URL (string, required, http scheme only).
	OptURL engine.Option = "url"
	// OptMethod is the request method (string, default GET).
	OptMethod engine.Option = "method"
	// OptHeaders is the extra request headers (map[string]string).
	OptHeaders engine.Option = "headers"
	// OptWriteTo is the body sink (io.Writer). Without it the body is
	// counted and discarded.
	OptWriteTo engine.Option = "write-to"
	// OptProgressFunc is a per-chunk progress callback
	// (func(received, total int64); total is -1 when unknown).
	OptProgressFunc engine.Option = "progress"
	// OptConnectTimeout bounds connection establishment
	// (time.Duration, default 30s).
	OptConnectTimeout engine.Option = "connect-timeout"
)

// ProgressFunc receives the running byte count after every body chunk.
// total is -1 when the server did not announce a length.
type ProgressFunc func(received, total int64)

const defaultConnectTimeout = 30 * time.Second

// request is the validated form of an engine.Config.
type request struct {
	url            *url.URL
	method         string
	headers        map[string]string
	sink           io.Writer
	progress       ProgressFunc
	connectTimeout time.Duration
}

// parseConfig validates cfg into a request. Every failure wraps
// engine.ErrRejected so the coordinator surfaces it synchronously.
func parseConfig(cfg engine.Config) (*request, error) {
	req := &request{
		method:         "GET",
		connectTimeout: defaultConnectTimeout,
	}
	for opt, val := range cfg {
		switch opt {
		case OptURL:
			s, ok := val.(string)
			if !ok {
				return nil, rejectf("option %q must be a string", opt)
			}
			u, err := url.Parse(s)
			if err != nil {
				return nil, rejectf("invalid url %q: %v", s, err)
			}
			if u.Scheme != "http" {
				return nil, rejectf("unsupported scheme %q (this engine speaks plain http only)", u.Scheme)
			}
			if u.Host == "" {
				return nil, rejectf("url %q has no host", s)
			}
			req.url = u
		case OptMethod:
			s, ok := val.(string)
			if !ok || s == "" {
				return nil, rejectf("option %q must be a non-empty string", opt)
			}
			req.method = s
		case OptHeaders:
			h, ok := val.(map[string]string)
			if !ok {
				return nil, rejectf("option %q must be a map[string]string", opt)
			}
			req.headers = h
		case OptWriteTo:
			w, ok := val.(io.Writer)
			if !ok {
				return nil, rejectf("option %q must be an io.Writer", opt)
			}
			req.sink = w
		case OptProgressFunc:
			switch fn := val.(type) {
			case ProgressFunc:
				req.progress = fn
			case func(received, total int64):
				req.progress = fn
			default:
				return nil, rejectf("option %q must be a ProgressFunc", opt)
			}
		case OptConnectTimeout:
			d, ok := val.(time.Duration)
			if !ok || d <= 0 {
				return nil, rejectf("option %q must be a positive time.Duration", opt)
			}
			req.connectTimeout = d
		default:
			return nil, rejectf("unknown option %q", opt)
		}
	}
	if req.url == nil {
		return nil, rejectf("option %q is required", OptURL)
	}
	return req, nil
}

func rejectf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", engine.ErrRejected, fmt.Sprintf(format, args...))
}

// hostPort returns the dial target, defaulting the port to 80.
func (r *request) hostPort() (host, port string) {
	host = r.url.Hostname()
	port = r.url.Port()
	if port == "" {
		port = "80"
	}
	return host, port
}

// requestTarget returns the path and query to put on the request line.
func (r *request) requestTarget() string {
	target := r.url.RequestURI()
	if target == "" {
		target = "/"
	}
	return target
}
