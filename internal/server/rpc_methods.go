package server

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"github.com/warpdl/warpmux/pkg/engine"
	"github.com/warpdl/warpmux/pkg/multiloop"
)

// Custom JSON-RPC error codes for transfer operations.
const (
	codeRejected      = jrpc2.Code(-32001)
	codeNotFound      = jrpc2.Code(-32002)
	codeNotRegistered = jrpc2.Code(-32003)
	codeInvalidParams = jrpc2.Code(-32602)
)

// StartParams is the input for transfer.start.
type StartParams struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Output         string            `json:"output,omitempty"`
	ConnectTimeout string            `json:"connectTimeout,omitempty"` // Go duration string
}

// StartResult is the response for transfer.start.
type StartResult struct {
	ID string `json:"id"`
}

// IDParam is a common input with just a transfer id.
type IDParam struct {
	ID string `json:"id"`
}

// PauseParams is the input for transfer.pause.
type PauseParams struct {
	ID string `json:"id"`
	// Mask is "recv", "send" or "all" (default).
	Mask string `json:"mask,omitempty"`
}

// StatusResult is the response for transfer.status.
type StatusResult struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	State    string `json:"state"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
	Code     int    `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ListResult is the response for transfer.list.
type ListResult struct {
	Transfers []*StatusResult `json:"transfers"`
}

// HistoryParams is the input for history.recent.
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryItem is one entry in the history.recent response.
type HistoryItem struct {
	URL        string `json:"url"`
	Code       int    `json:"code"`
	Bytes      int64  `json:"bytes"`
	Duration   string `json:"duration"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finishedAt"`
}

// HistoryResult is the response for history.recent.
type HistoryResult struct {
	Entries []HistoryItem `json:"entries"`
}

// VersionResult is the response for system.getVersion.
type VersionResult struct {
	Version string `json:"version"`
}

// EmptyResult is a placeholder for methods that return no data.
type EmptyResult struct{}

// methods builds the JSON-RPC method table.
func (s *Server) methods() handler.Map {
	return handler.Map{
		"transfer.start":    handler.New(s.transferStart),
		"transfer.stop":     handler.New(s.transferStop),
		"transfer.pause":    handler.New(s.transferPause),
		"transfer.resume":   handler.New(s.transferResume),
		"transfer.status":   handler.New(s.transferStatus),
		"transfer.list":     handler.New(s.transferList),
		"history.recent":    handler.New(s.historyRecent),
		"system.getVersion": handler.New(s.systemGetVersion),
	}
}

func (s *Server) transferStart(ctx context.Context, p StartParams) (*StartResult, error) {
	if p.URL == "" {
		return nil, jrpc2.Errorf(codeInvalidParams, "url is required")
	}
	if s.isClosed() {
		return nil, jrpc2.Errorf(jrpc2.InternalError, "server is shutting down")
	}

	var sink io.Writer
	m := &managed{url: p.URL, started: time.Now()}
	m.total.Store(-1)
	if p.Output != "" {
		f, err := os.Create(p.Output)
		if err != nil {
			return nil, jrpc2.Errorf(codeInvalidParams, "cannot create output file: %v", err)
		}
		sink = f
		m.sink = f
	}

	cfg := s.build(&p, sink, m.onProgress)
	t := multiloop.NewTransfer(cfg)
	op, err := s.coord.Perform(t)
	if err != nil {
		if m.sink != nil {
			m.sink.Close()
			os.Remove(p.Output)
		}
		if errors.Is(err, engine.ErrRejected) {
			return nil, jrpc2.Errorf(codeRejected, "engine rejected transfer: %v", err)
		}
		return nil, jrpc2.Errorf(jrpc2.InternalError, "start transfer: %v", err)
	}
	m.t = t
	m.op = op
	id := s.track(m)

	s.wg.Add(1)
	go s.watch(m)

	s.log.Info("%s: started %s", id, p.URL)
	return &StartResult{ID: id}, nil
}

func (s *Server) transferStop(ctx context.Context, p IDParam) (*EmptyResult, error) {
	m, ok := s.lookup(p.ID)
	if !ok {
		return nil, jrpc2.Errorf(codeNotFound, "no transfer %q", p.ID)
	}
	if err := s.coord.Stop(m.t); err != nil {
		if errors.Is(err, multiloop.ErrNotRegistered) {
			return nil, jrpc2.Errorf(codeNotRegistered, "transfer %q is not active", p.ID)
		}
		return nil, jrpc2.Errorf(jrpc2.InternalError, "stop transfer: %v", err)
	}
	s.log.Info("%s: stopped", p.ID)
	return &EmptyResult{}, nil
}

func (s *Server) transferPause(ctx context.Context, p PauseParams) (*EmptyResult, error) {
	m, ok := s.lookup(p.ID)
	if !ok {
		return nil, jrpc2.Errorf(codeNotFound, "no transfer %q", p.ID)
	}
	mask, err := parsePauseMask(p.Mask)
	if err != nil {
		return nil, jrpc2.Errorf(codeInvalidParams, "%v", err)
	}
	if err := s.coord.Pause(m.t, mask); err != nil {
		if errors.Is(err, multiloop.ErrNotRegistered) {
			return nil, jrpc2.Errorf(codeNotRegistered, "transfer %q is not active", p.ID)
		}
		return nil, jrpc2.Errorf(jrpc2.InternalError, "pause transfer: %v", err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) transferResume(ctx context.Context, p IDParam) (*EmptyResult, error) {
	m, ok := s.lookup(p.ID)
	if !ok {
		return nil, jrpc2.Errorf(codeNotFound, "no transfer %q", p.ID)
	}
	if err := s.coord.Resume(m.t); err != nil {
		if errors.Is(err, multiloop.ErrNotRegistered) {
			return nil, jrpc2.Errorf(codeNotRegistered, "transfer %q is not active", p.ID)
		}
		return nil, jrpc2.Errorf(jrpc2.InternalError, "resume transfer: %v", err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) transferStatus(ctx context.Context, p IDParam) (*StatusResult, error) {
	m, ok := s.lookup(p.ID)
	if !ok {
		return nil, jrpc2.Errorf(codeNotFound, "no transfer %q", p.ID)
	}
	return m.status(), nil
}

func (s *Server) transferList(ctx context.Context) (*ListResult, error) {
	all := s.snapshot()
	res := &ListResult{Transfers: make([]*StatusResult, 0, len(all))}
	for _, m := range all {
		res.Transfers = append(res.Transfers, m.status())
	}
	return res, nil
}

func (s *Server) historyRecent(ctx context.Context, p HistoryParams) (*HistoryResult, error) {
	if s.hist == nil {
		return &HistoryResult{}, nil
	}
	limit := p.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	entries, err := s.hist.Recent(limit)
	if err != nil {
		return nil, jrpc2.Errorf(jrpc2.InternalError, "query history: %v", err)
	}
	res := &HistoryResult{Entries: make([]HistoryItem, 0, len(entries))}
	for _, e := range entries {
		res.Entries = append(res.Entries, HistoryItem{
			URL:        e.URL,
			Code:       e.Code,
			Bytes:      e.Bytes,
			Duration:   e.Duration.String(),
			Error:      e.Error,
			FinishedAt: e.FinishedAt.Format(time.RFC3339),
		})
	}
	return res, nil
}

func (s *Server) systemGetVersion(ctx context.Context) (*VersionResult, error) {
	return &VersionResult{Version: s.version}, nil
}

// status renders the managed transfer for clients.
func (m *managed) status() *StatusResult {
	res := &StatusResult{
		ID:       m.id,
		URL:      m.url,
		Received: m.received.Load(),
		Total:    m.total.Load(),
		State:    m.t.State().String(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		res.Code = m.outcome.Code
		if m.err != nil {
			res.Error = m.err.Error()
		}
	}
	return res
}

// parsePauseMask maps the wire mask names onto engine masks.
func parsePauseMask(s string) (engine.PauseMask, error) {
	switch s {
	case "", "all":
		return engine.PauseAll, nil
	case "recv":
		return engine.PauseRecv, nil
	case "send":
		return engine.PauseSend, nil
	default:
		return 0, errors.New(`mask must be "recv", "send" or "all"`)
	}
}
