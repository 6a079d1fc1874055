package server

import (
	"net/http"

	"github.com/creachadair/jrpc2"

	cws "github.com/coder/websocket"
)

// WSHandler returns an http.Handler that upgrades requests to
// WebSocket and bridges them to the server's JSON-RPC methods. Mount
// it wherever the daemon serves HTTP, e.g. on /rpc.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := cws.Accept(w, r, nil)
		if err != nil {
			s.log.Warning("websocket accept: %v", err)
			return
		}
		ch := &wsChannel{conn: conn, ctx: r.Context()}
		srv := jrpc2.NewServer(s.methods(), nil)
		srv.Start(ch)
		if err := srv.Wait(); err != nil {
			s.log.Warning("websocket rpc ended: %v", err)
		}
		_ = ch.Close()
	})
}

// ServeWeb serves the WebSocket RPC bridge on addr until the listener
// fails or the server closes. Intended to run in its own goroutine.
func (s *Server) ServeWeb(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/rpc", s.WSHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	s.log.Info("websocket rpc on ws://%s/rpc", addr)
	return srv.ListenAndServe()
}
