// Package apnstest provides an in-process HTTP/2 server that speaks
// just enough of the APNs wire contract to exercise a ConnectionEndpoint
// without reaching the real service. It is test-only scaffolding, not
// a production mock-server feature.
package apnstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Handler decides how the server responds to one push request.
type Handler func(r *http.Request) Reply

// Reply is the scripted response for one request.
type Reply struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Server is a TLS-and-ALPN-h2 HTTP/2 server suitable for dialing with
// a raw http2.Framer client, backed by httptest's built-in HTTP/2
// support.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	handler Handler
}

// New starts a server that answers every request using h.
func New(h Handler) *Server {
	s := &Server{handler: h}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(s.serveHTTP))
	ts.EnableHTTP2 = true
	ts.StartTLS()
	s.Server = ts
	return s
}

// SetHandler replaces the response script.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	reply := h(r)
	for name, value := range reply.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(reply.Status)
	if len(reply.Body) > 0 {
		_, _ = w.Write(reply.Body)
	}
}

// Addr returns the host:port a raw TCP+TLS client should dial.
func (s *Server) Addr() string {
	return strings.TrimPrefix(s.URL, "https://")
}
