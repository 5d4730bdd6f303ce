// Package wiretest provides an in-process TCP peer speaking the frame
// protocol, for exercising session clients and orchestration scripts
// against scripted remote behavior. It exists for tests only.
package wiretest

import (
	"net"
	"sync"

	"github.com/cyberinferno/judge-dispatch/protocol"
)

// Handler produces the response frames for one inbound frame. Returning
// nil sends nothing, which lets a test hold responses back and batch them
// on a later frame. Handlers for one connection run serially in frame
// order.
type Handler func(cmd byte, body string) []protocol.Frame

// Reply builds a one-frame response slice.
func Reply(tag byte, body string) []protocol.Frame {
	return []protocol.Frame{{Tag: tag, Body: body}}
}

// Server is a scripted frame-protocol peer listening on a loopback port.
type Server struct {
	ln      net.Listener
	handler Handler

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewServer starts a peer on an ephemeral loopback port.
//
// Parameters:
//   - handler: Scripted behavior; called once per decoded inbound frame
//
// Returns:
//   - The running server, or the listen error
func NewServer(handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:      ln,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the "host:port" the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Broadcast writes a frame to every open connection, outside any
// request/response exchange. Useful for unsolicited-frame tests.
func (s *Server) Broadcast(frame protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_, _ = conn.Write(protocol.Encode(frame.Tag, frame.Body))
	}
}

// DropConnections closes every open connection without stopping the
// listener, simulating a remote failure the client should recover from.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Close stops the listener and closes all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, derr := protocol.Decode(buf)
				if derr != nil {
					if derr == protocol.ErrIncomplete {
						break
					}
					return
				}
				buf = buf[consumed:]

				for _, resp := range s.handler(frame.Tag, frame.Body) {
					if _, werr := conn.Write(protocol.Encode(resp.Tag, resp.Body)); werr != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}
