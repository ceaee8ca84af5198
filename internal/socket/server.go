// Package socket is the Unix-domain control socket server: it listens on
// a stream socket, runs one line-delimited-JSON read loop per connection,
// keeps a connection registry, and invokes the command dispatcher. The
// server is authoritative for connection lifetime; the broadcaster only
// borrows each connection's write capability through the Sink interface.
package socket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"stenod/internal/broadcast"
	"stenod/internal/proto"
)

// Dispatcher is the capability the server calls for every decoded command
// line. It is satisfied by *dispatch.Dispatcher. The sink parameter is
// broadcast.Sink directly (rather than a server-local interface) so a
// "subscribe" command can register the same value the broadcaster later
// writes through. Dispatch returns an emit closure (possibly nil)
// alongside the Response; the server must invoke emit only after the
// Response has been written, so a command's own event can never beat its
// reply onto the same connection.
type Dispatcher interface {
	Dispatch(clientID string, sink broadcast.Sink, cmd proto.Command) (proto.Response, func())
}

const maxLineBytes = 1 << 20 // 1MiB: generous bound on one command line

// conn is one accepted connection: a stable id, the underlying net.Conn,
// and a write mutex so dispatcher replies and broadcaster events (which
// can arrive from different goroutines) never interleave their bytes.
type conn struct {
	id      string
	netConn net.Conn
	writeMu sync.Mutex
}

func (c *conn) WriteLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.netConn.Write(data)
	return err
}

// Server is the Unix-domain stream listener and connection registry.
type Server struct {
	path         string
	dispatcher   Dispatcher
	onDisconnect func(clientID string)

	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool
}

// New builds a Server bound to path once Start is called. onDisconnect is
// invoked (with the server's internal lock released) after a connection's
// read loop ends for any reason; the daemon wires it to the broadcaster's
// Unsubscribe.
func New(path string, dispatcher Dispatcher, onDisconnect func(clientID string)) *Server {
	return &Server{
		path:         path,
		dispatcher:   dispatcher,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*conn),
	}
}

// Start removes any stale socket file, binds the listener, and begins
// accepting connections in the background.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = ln

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.isClosing() {
				return
			}
			log.Printf("socket: accept: %v", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// handleConn runs one connection's read loop: accumulate bytes, split on
// '\n', decode each non-empty line as a Command, dispatch it, and write
// exactly one Response line back. A malformed line gets an
// {ok:false,error:"Invalid JSON"} reply without closing the connection.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	c := &conn{id: id, netConn: nc}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	defer func() {
		nc.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		if s.onDisconnect != nil {
			s.onDisconnect(id)
		}
	}()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var cmd proto.Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			s.writeResponse(c, proto.Response{OK: false, Error: "Invalid JSON"})
			continue
		}

		resp, emit := s.dispatcher.Dispatch(id, c, cmd)
		if err := s.writeResponse(c, resp); err != nil {
			return
		}
		if emit != nil {
			emit()
		}
	}
}

func (s *Server) writeResponse(c *conn, resp proto.Response) error {
	frame, err := json.Marshal(resp)
	if err != nil {
		log.Printf("socket: encode response: %v", err)
		return err
	}
	frame = append(frame, '\n')
	return c.WriteLine(frame)
}

// Stop cancels the listener, closes every open connection (which unwinds
// each read loop and fires onDisconnect), waits for all connection
// goroutines to finish, and unlinks the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.netConn.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink socket: %w", err)
	}
	return nil
}
