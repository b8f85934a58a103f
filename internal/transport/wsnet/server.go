// Package wsnet implements the transport over websockets. Each peer is one
// websocket connection; the first message carries the connection request
// side-channel bytes and the server answers with an accept frame or a close
// frame whose text is the reject reason.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blukai/bettertogether/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

const (
	// maxFrameSize bounds what a client may send in one message. Server to
	// client frames are not limited, Init carries the whole state table.
	maxFrameSize     = 1<<20 + 16
	handshakeTimeout = 5 * time.Second
)

func silencedLogger(logger *log.Logger) *log.Logger {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return logger
}

type Server struct {
	logger   *log.Logger
	upgrader websocket.Upgrader
	queue    transport.Queue

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	peers    map[*Peer]struct{}
	wg       sync.WaitGroup
}

var _ transport.Server = (*Server)(nil)

func NewServer(logger *log.Logger) *Server {
	return &Server{
		logger: silencedLogger(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		peers: make(map[*Peer]struct{}),
	}
}

func (s *Server) Start(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("already listening on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("could not listen tcp: %w", err)
	}

	s.listener = listener
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: handshakeTimeout,
	}

	httpServer := s.http
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Msgf("could not serve http: %v", err)
		}
	}()
	return nil
}

// Addr can be useful to retreive server's address when Server was started
// with ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) PollEvents(handle func(transport.Event)) {
	s.queue.Drain(handle, func(ev transport.Event) {
		if ev.Kind == transport.EventConnectionRequest {
			ev.Request.Reject(nil)
		}
	})
}

func (s *Server) Close() error {
	s.mu.Lock()
	httpServer := s.http
	s.http = nil
	s.listener = nil
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	for _, p := range peers {
		p.Disconnect(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked connections, peers are flushed by
	// their own writer goroutines
	err := httpServer.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("could not shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) track(p *Peer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

type decision struct {
	accept bool
	reason []byte
}

type request struct {
	remoteAddr string
	data       []byte

	once     sync.Once
	decision chan decision
}

func (r *request) RemoteAddr() string { return r.remoteAddr }

func (r *request) Data() []byte { return r.data }

func (r *request) Accept() {
	r.once.Do(func() { r.decision <- decision{accept: true} })
}

func (r *request) Reject(reason []byte) {
	r.once.Do(func() { r.decision <- decision{reason: reason} })
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().
			Str("addr", r.RemoteAddr).
			Msgf("could not upgrade: %v", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	// connection request
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = conn.Close()
		return
	}
	messageType, frame, err := conn.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage || len(frame) == 0 || frame[0] != frameConnect {
		s.logger.Debug().
			Str("addr", r.RemoteAddr).
			Msg("dropping connection without a connection request")
		_ = conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return
	}

	req := &request{
		remoteAddr: r.RemoteAddr,
		data:       frame[1:],
		decision:   make(chan decision, 1),
	}
	s.queue.Push(transport.Event{
		Kind:    transport.EventConnectionRequest,
		Request: req,
	})

	var d decision
	select {
	case d = <-req.decision:
	case <-time.After(handshakeTimeout):
		// nobody is polling
		req.Reject(nil)
		d = <-req.decision
	}

	p := newPeer(conn, r.RemoteAddr, s.logger)
	if !d.accept {
		p.writeClose(d.reason)
		_ = conn.Close()
		return
	}

	if err := p.write(websocket.BinaryMessage, []byte{frameAccept}); err != nil {
		_ = conn.Close()
		// the request was accepted, let the owner release it
		s.queue.Push(transport.Event{
			Kind:   transport.EventPeerDisconnected,
			Peer:   p,
			Reason: []byte(err.Error()),
		})
		return
	}

	s.track(p)
	defer s.untrack(p)

	s.queue.Push(transport.Event{
		Kind: transport.EventPeerConnected,
		Peer: p,
	})

	go p.runWriter()
	p.runReader(&s.queue)
}
