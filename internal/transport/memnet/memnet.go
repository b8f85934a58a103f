// Package memnet is an in-process transport. Events only move when the
// receiving side polls, which makes protocol tests deterministic: a test
// decides exactly when the server and each client run a tick.
package memnet

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/blukai/bettertogether/internal/transport"
)

var (
	ErrAddrInUse  = errors.New("address already in use")
	ErrNoListener = errors.New("no server listening")
)

// Network connects memnet servers and clients by address.
type Network struct {
	mu       sync.Mutex
	servers  map[string]*Server
	nextPort int
}

func NewNetwork() *Network {
	return &Network{
		servers:  make(map[string]*Server),
		nextPort: 40000,
	}
}

func (n *Network) port() int {
	n.nextPort++
	return n.nextPort
}

// normalize fills in an empty host and a zero port the way a socket bind
// would.
func (n *Network) normalize(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("could not split host port: %w", err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "0" {
		port = strconv.Itoa(n.port())
	}
	return net.JoinHostPort(host, port), nil
}

type Server struct {
	network *Network
	queue   transport.Queue

	mu    sync.Mutex
	addr  string
	peers map[*Peer]struct{}
}

var _ transport.Server = (*Server)(nil)

func (n *Network) NewServer() *Server {
	return &Server{
		network: n,
		peers:   make(map[*Peer]struct{}),
	}
}

func (s *Server) Start(address string) error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()

	addr, err := s.network.normalize(address)
	if err != nil {
		return err
	}
	if _, ok := s.network.servers[addr]; ok {
		return fmt.Errorf("could not listen on %s: %w", addr, ErrAddrInUse)
	}
	s.network.servers[addr] = s

	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) PollEvents(handle func(transport.Event)) {
	s.queue.Drain(handle, func(ev transport.Event) {
		if ev.Kind == transport.EventConnectionRequest {
			// undecided requests are turned away
			ev.Request.Reject(nil)
		}
	})
}

func (s *Server) Close() error {
	s.network.mu.Lock()
	s.mu.Lock()
	if s.network.servers[s.addr] == s {
		delete(s.network.servers, s.addr)
	}
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[*Peer]struct{})
	s.mu.Unlock()
	s.network.mu.Unlock()

	for _, p := range peers {
		p.Disconnect(nil)
	}
	return nil
}

type Client struct {
	network *Network
	ip      string
	queue   transport.Queue

	mu     sync.Mutex
	server *Peer
}

var _ transport.Client = (*Client)(nil)

// NewClient returns a client whose connections originate from ip.
func (n *Network) NewClient(ip string) *Client {
	return &Client{
		network: n,
		ip:      ip,
	}
}

func (c *Client) Connect(address string, data []byte) error {
	c.network.mu.Lock()
	addr, err := c.network.normalize(address)
	if err != nil {
		c.network.mu.Unlock()
		return err
	}
	server, ok := c.network.servers[addr]
	localAddr := net.JoinHostPort(c.ip, strconv.Itoa(c.network.port()))
	c.network.mu.Unlock()
	if !ok {
		return fmt.Errorf("could not connect to %s: %w", addr, ErrNoListener)
	}

	server.queue.Push(transport.Event{
		Kind: transport.EventConnectionRequest,
		Request: &request{
			server:     server,
			client:     c,
			remoteAddr: localAddr,
			data:       append([]byte(nil), data...),
		},
	})
	return nil
}

func (c *Client) Server() transport.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server
}

func (c *Client) PollEvents(handle func(transport.Event)) {
	c.queue.Drain(handle, nil)
}

func (c *Client) Close() error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		server.Disconnect(nil)
	}
	return nil
}

type request struct {
	server     *Server
	client     *Client
	remoteAddr string
	data       []byte

	mu      sync.Mutex
	decided bool
}

func (r *request) RemoteAddr() string { return r.remoteAddr }

func (r *request) Data() []byte { return r.data }

func (r *request) decide() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided {
		return false
	}
	r.decided = true
	return true
}

func (r *request) Accept() {
	if !r.decide() {
		return
	}

	l := &link{}
	// serverSide is how the server sees the client and the other way round
	serverSide := &Peer{link: l, remoteAddr: r.remoteAddr, local: &r.server.queue, remote: &r.client.queue}
	clientSide := &Peer{link: l, remoteAddr: r.server.Addr(), local: &r.client.queue, remote: &r.server.queue}
	serverSide.other = clientSide
	clientSide.other = serverSide

	r.server.mu.Lock()
	r.server.peers[serverSide] = struct{}{}
	r.server.mu.Unlock()

	r.client.mu.Lock()
	r.client.server = clientSide
	r.client.mu.Unlock()

	r.server.queue.Push(transport.Event{Kind: transport.EventPeerConnected, Peer: serverSide})
	r.client.queue.Push(transport.Event{Kind: transport.EventPeerConnected, Peer: clientSide})
}

func (r *request) Reject(reason []byte) {
	if !r.decide() {
		return
	}
	r.client.queue.Push(transport.Event{
		Kind:   transport.EventPeerDisconnected,
		Reason: append([]byte(nil), reason...),
	})
}

type link struct {
	mu     sync.Mutex
	closed bool
}

// Peer is one end of an accepted memnet connection.
type Peer struct {
	link       *link
	remoteAddr string
	local      *transport.Queue
	remote     *transport.Queue
	other      *Peer
}

var _ transport.Peer = (*Peer)(nil)

func (p *Peer) RemoteAddr() string { return p.remoteAddr }

func (p *Peer) Send(data []byte, method transport.DeliveryMethod) error {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	if p.link.closed {
		return transport.ErrClosed
	}
	p.remote.Push(transport.Event{
		Kind:   transport.EventReceive,
		Peer:   p.other,
		Data:   append([]byte(nil), data...),
		Method: method,
	})
	return nil
}

// Disconnect closes both ends. The remote side receives reason, the local
// side gets its own disconnect event without one.
func (p *Peer) Disconnect(reason []byte) {
	p.link.mu.Lock()
	if p.link.closed {
		p.link.mu.Unlock()
		return
	}
	p.link.closed = true
	p.link.mu.Unlock()

	p.local.Push(transport.Event{Kind: transport.EventPeerDisconnected, Peer: p})
	p.remote.Push(transport.Event{
		Kind:   transport.EventPeerDisconnected,
		Peer:   p.other,
		Reason: append([]byte(nil), reason...),
	})
}
