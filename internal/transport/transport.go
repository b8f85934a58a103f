// Package transport describes what the replication engine needs from the
// packet layer underneath it. Connection establishment, retransmission and
// congestion control belong to the implementations (see wsnet and memnet).
package transport

import "errors"

var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("not connected")
)

// DeliveryMethod is the delivery guarantee a single send asks for.
type DeliveryMethod uint8

const (
	Unreliable DeliveryMethod = iota
	ReliableUnordered
	ReliableOrdered
)

func (m DeliveryMethod) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the known delivery methods.
func (m DeliveryMethod) Valid() bool {
	return m <= ReliableOrdered
}

// Peer is a handle to one connected remote endpoint. Implementations must be
// comparable (pointer types) so peers can be used as map keys.
type Peer interface {
	// RemoteAddr returns the remote endpoint as "ip:port".
	RemoteAddr() string
	// Send queues data for delivery and never blocks on the network.
	Send(data []byte, method DeliveryMethod) error
	// Disconnect closes the connection, delivering reason to the remote
	// side when the implementation can.
	Disconnect(reason []byte)
}

// Request is an inbound connection attempt awaiting a decision. A request
// that is neither accepted nor rejected by the time its event handler
// returns is rejected without a reason.
type Request interface {
	RemoteAddr() string
	// Data returns the side-channel bytes sent along with the request.
	Data() []byte
	Accept()
	Reject(reason []byte)
}

type EventKind uint8

const (
	EventConnectionRequest EventKind = iota + 1
	EventPeerConnected
	EventReceive
	EventPeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionRequest:
		return "connection-request"
	case EventPeerConnected:
		return "peer-connected"
	case EventReceive:
		return "receive"
	case EventPeerDisconnected:
		return "peer-disconnected"
	default:
		return "unknown"
	}
}

// Event is a single transport occurrence. Which fields are set depends on
// Kind: Request for connection requests, Peer for everything else, Data and
// Method for receives, Reason for disconnects.
type Event struct {
	Kind    EventKind
	Peer    Peer
	Request Request
	Data    []byte
	Method  DeliveryMethod
	Reason  []byte
}

// Server is the listening side.
type Server interface {
	Start(address string) error
	// Addr returns the bound address, useful after starting on ":0".
	Addr() string
	// PollEvents synchronously hands every pending event to handle, including
	// events queued while handling, and returns once the queue is empty.
	PollEvents(handle func(Event))
	Close() error
}

// Client is the connecting side. It talks to exactly one server peer.
type Client interface {
	Connect(address string, data []byte) error
	// Server returns the server peer once connected, nil otherwise.
	Server() Peer
	PollEvents(handle func(Event))
	Close() error
}
