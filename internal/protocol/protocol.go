package protocol

import (
	"encoding"
	"errors"
	"fmt"
	"math"

	"github.com/blukai/bettertogether/internal/byteorder"
	"github.com/blukai/bettertogether/internal/transport"
)

// NOTE(blukai): there is no magic or version byte. both ends have to be built
// from compatible schemas.

const (
	DefaultPort = 9050
	DefaultKey  = "BetterTogether"

	// MaxConnectionDataSize bounds the connection request side-channel. Packets
	// themselves are only bounded by their length prefixes: Init carries the
	// whole state table.
	MaxConnectionDataSize = 1 << 20
)

// Reserved routing targets and keys.
const (
	TargetServer    = "server"
	TargetAll       = "all"
	TargetOthers    = "others"
	TargetSelf      = "self"
	TargetGlobal    = "global"
	TargetPlayers   = "players"
	TargetForbidden = "FORBIDDEN"

	KeyPong = "pong"

	// PlayerStatePrefix marks a handshake init state as belonging to the
	// connecting player. The server strips it and files the state under the
	// identity it assigns.
	PlayerStatePrefix = "[player]"
)

var ErrDecode = errors.New("could not decode")

type PacketType uint8

const (
	PacketTypeNone PacketType = iota
	PacketTypeSetState
	PacketTypeDeleteState
	PacketTypeInit
	PacketTypePing
	PacketTypeRpc
	PacketTypeSelfConnected
	PacketTypePeerConnected
	PacketTypePeerDisconnected
	PacketTypeKick
	PacketTypeBan

	packetTypeMax
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeNone:
		return "None"
	case PacketTypeSetState:
		return "SetState"
	case PacketTypeDeleteState:
		return "DeleteState"
	case PacketTypeInit:
		return "Init"
	case PacketTypePing:
		return "Ping"
	case PacketTypeRpc:
		return "Rpc"
	case PacketTypeSelfConnected:
		return "SelfConnected"
	case PacketTypePeerConnected:
		return "PeerConnected"
	case PacketTypePeerDisconnected:
		return "PeerDisconnected"
	case PacketTypeKick:
		return "Kick"
	case PacketTypeBan:
		return "Ban"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// DefaultDelivery returns the delivery method a packet of this type is sent
// with unless the caller picks one.
func (t PacketType) DefaultDelivery() transport.DeliveryMethod {
	switch t {
	case PacketTypeSetState, PacketTypeDeleteState:
		return transport.ReliableUnordered
	case PacketTypePing:
		return transport.Unreliable
	default:
		return transport.ReliableOrdered
	}
}

// Packet is the only unit that ever crosses the transport.
//
// wire layout (network order):
//
//	type   uint8
//	target uint16 length + bytes
//	key    uint16 length + bytes
//	data   uint32 length + bytes
//
// empty Data does not survive the wire as []byte{}, it unpacks as nil.
type Packet struct {
	Type   PacketType
	Target string
	Key    string
	Data   []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Packet)(nil)
	_ encoding.BinaryUnmarshaler = (*Packet)(nil)
)

func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Target) > math.MaxUint16 {
		return nil, fmt.Errorf("target too long (got %d; want <= %d)", len(p.Target), math.MaxUint16)
	}
	if len(p.Key) > math.MaxUint16 {
		return nil, fmt.Errorf("key too long (got %d; want <= %d)", len(p.Key), math.MaxUint16)
	}
	if uint64(len(p.Data)) > math.MaxUint32 {
		return nil, fmt.Errorf("data too long (got %d; want <= %d)", len(p.Data), uint64(math.MaxUint32))
	}

	buf := make([]byte, 0, 1+2+len(p.Target)+2+len(p.Key)+4+len(p.Data))
	buf = append(buf, uint8(p.Type))
	buf = byteorder.AppendString16(buf, p.Target)
	buf = byteorder.AppendString16(buf, p.Key)
	buf = byteorder.AppendBytes32(buf, p.Data)
	return buf, nil
}

func (p *Packet) UnmarshalBinary(data []byte) error {
	r := byteorder.NewReader(data)

	typ, err := r.Uint8()
	if err != nil {
		return fmt.Errorf("%w type: %w", ErrDecode, err)
	}
	if PacketType(typ) >= packetTypeMax {
		return fmt.Errorf("%w type: unknown packet type %d", ErrDecode, typ)
	}
	target, err := r.String16()
	if err != nil {
		return fmt.Errorf("%w target: %w", ErrDecode, err)
	}
	key, err := r.String16()
	if err != nil {
		return fmt.Errorf("%w key: %w", ErrDecode, err)
	}
	payload, err := r.Bytes32()
	if err != nil {
		return fmt.Errorf("%w data: %w", ErrDecode, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}

	p.Type = PacketType(typ)
	p.Target = target
	p.Key = key
	p.Data = payload
	return nil
}

// Pack serializes the envelope.
func Pack(p Packet) ([]byte, error) {
	return p.MarshalBinary()
}

// Unpack deserializes an envelope, failing with ErrDecode.
func Unpack(data []byte) (Packet, error) {
	var p Packet
	if err := p.UnmarshalBinary(data); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// SetData encodes v into the packet's payload.
func SetData[T any](p *Packet, v T) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	p.Data = data
	return nil
}

// GetData decodes the packet's payload. An empty payload yields ok == false
// and no error.
func GetData[T any](p *Packet) (T, bool, error) {
	return Decode[T](p.Data)
}

// NewPacket builds a packet with an encoded payload.
func NewPacket[T any](typ PacketType, target, key string, v T) (Packet, error) {
	p := Packet{Type: typ, Target: target, Key: key}
	if err := SetData(&p, v); err != nil {
		return Packet{}, err
	}
	return p, nil
}
