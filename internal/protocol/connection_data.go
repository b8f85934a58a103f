package protocol

import (
	"encoding"
	"fmt"
	"math"
	"slices"

	"github.com/blukai/bettertogether/internal/byteorder"
)

// ConnectionData travels once, as the side-channel bytes of a connection
// request, before any Packet is exchanged.
//
// wire layout (network order):
//
//	key    uint16 length + bytes
//	count  uint32
//	count times:
//	  state key   uint16 length + bytes
//	  state value uint32 length + bytes
type ConnectionData struct {
	Key        string
	InitStates map[string][]byte
}

var (
	_ encoding.BinaryMarshaler   = (*ConnectionData)(nil)
	_ encoding.BinaryUnmarshaler = (*ConnectionData)(nil)
)

func NewConnectionData(key string) *ConnectionData {
	return &ConnectionData{
		Key:        key,
		InitStates: make(map[string][]byte),
	}
}

// SetState stages an init state.
func (cd *ConnectionData) SetState(key string, value []byte) {
	if cd.InitStates == nil {
		cd.InitStates = make(map[string][]byte)
	}
	cd.InitStates[key] = value
}

func (cd *ConnectionData) DeleteState(key string) {
	delete(cd.InitStates, key)
}

func (cd *ConnectionData) MarshalBinary() ([]byte, error) {
	if len(cd.Key) > math.MaxUint16 {
		return nil, fmt.Errorf("key too long (got %d; want <= %d)", len(cd.Key), math.MaxUint16)
	}

	// sorted so equal values produce equal bytes
	keys := make([]string, 0, len(cd.InitStates))
	for key := range cd.InitStates {
		if len(key) > math.MaxUint16 {
			return nil, fmt.Errorf("init state key too long (got %d; want <= %d)", len(key), math.MaxUint16)
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)

	buf := byteorder.AppendString16(nil, cd.Key)
	buf = byteorder.AppendHtonl(buf, uint32(len(keys)))
	for _, key := range keys {
		buf = byteorder.AppendString16(buf, key)
		buf = byteorder.AppendBytes32(buf, cd.InitStates[key])
	}

	if len(buf) > MaxConnectionDataSize {
		return nil, fmt.Errorf("connection data too large (got %d; want <= %d)", len(buf), MaxConnectionDataSize)
	}
	return buf, nil
}

func (cd *ConnectionData) UnmarshalBinary(data []byte) error {
	r := byteorder.NewReader(data)

	key, err := r.String16()
	if err != nil {
		return fmt.Errorf("%w key: %w", ErrDecode, err)
	}
	count, err := r.Ntohl()
	if err != nil {
		return fmt.Errorf("%w count: %w", ErrDecode, err)
	}
	// every entry takes at least 6 bytes, don't let a lying count allocate
	if uint64(count)*6 > uint64(r.Len()) {
		return fmt.Errorf("%w count: %d entries can't fit in %d bytes", ErrDecode, count, r.Len())
	}

	states := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		stateKey, err := r.String16()
		if err != nil {
			return fmt.Errorf("%w state key %d: %w", ErrDecode, i, err)
		}
		value, err := r.Bytes32()
		if err != nil {
			return fmt.Errorf("%w state value %d: %w", ErrDecode, i, err)
		}
		states[stateKey] = value
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}

	cd.Key = key
	cd.InitStates = states
	return nil
}
