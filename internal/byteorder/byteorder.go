package byteorder

import (
	"encoding/binary"
	"errors"
)

// https://linux.die.net/man/3/ntohs
//
// decrypt names:
// h  = host
// n  = network
// s  = short     = 16 bit
// l  = long      = 32 bit

var ErrShortBuffer = errors.New("short buffer")

func AppendHtons(buf []byte, val uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, val)
}

func AppendHtonl(buf []byte, val uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, val)
}

// AppendString16 writes a uint16 length prefix followed by s. Callers must
// make sure s fits.
func AppendString16(buf []byte, s string) []byte {
	buf = AppendHtons(buf, uint16(len(s)))
	return append(buf, s...)
}

// AppendBytes32 writes a uint32 length prefix followed by b.
func AppendBytes32(buf []byte, b []byte) []byte {
	buf = AppendHtonl(buf, uint32(len(b)))
	return append(buf, b...)
}

// Reader consumes network ordered values from a byte slice. Every read is
// bounds checked, a truncated or lying length prefix yields ErrShortBuffer.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len reports the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Ntohs() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Ntohl() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) String16() (string, error) {
	n, err := r.Ntohs()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes32 returns a copy of a uint32 length prefixed byte string. A zero
// length yields nil, never an empty slice.
func (r *Reader) Bytes32() ([]byte, error) {
	n, err := r.Ntohl()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Len()) {
		return nil, ErrShortBuffer
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}
