package wsnet

import (
	"fmt"
	"unicode/utf8"

	"github.com/blukai/bettertogether/internal/transport"
)

// every binary websocket message starts with a frame kind byte.
//
//	frameConnect: kind + connection request side-channel bytes (client -> server)
//	frameAccept:  kind                                        (server -> client)
//	frameData:    kind + delivery method + payload            (both ways)
//
// rejections and disconnects are websocket close frames, their text is the
// reason.
const (
	frameConnect byte = iota + 1
	frameAccept
	frameData
)

// maxCloseReason is what fits into a close control frame after the 2 byte
// status code.
const maxCloseReason = 123

func encodeData(data []byte, method transport.DeliveryMethod) []byte {
	frame := make([]byte, 0, 2+len(data))
	frame = append(frame, frameData, byte(method))
	return append(frame, data...)
}

func decodeData(frame []byte) ([]byte, transport.DeliveryMethod, error) {
	if len(frame) < 2 || frame[0] != frameData {
		return nil, 0, fmt.Errorf("invalid data frame (got %d bytes)", len(frame))
	}
	method := transport.DeliveryMethod(frame[1])
	if !method.Valid() {
		return nil, 0, fmt.Errorf("invalid delivery method %d", frame[1])
	}
	return frame[2:], method, nil
}

// truncateReason cuts reason to fit a close frame without splitting a rune,
// gorilla refuses close text that is not valid utf-8.
func truncateReason(reason []byte) string {
	if len(reason) <= maxCloseReason {
		return string(reason)
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return string(reason[:n])
}
