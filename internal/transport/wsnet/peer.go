package wsnet

import (
	"errors"
	"sync"
	"time"

	"github.com/blukai/bettertogether/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

var ErrSendQueueFull = errors.New("send queue full")

const (
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

// Peer is one websocket connection. Sends are queued and written by a
// dedicated goroutine, gorilla allows one concurrent writer only.
type Peer struct {
	conn       *websocket.Conn
	remoteAddr string
	logger     *log.Logger

	send    chan []byte
	closeCh chan []byte
	done    chan struct{}

	closeOnce sync.Once
	doneOnce  sync.Once
}

var _ transport.Peer = (*Peer)(nil)

func newPeer(conn *websocket.Conn, remoteAddr string, logger *log.Logger) *Peer {
	return &Peer{
		conn:       conn,
		remoteAddr: remoteAddr,
		logger:     logger,

		send:    make(chan []byte, sendQueueSize),
		closeCh: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
}

func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Send never blocks. tcp delivers every frame reliably and in order, which
// satisfies all delivery methods; the method still travels along so the
// receiving side sees what the sender asked for.
func (p *Peer) Send(data []byte, method transport.DeliveryMethod) error {
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}

	select {
	case p.send <- encodeData(data, method):
		return nil
	default:
	}

	if method == transport.Unreliable {
		// dropping is within the contract
		return nil
	}
	p.logger.Warn().
		Str("addr", p.remoteAddr).
		Msg("send queue full, disconnecting slow peer")
	p.Disconnect([]byte("send queue full"))
	return ErrSendQueueFull
}

// Disconnect flushes queued frames, sends a close frame carrying reason and
// closes the connection.
func (p *Peer) Disconnect(reason []byte) {
	p.closeOnce.Do(func() {
		p.closeCh <- reason
	})
}

func (p *Peer) markDone() {
	p.doneOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *Peer) write(messageType int, data []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, data)
}

func (p *Peer) writeClose(reason []byte) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(reason))
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		p.logger.Debug().
			Str("addr", p.remoteAddr).
			Msgf("could not write close frame: %v", err)
	}
}

// runWriter owns every write to the connection until the peer is done.
func (p *Peer) runWriter() {
	defer p.markDone()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			if err := p.write(websocket.BinaryMessage, frame); err != nil {
				p.logger.Debug().
					Str("addr", p.remoteAddr).
					Msgf("could not write: %v", err)
				return
			}
		case reason := <-p.closeCh:
			p.flush()
			p.writeClose(reason)
			// give the remote a moment to answer the close handshake, the
			// reader notices either way
			time.Sleep(10 * time.Millisecond)
			return
		}
	}
}

func (p *Peer) flush() {
	for {
		select {
		case frame := <-p.send:
			if err := p.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// runReader pushes received frames to queue until the connection breaks and
// then reports the disconnect exactly once.
func (p *Peer) runReader(queue *transport.Queue) {
	defer p.markDone()

	var reason []byte
	for {
		messageType, frame, err := p.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" {
				reason = []byte(closeErr.Text)
			}
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		data, method, err := decodeData(frame)
		if err != nil {
			p.logger.Debug().
				Str("addr", p.remoteAddr).
				Msgf("dropping frame: %v", err)
			continue
		}
		queue.Push(transport.Event{
			Kind:   transport.EventReceive,
			Peer:   p,
			Data:   data,
			Method: method,
		})
	}

	queue.Push(transport.Event{
		Kind:   transport.EventPeerDisconnected,
		Peer:   p,
		Reason: reason,
	})
}
