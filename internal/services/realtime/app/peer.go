package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/embers/internal/platform/metrics"
	"github.com/louisbranch/embers/internal/platform/timeouts"
)

const defaultSendQueueSize = 64

// frameConn is the part of a websocket connection a peer writes to.
type frameConn interface {
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ frameConn = (*websocket.Conn)(nil)

// peer is one live connection. Frames are queued and written by the peer's
// own writer goroutine, so publishers never wait on a socket.
type peer struct {
	id     string
	userID string

	conn    frameConn
	send    chan wsFrame
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	metrics *metrics.Metrics
}

func newPeer(conn frameConn, userID string, queueSize int, m *metrics.Metrics) *peer {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &peer{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		send:    make(chan wsFrame, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: m,
	}
}

// enqueue queues frame without blocking. A full queue drops the frame.
func (p *peer) enqueue(frame wsFrame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		p.metrics.FrameDropped()
		return false
	}
}

// writeLoop drains the queue until the peer closes or a write fails.
func (p *peer) writeLoop() {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
			if _, err := p.conn.Write(data); err != nil {
				p.close()
				return
			}
		}
	}
}

// close stops the writer and closes the socket. Safe to call repeatedly.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
