package devserver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/udeope/Real-time-interview-sub004/internal/protocol"
)

const peerWriteWait = 10 * time.Second

// Peer is one authenticated WebSocket connection. The read loop, the hub
// and the engine all write to it; the mutex keeps them off each other per
// the single-writer rule.
type Peer struct {
	id     string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	sent uint64
}

func newPeer(id string, conn *websocket.Conn, logger *slog.Logger) *Peer {
	return &Peer{id: id, conn: conn, logger: logger}
}

// UserID returns the identity assigned at handshake.
func (p *Peer) UserID() string {
	return p.id
}

// Send writes one envelope without requesting acknowledgement.
func (p *Peer) Send(event protocol.Event, payload interface{}) error {
	return p.write(event, 0, payload)
}

// SendAck acknowledges an inbound envelope that carried an id. The ack goes
// out before the payload is processed so the sender's latency measurement
// excludes processing time.
func (p *Peer) SendAck(id uint64) error {
	return p.write(protocol.EventAck, id, protocol.AckPayload{
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Peer) write(event protocol.Event, id uint64, payload interface{}) error {
	data, err := protocol.EncodeEnvelope(event, id, payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", event, p.id, err)
	}
	p.sent++
	return nil
}
