package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Gateway is a Pusher over live websocket connections accepted by this process.
// A connection id that is not attached is reported as gone, so with a shared
// registry callers must only send to ids owned by this process.
type Gateway struct {
	mu           sync.RWMutex
	conns        map[string]*websocket.Conn
	writeTimeout time.Duration
}

// NewGateway creates an empty gateway. Each Send is bounded by writeTimeout.
func NewGateway(writeTimeout time.Duration) *Gateway {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Gateway{
		conns:        make(map[string]*websocket.Conn),
		writeTimeout: writeTimeout,
	}
}

// Attach makes conn addressable as id.
func (g *Gateway) Attach(id string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[id] = conn
}

// Detach forgets id. Later sends to it report ErrGone.
func (g *Gateway) Detach(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, id)
}

// Len returns the number of attached connections.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Send writes data as a single text frame.
func (g *Gateway) Send(ctx context.Context, connectionID string, data []byte) error {
	g.mu.RLock()
	conn, ok := g.conns[connectionID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, ErrGone)
	}

	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if isClosed(err) {
			g.Detach(connectionID)
			return fmt.Errorf("connection %s: %w: %w", connectionID, ErrGone, err)
		}
		return fmt.Errorf("write to %s: %w", connectionID, err)
	}
	return nil
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed)
}
