package relay

import (
	"context"
	"encoding/json"

	"nhooyr.io/websocket"

	"github.com/craterhost/panel/pkg/agent"
)

// clientReadLimit bounds one frame from the browser.
const clientReadLimit = 32 * 1024

// ClientConn is the browser half of a console session. WSClient adapts a
// real WebSocket; tests substitute in-memory pipes.
type ClientConn interface {
	ReadFrame(ctx context.Context) (ClientFrame, error)
	WriteFrame(ctx context.Context, frame ServerFrame) error
	Close(reason string) error
}

// Upstream is the node-daemon half of a session. *agent.ConsoleConn
// satisfies it.
type Upstream interface {
	SendCommand(ctx context.Context, command string) error
	ReadLine(ctx context.Context) (string, error)
	Close() error
}

// DialFunc opens a console attachment on a node.
type DialFunc func(ctx context.Context, node agent.NodeRef, serverName string) (Upstream, error)

// WSClient adapts an accepted browser WebSocket to ClientConn.
type WSClient struct {
	conn *websocket.Conn
}

// NewWSClient wraps a browser connection and applies the read limit.
func NewWSClient(conn *websocket.Conn) *WSClient {
	conn.SetReadLimit(clientReadLimit)
	return &WSClient{conn: conn}
}

// ReadFrame blocks for the next parseable text frame. Binary frames and
// malformed JSON are skipped rather than fatal.
func (c *WSClient) ReadFrame(ctx context.Context) (ClientFrame, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return ClientFrame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		return frame, nil
	}
}

func (c *WSClient) WriteFrame(ctx context.Context, frame ServerFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *WSClient) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
