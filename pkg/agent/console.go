package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"github.com/craterhost/panel/pkg/errors"
)

// consoleReadLimit bounds a single console frame from the daemon.
const consoleReadLimit = 256 * 1024

// consoleEnvelope is the daemon's expected console message shape.
type consoleEnvelope struct {
	Action  string `json:"action"` // connect | command
	Command string `json:"command,omitempty"`
	Token   string `json:"token"`
}

// ConsoleConn is a live console attachment to one server on one node.
// Safe for one reader and one writer goroutine concurrently.
type ConsoleConn struct {
	conn  *websocket.Conn
	token string
}

// DialConsole opens the daemon's console socket for a server and sends the
// connect envelope. Dial failures are retryable CONSOLE_DIAL errors; the
// relay surfaces them to the client as an error frame.
func (c *Client) DialConsole(ctx context.Context, node NodeRef, serverName string) (*ConsoleConn, error) {
	target, err := consoleURL(node.BaseURL, serverName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConsoleDial, "invalid node address")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+node.Token)

	dialCtx, cancel := context.WithTimeout(ctx, c.consoleDialLimit)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		observeRequest("console.dial", "unreachable")
		structured := errors.Wrap(err, errors.ErrCodeConsoleDial, "console dial failed").
			WithRetryable(true).
			WithUserMessage("Could not reach the server console. Try again shortly.")
		if resp != nil {
			structured = structured.WithContext("statusCode", resp.StatusCode)
		}
		return nil, structured
	}
	observeRequest("console.dial", "ok")
	conn.SetReadLimit(consoleReadLimit)

	cc := &ConsoleConn{conn: conn, token: node.Token}
	if err := cc.send(ctx, consoleEnvelope{Action: "connect", Token: node.Token}); err != nil {
		conn.Close(websocket.StatusInternalError, "connect handshake failed")
		return nil, errors.Wrap(err, errors.ErrCodeConsoleDial, "console connect handshake").
			WithRetryable(true)
	}

	return cc, nil
}

// SendCommand forwards one console command to the server's process.
func (cc *ConsoleConn) SendCommand(ctx context.Context, command string) error {
	return cc.send(ctx, consoleEnvelope{Action: "command", Command: command, Token: cc.token})
}

func (cc *ConsoleConn) send(ctx context.Context, env consoleEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return cc.conn.Write(ctx, websocket.MessageText, payload)
}

// ReadLine blocks for the next console line from the daemon. Daemons emit
// either raw text or JSON envelopes; both are normalized to the line text.
func (cc *ConsoleConn) ReadLine(ctx context.Context) (string, error) {
	_, data, err := cc.conn.Read(ctx)
	if err != nil {
		return "", err
	}

	var frame struct {
		Message string `json:"message"`
		Line    string `json:"line"`
	}
	if err := json.Unmarshal(data, &frame); err == nil {
		if frame.Message != "" {
			return frame.Message, nil
		}
		if frame.Line != "" {
			return frame.Line, nil
		}
	}
	return string(data), nil
}

// Close closes the upstream socket.
func (cc *ConsoleConn) Close() error {
	return cc.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// consoleURL converts the node's HTTP base URL into the console WS URL.
func consoleURL(baseURL, serverName string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/console"
	q := u.Query()
	q.Set("serverName", serverName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
