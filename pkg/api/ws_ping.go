package api

import (
	"context"
	"time"

	"nhooyr.io/websocket"
)

// keepAlive pings a WebSocket on an interval until ctx ends, so idle event
// streams and consoles survive proxies that reap quiet connections. Run it
// on its own goroutine. It stops after a failed ping; the connection's next
// read surfaces the actual error.
func keepAlive(ctx context.Context, conn *websocket.Conn) {
	const (
		interval = 20 * time.Second
		deadline = 5 * time.Second
	)
	if conn == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, deadline)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
