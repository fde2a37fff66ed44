package relay

import "time"

// Frame types accepted from the browser.
const (
	FrameInit    = "init"
	FrameCommand = "command"
)

// Frame types emitted to the browser.
const (
	FrameLog    = "log"
	FrameError  = "error"
	FrameStatus = "status"
)

// ClientFrame is one message from the browser side of a console session.
type ClientFrame struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
}

// ServerFrame is one message the relay emits to the browser.
type ServerFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func logFrame(line string) ServerFrame {
	return ServerFrame{Type: FrameLog, Message: line, Timestamp: time.Now().UTC()}
}

func errorFrame(message string) ServerFrame {
	return ServerFrame{Type: FrameError, Message: message, Timestamp: time.Now().UTC()}
}

func disconnectedFrame(reason string) ServerFrame {
	return ServerFrame{Type: FrameStatus, Message: "disconnected", Reason: reason, Timestamp: time.Now().UTC()}
}
