package api

const (
	maxEventStreamClients   = 128
	maxConsoleSocketClients = 64

	maxWSReadBytesEventStream = 64 << 10
)
