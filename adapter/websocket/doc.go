// Package websocket carries xmesh messages over WebSocket connections
// (gorilla/websocket).
//
// Transport names: "websocket" (TCP) and "ipc" (the same protocol over a unix
// socket). The "role" key picks the side: "server" accepts peers, "client"
// dials one server and reconnects with a linear backoff when the link drops.
//
// Every connection starts with a handshake frame naming the peer:
//
//	{"type":"HANDSHAKE","agent":{"id":"claude-1","type":"claude",...}}
//
// The server closes with 1002 when the first frame is anything else or does
// not arrive within HandshakeTimeout, and with 1013 when MaxConnections peers
// are already registered. Later frames are xmesh messages in wire JSON.
//
// Config keys (all optional): role, host, port, url, socketPath, path,
// heartbeatInterval, connectionTimeout, handshakeTimeout, writeTimeout,
// maxMessageSize, maxConnections, maxReconnectAttempts, reconnectDelay,
// sendBuffer, relay. The node builder adds agent, codec and observer; an
// optional "handlers" map[string]http.Handler is mounted next to the upgrade
// endpoint (for /metrics and /healthz).
package websocket
