package api

import (
	"context"

	"nhooyr.io/websocket"
)

// Connection abstracts the signaling channel so workers can be exercised in
// tests without a live websocket.
type Connection interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close(reason string) error
}

type wsConnection struct {
	conn *websocket.Conn
}

func NewWsConnection(conn *websocket.Conn) Connection {
	return wsConnection{conn: conn}
}

func (ws wsConnection) ReadMessage(ctx context.Context) ([]byte, error) {
	_, payload, err := ws.conn.Read(ctx)
	return payload, err
}

func (ws wsConnection) WriteMessage(ctx context.Context, payload []byte) error {
	return ws.conn.Write(ctx, websocket.MessageText, payload)
}

func (ws wsConnection) Close(reason string) error {
	return ws.conn.Close(websocket.StatusNormalClosure, reason)
}
