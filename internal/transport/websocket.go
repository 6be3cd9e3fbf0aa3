package transport

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/Enanyy/Frame/internal/wire"
)

// The websocket variant carries the same header-framed byte stream as TCP,
// for clients that can only reach the server over HTTP.

func wsReadLimit() int64 { return int64(wire.HeaderSize + wire.MaxBodyLength) }

// DialWebSocket opens a stream to a websocket endpoint.
func DialWebSocket(ctx context.Context, url string, bounds wire.Bounds) (*Stream, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: url, Err: err}
	}
	c.SetReadLimit(wsReadLimit())
	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	return NewStream(nc, bounds, url), nil
}

// AcceptWebSocket upgrades an HTTP request into a stream.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, origins []string, bounds wire.Bounds) (*Stream, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return nil, &Error{Op: "accept", Addr: r.RemoteAddr, Err: err}
	}
	c.SetReadLimit(wsReadLimit())
	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	return NewStream(nc, bounds, r.RemoteAddr), nil
}
