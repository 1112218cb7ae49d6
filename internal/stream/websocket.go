package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
)

type wsTransport struct {
	url string
}

// NewWebSocketTransport reads events from a websocket where every text
// message is a JSON envelope {"event": ..., "id": ..., "data": ...}.
func NewWebSocketTransport(url string) Transport {
	return &wsTransport{url: url}
}

func (t *wsTransport) Open(ctx context.Context, lastEventID string) (Conn, error) {
	var opts *websocket.DialOptions
	if lastEventID != "" {
		header := http.Header{}
		header.Set("Last-Event-ID", lastEventID)
		opts = &websocket.DialOptions{HTTPHeader: header}
	}
	conn, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 << 20)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

type envelope struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
	Retry int             `json:"retry,omitempty"`
}

func (c *wsConn) Next(ctx context.Context) (Frame, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return Frame{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, err
		}
		frame := Frame{ID: envelopeID(env.ID)}
		if env.Retry > 0 {
			frame.Retry = time.Duration(env.Retry) * time.Millisecond
		}
		if env.Event != "" {
			frame.Event = &Event{ID: frame.ID, Name: env.Event, Data: env.Data}
		}
		return frame, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func envelopeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strconv.Quote(string(raw))
}
