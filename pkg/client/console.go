package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
)

// Console is a live console session.
type Console struct {
	conn     *websocket.Conn
	messages chan daemon.StreamMessage
	errMu    sync.Mutex
	err      error
	writeMu  sync.Mutex
}

// Console opens the console stream. events selects which stream events are
// delivered; empty means the daemon default (lines and status).
func (c *Client) Console(ctx context.Context, events ...string) (*Console, error) {
	u, err := url.Parse(c.addr + daemon.APIPrefix + "/console")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(events) > 0 {
		u.RawQuery = url.Values{"events": {strings.Join(events, ",")}}.Encode()
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return nil, err
	}

	con := &Console{
		conn:     conn,
		messages: make(chan daemon.StreamMessage, 256),
	}
	go con.read()
	return con, nil
}

func (c *Console) read() {
	defer close(c.messages)
	for {
		var msg daemon.StreamMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		c.messages <- msg
	}
}

// Messages returns stream frames. The channel closes when the session ends.
func (c *Console) Messages() <-chan daemon.StreamMessage {
	return c.messages
}

// Err returns the error that ended the session, if any.
func (c *Console) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one command to the server console. Refusals arrive on
// Messages as daemon.StreamError frames.
func (c *Console) Send(command string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(command))
}

// Close ends the session.
func (c *Console) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
