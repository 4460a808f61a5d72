package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

// StreamError is the stream event sent back when a console command is refused.
const StreamError = "error"

// Websocket timings.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// DefaultStreamEvents is what /console streams when no events are requested.
var DefaultStreamEvents = []string{StreamLine, events.EventStatus}

// StreamMessage is one websocket frame sent to console clients.
type StreamMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Time  time.Time       `json:"time"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConsole streams events to a websocket client and writes each text
// frame it receives to the server console as a command.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	filter := DefaultStreamEvents
	if v := r.URL.Query().Get("events"); v != "" {
		if v == "all" {
			filter = nil
		} else {
			filter = strings.Split(v, ",")
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.svc.Broadcaster().Subscribe(filter...)
	if sub == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	defer s.svc.Broadcaster().Unsubscribe(sub.ID)

	s.logger.Debug("console client connected", "subscriber", sub.ID, "remote", r.RemoteAddr)

	// Refusals from the reader are written by the writer loop below; the
	// connection allows one concurrent writer.
	replies := make(chan StreamMessage, 8)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readCommands(conn, replies)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeFrame(conn, StreamMessage{Event: env.Event, Data: env.Data, Time: env.Time}); err != nil {
				return
			}
		case msg := <-replies:
			if err := writeFrame(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func (s *Server) readCommands(conn *websocket.Conn, replies chan<- StreamMessage) {
	conn.SetReadLimit(maxBodySize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("console client read error", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		cmd := strings.TrimRight(string(msg), "\r\n")
		if err := s.svc.SendCommand(cmd); err != nil {
			data, _ := json.Marshal(ErrorResponse{Error: err.Error()})
			select {
			case replies <- StreamMessage{Event: StreamError, Data: data, Time: time.Now()}:
			default:
			}
			if !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrInvalidCommand) {
				s.logger.Warn("console command failed", "error", err)
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
