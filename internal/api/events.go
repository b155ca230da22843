package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/roach88/meshsync/internal/event"
)

// eventBuffer is how many events a slow websocket client may lag behind
// before further events are dropped for it.
const eventBuffer = 64

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEvents streams every node event to the client as JSON until either
// side closes the connection. Client messages are read and discarded.
func (s *Server) handleEvents(c echo.Context) error {
	feed := make(chan event.Event, eventBuffer)
	unsubscribe := s.node.Events().Subscribe(func(ev event.Event) error {
		select {
		case feed <- ev:
		default:
			s.logger.Warn("event stream client lagging, dropping event", "kind", ev.Kind)
		}
		return nil
	})
	defer unsubscribe()

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer ws.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream closed", "error", err)
				}
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case ev := <-feed:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return nil
			}
		}
	}
}
