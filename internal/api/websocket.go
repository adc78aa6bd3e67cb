package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copytrade-core/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth already happened in middleware; dashboards connect cross-origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamedEvents are the topics pushed to websocket clients.
var streamedEvents = []events.Event{
	events.EventMasterFill,
	events.EventOrderFilled,
	events.EventOrderRejected,
	events.EventPositionOpened,
	events.EventPositionExit,
	events.EventPositionClosed,
	events.EventFanoutDone,
	events.EventDriftDetected,
	events.EventIncident,
	events.EventWorkerPaused,
	events.EventWorkerResumed,
}

type wsMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	At      int64  `json:"at"`
}

// handleWebsocket streams bus events to one client until it disconnects.
// Slow clients lose messages by bus contract rather than stalling trading.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	merged := make(chan wsMessage, 256)
	done := make(chan struct{})
	defer close(done)

	for _, ev := range streamedEvents {
		ch, unsub := s.engine.Bus().Subscribe(ev, 32)
		defer unsub()
		go func(ev events.Event, ch <-chan any) {
			for {
				select {
				case <-done:
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- wsMessage{Event: string(ev), Payload: payload, At: time.Now().UnixMilli()}:
					default:
					}
				}
			}
		}(ev, ch)
	}

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
