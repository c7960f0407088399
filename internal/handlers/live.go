package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/events"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second

	// feedSendBuffer is per-client; a client that cannot drain it in time
	// is dropped rather than allowed to stall the broadcast.
	feedSendBuffer = 16
)

// ZoneFeed pushes verified-report zone updates to websocket subscribers
// on /api/v1/risk-zones/live.
type ZoneFeed struct {
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewZoneFeed builds the live zone update feed.
func NewZoneFeed(log *logrus.Logger) *ZoneFeed {
	return &ZoneFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log.WithField("component", "handlers.zonefeed"),
		clients: make(map[*feedClient]struct{}),
	}
}

type zoneUpdateMessage struct {
	Type       string    `json:"type"`
	ReportID   string    `json:"report_id,omitempty"`
	ZoneID     string    `json:"zone_id,omitempty"`
	HazardType string    `json:"hazard_type,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Broadcast fans a verified report out to every connected client. Slow
// clients are disconnected instead of blocking the event path.
func (f *ZoneFeed) Broadcast(event events.ReportVerified) {
	payload, err := json.Marshal(zoneUpdateMessage{
		Type:       "zone_update",
		ReportID:   event.ReportID,
		ZoneID:     event.ZoneID,
		HazardType: event.HazardType,
		VerifiedAt: event.VerifiedAt,
	})
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- payload:
		default:
			delete(f.clients, client)
			close(client.send)
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (f *ZoneFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Handle upgrades the request and serves the feed until the client
// disconnects.
func (f *ZoneFeed) Handle(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writePump(client)
	f.readPump(client)
}

func (f *ZoneFeed) remove(client *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[client]; ok {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
	client.conn.Close()
}

// readPump discards inbound frames; the feed is push-only. It exists to
// process pongs and detect the close handshake.
func (f *ZoneFeed) readPump(client *feedClient) {
	defer f.remove(client)
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *ZoneFeed) writePump(client *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
