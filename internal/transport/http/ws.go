package httpapi

import (
	"net/http"
	"strings"
	"time"

	"margind/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// handlePriceStream upgrades to a websocket and forwards the gateway's
// price events, optionally filtered by ?symbols=BTCUSDT,ETHUSDT. The
// feed bus already bounds and sheds per-subscriber queues, so a slow
// client only loses its own events.
func (r *Router) handlePriceStream(c *gin.Context) {
	filter := parseSymbolFilter(c.Query("symbols"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed ip=%s: %v", c.ClientIP(), err)
		return
	}
	subID, events := r.Feed.Subscribe()
	defer func() {
		r.Feed.Unsubscribe(subID)
		conn.Close()
	}()
	logger.Debugf("[ws] subscriber %s connected ip=%s", subID, c.ClientIP())

	// Reader goroutine: only there to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if len(filter) > 0 {
				if _, want := filter[evt.Symbol]; !want {
					continue
				}
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Debugf("[ws] subscriber %s write failed: %v", subID, err)
				return
			}
		}
	}
}

func parseSymbolFilter(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, sym := range strings.Split(raw, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			out[sym] = struct{}{}
		}
	}
	return out
}
