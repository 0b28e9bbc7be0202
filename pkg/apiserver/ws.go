package apiserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const feedWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// viewersFeed pushes the viewer list to a websocket after every sweep,
// starting with the current one.
func (router *streamRouter) viewersFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("Feed upgrade failed: %v", err)
			return
		}
		defer ws.Close()

		updates, unsubscribe := router.registry.Subscribe()
		defer unsubscribe()

		// the client only closes; reading notices that
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		viewers := router.registry.AllViewers()
		for {
			ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := ws.WriteJSON(viewers); err != nil {
				log.Debugf("Feed (%s) closed: %v", r.RemoteAddr, err)
				return
			}
			select {
			case viewers = <-updates:
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
