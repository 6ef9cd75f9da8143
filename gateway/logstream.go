package gateway

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type logEvent struct {
	Timestamp string `json:"timestamp"`
	Line      string `json:"line"`
}

// streamLogs tails the subprocess's stderr over a WebSocket connection, one
// JSON frame per line. Useful for watching the tool server without shell
// access to the host.
func (g *Gateway) streamLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if g.tap == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "log streaming unavailable"})
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	g.log.Debug("log stream client connected")

	lines, cancel := g.tap()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case line, ok := <-lines:
			if !ok {
				_ = wsConn.Close(websocket.StatusNormalClosure, "log source closed")
				return
			}
			ev := logEvent{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Line: line}
			if err := wsjson.Write(ctx, wsConn, ev); err != nil {
				g.log.Debugf("log stream write error: %s", err)
				return
			}
		}
	}
}
