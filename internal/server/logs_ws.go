package server

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogStream sends the current tail, then polls for new lines until the
// bot reaches a terminal state or the client goes away.
func (r *Router) handleLogStream(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	tail, ok := r.tail(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	// Reject unknown bots before upgrading so the client sees a 404.
	if _, err := r.svc.Status(ctx, name); err != nil {
		r.fail(c, name, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("ws upgrade", slog.String("bot", name), slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	// reader: notices client close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(r.logPoll)
	defer ticker.Stop()
	var sent []string
	for {
		lines, err := r.svc.Logs(ctx, name, tail)
		if err != nil {
			_, body := errorResponse(name, err)
			_ = conn.WriteJSON(body)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, body.Error))
			return
		}
		for _, l := range newLines(sent, lines) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(l)); err != nil {
				return
			}
		}
		sent = lines

		st, err := r.svc.Status(ctx, name)
		if err != nil || st.State.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.State)))
			return
		}

		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newLines returns the lines of cur not already covered by prev: the longest
// prefix of cur that is a suffix of prev is skipped.
func newLines(prev, cur []string) []string {
	maxOverlap := min(len(prev), len(cur))
	for k := maxOverlap; k > 0; k-- {
		if slices.Equal(prev[len(prev)-k:], cur[:k]) {
			return cur[k:]
		}
	}
	return cur
}
