package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsPollInterval paces the event poll behind a streaming connection.
const wsPollInterval = 500 * time.Millisecond

// streamTaskEvents pushes task events over a websocket as individual JSON
// frames, each exactly once in sequence order. The connection closes
// normally once the task is terminal and every event has been delivered,
// or whenever the client goes away.
func (s *Server) streamTaskEvents(w http.ResponseWriter, r *http.Request) {
	tsk := s.taskFromPath(w, r)
	if tsk == nil {
		return
	}

	accept := &websocket.AcceptOptions{}
	if len(s.opts.AllowedOrigins) == 0 {
		accept.InsecureSkipVerify = true
	} else {
		accept.OriginPatterns = s.opts.AllowedOrigins
	}

	conn, err := websocket.Accept(w, r, accept)
	if err != nil {
		s.logger.Warn("websocket accept failed",
			slog.String("task_id", tsk.ID),
			slog.String("error", err.Error()),
		)

		return
	}
	defer conn.CloseNow()

	// The stream is write-only; CloseRead surfaces a client close as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	after := afterSeq(r)

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		for _, ev := range tsk.Events(after) {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}

			after = ev.Seq
		}

		if tsk.Status().Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "task finished")

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
