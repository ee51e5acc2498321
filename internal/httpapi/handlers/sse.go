package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/querychat/internal/stream"
)

// sseWriter frames server-sent events. Headers go out with the first event,
// so a handler can still answer with a plain JSON error before that.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	f, ok := c.Writer.(http.Flusher)
	return &sseWriter{c: c, flusher: f}, ok
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	w.started = true
	w.c.Header("Content-Type", "text/event-stream")
	w.c.Header("Cache-Control", "no-cache")
	w.c.Header("Connection", "keep-alive")
	w.c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	w.c.Status(http.StatusOK)
	w.flusher.Flush()
}

func (w *sseWriter) write(event string, payload any) {
	w.start()
	b, err := json.Marshal(payload)
	if err != nil {
		// keep SSE framing intact
		fmt.Fprintf(w.c.Writer, "event: %s\ndata: {\"error\":\"json marshal failed\"}\n\n", stream.StreamError)
		w.flusher.Flush()
		return
	}
	fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", event, b)
	w.flusher.Flush()
}

// send writes ev with the SSE event name set to its type.
func (w *sseWriter) send(ev stream.Event) {
	ev.Origin = ""
	w.write(string(ev.Type), ev)
}

func (w *sseWriter) ping() {
	w.write("ping", gin.H{"ts": time.Now().Unix()})
}
