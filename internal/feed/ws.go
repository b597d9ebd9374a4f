package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Source opens subscriptions, usually the engine which adds the snapshot of
// already finished runs.
type Source interface {
	Subscribe(ctx context.Context, runID string) (*Subscription, error)
}

// Handler streams the events of the run in the {id} path segment as JSON
// websocket messages. The connection is closed after the terminal event.
//
//	mux.Handle("GET /runs/{id}/events", feed.Handler(engine))
func Handler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := strings.TrimSpace(r.PathValue("id"))
		if runID == "" {
			http.Error(w, "run id is required", http.StatusBadRequest)
			return
		}

		sub, err := src.Subscribe(r.Context(), runID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownRun) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		defer sub.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
			slog.ErrorContext(ctx, "feed ws set read deadline failed", "run_id", runID, "error", err)
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		// the reader only notices a client hang up
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		writeEvents(ctx, conn, sub)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
		_ = conn.Close()
		<-readerDone
	})
}

func writeEvents(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ErrUnknownRun is returned by a Source for run ids it has never seen.
var ErrUnknownRun = errors.New("unknown run")
