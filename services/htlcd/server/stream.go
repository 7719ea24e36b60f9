package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"htlcbridge/core/events"
)

const wsWriteTimeout = 10 * time.Second

type streamFilter struct {
	transfer string
	prefix   string
}

func (f streamFilter) match(update events.Update) bool {
	if update.Event == nil {
		return false
	}
	if f.prefix != "" && !strings.HasPrefix(update.Event.Type, f.prefix) {
		return false
	}
	if f.transfer != "" && !strings.EqualFold(update.Event.Attributes["id"], f.transfer) {
		return false
	}
	return true
}

// handleStream upgrades to a websocket and streams committed events. A
// cursor resumes after the given sequence from the retained history.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	q := r.URL.Query()
	cursor := strings.TrimSpace(q.Get("cursor"))
	filter := streamFilter{
		transfer: strings.TrimSpace(q.Get("transfer")),
		prefix:   strings.TrimSpace(q.Get("type")),
	}
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only used to notice the peer going away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string, filter streamFilter) error {
	updates, cancel, backlog := s.stream.Subscribe(ctx, cursor)
	defer func() {
		cancel()
		s.metrics.SetSubscribers(s.stream.Subscribers())
	}()
	s.metrics.SetSubscribers(s.stream.Subscribers())

	for _, update := range backlog {
		if !filter.match(update) {
			continue
		}
		if err := writeUpdate(ctx, conn, update); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if !filter.match(update) {
				continue
			}
			if err := writeUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update events.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
