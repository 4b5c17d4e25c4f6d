package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/events"
)

// Subscribe streams the change events of the volume matching the query
// parameters, as Server-Sent Events or, with ws=1, over a websocket.
func (s *Service) Subscribe(w http.ResponseWriter, r *http.Request) {
	filter := events.ParseFilter(r.URL.Query(), "cmd", "ws")
	logger := s.logger.WithField("filter", filter)

	if r.URL.Query().Get("ws") != "" {
		s.subscribeWebsocket(w, r, filter)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, r, common.Errorf("subscribe", common.Internal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	logger.Debug("Subscribed")
	err := s.spooler.Subscribe(r.Context(), filter, func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	logger.WithError(err).Debug("Unsubscribed")
}

func (s *Service) subscribeWebsocket(w http.ResponseWriter, r *http.Request, filter events.Filter) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// the peer never talks; CloseRead cancels ctx when it goes away
	ctx := conn.CloseRead(r.Context())

	err = s.spooler.Subscribe(ctx, filter, func(ev events.Event) error {
		return wsjson.Write(ctx, conn, ev)
	})
	if err == context.Canceled {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.logger.WithError(err).Debug("WebSocket subscription ended")
}
