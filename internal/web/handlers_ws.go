package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	wsReadLimit    = 4096
	wsWriteTimeout = 10 * time.Second
)

var errHubClosed = errors.New("hub closed")

// handleWS upgrades the connection and serves one subscriber until either
// side goes away. Without allowed origins nhooyr enforces same-origin.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins})
	if err != nil {
		s.logger.Warn("ws accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := newWSClient(r.RemoteAddr)
	if !s.wsHub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.leave(client)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return s.wsWrite(ctx, conn, client) })
	g.Go(func() error { return s.wsRead(ctx, conn, client) })
	g.Go(func() error {
		select {
		case <-s.wsHub.done:
			return errHubClosed
		case <-ctx.Done():
			return nil
		}
	})

	switch err := g.Wait(); {
	case errors.Is(err, errHubClosed):
		conn.Close(websocket.StatusGoingAway, "server shutdown")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.logger.Debug("ws client gone", "client", client.addr, "err", err)
		conn.Close(websocket.StatusInternalError, "")
	}
}

// wsWrite drains the client's send buffer onto the connection.
func (s *Server) wsWrite(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-client.send:
			if !ok {
				return errHubClosed
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// wsRead handles client requests. The only one understood is
// request_status; anything else is ignored.
func (s *Server) wsRead(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &req) != nil || req.Type != msgRequestStatus {
			continue
		}
		s.wsHub.request(client)
	}
}
