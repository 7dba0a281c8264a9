package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// BoardLookup resolves the board named in the feed URL.
type BoardLookup interface {
	GetBoardByName(ctx context.Context, name string) (boarddb.Board, bool, error)
}

type Server struct {
	hub    *Hub
	boards BoardLookup
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, boards BoardLookup, logger *log.Logger) *Server {
	return &Server{
		hub:    hub,
		boards: boards,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			// The feed is read-only public data.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler serves GET /v1/boards/{name}/feed.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		board, ok, err := s.boards.GetBoardByName(r.Context(), name)
		if err != nil {
			s.printf("feed lookup board=%s err=%v", name, err)
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(rw, "board not found", http.StatusNotFound)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid := uuid.NewString()
		sub, ok := s.hub.subscribe(sid, board)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.hub.unsubscribe(sub)

		hello := protocol.FeedMessage{
			Type:            protocol.TypeHello,
			ProtocolVersion: protocol.Version,
			SessionID:       sid,
			Board:           board.Name,
			Time:            protocol.FormatTime(time.Now()),
		}
		if err := writeJSON(conn, hello); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-sub.out:
					if !ok {
						// Hub closed the subscription.
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(time.Second))
						_ = conn.Close()
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						_ = conn.Close()
						writeErr <- err
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						_ = conn.Close()
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: clients send nothing meaningful; reading keeps pongs
		// and close frames flowing.
		conn.SetReadLimit(4 * 1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
