package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/protocol"
)

type fakeBoards map[string]boarddb.Board

func (f fakeBoards) GetBoardByName(_ context.Context, name string) (boarddb.Board, bool, error) {
	b, ok := f[name]
	return b, ok, nil
}

func startFeed(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	boards := fakeBoards{
		"b": {ID: 1, Name: "b"},
		"c": {ID: 2, Name: "c"},
	}
	mux := http.NewServeMux()
	mux.Handle("GET /v1/boards/{name}/feed", NewServer(hub, boards, nil).Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, board string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/boards/" + board + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.FeedMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m protocol.FeedMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestFeed_BroadcastsBoardEvents(t *testing.T) {
	hub := NewHub("/img", nil)
	srv := startFeed(t, hub)
	conn := dial(t, srv, "b")

	hello := readMsg(t, conn)
	if hello.Type != protocol.TypeHello || hello.Board != "b" || hello.SessionID == "" {
		t.Fatalf("hello=%+v", hello)
	}

	img := "abcdefghijABCDEFGHIJ0123456789ab.png"
	hub.Publish(boarddb.Event{Kind: boarddb.EventPostCreated, BoardID: 2, PostID: 9, Post: &boarddb.Post{ID: 9, Board: 2}})
	hub.Publish(boarddb.Event{
		Kind: boarddb.EventPostCreated, Time: time.Unix(100, 0), BoardID: 1, PostID: 5,
		Post: &boarddb.Post{ID: 5, Board: 1, Content: "hi", Image: &img, Time: time.Unix(100, 0)},
	})
	hub.Publish(boarddb.Event{Kind: boarddb.EventPostDeleted, Time: time.Unix(200, 0), BoardID: 1, PostID: 5})

	created := readMsg(t, conn)
	if created.Type != protocol.TypePostCreated || created.Post == nil || created.Post.ID != 5 {
		t.Fatalf("created=%+v", created)
	}
	if created.Post.ImageURL != "/img/"+img {
		t.Fatalf("image url=%q", created.Post.ImageURL)
	}
	deleted := readMsg(t, conn)
	if deleted.Type != protocol.TypePostDeleted || deleted.PostID != 5 || deleted.Board != "b" {
		t.Fatalf("deleted=%+v", deleted)
	}

	hub.Publish(boarddb.Event{Kind: boarddb.EventBoardDeleted, BoardID: 1})
	closed := readMsg(t, conn)
	if closed.Type != protocol.TypeBoardClosed {
		t.Fatalf("closed=%+v", closed)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should close after BOARD_CLOSED")
	}
	if st := hub.Stats(); st.Subscribers != 0 || st.SentTotal != 3 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestFeed_UnknownBoard(t *testing.T) {
	srv := startFeed(t, NewHub("/img", nil))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/boards/nope/feed"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp=%v want 404", resp)
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := NewHub("/img", nil)
	srv := startFeed(t, hub)
	conn := dial(t, srv, "c")
	readMsg(t, conn)

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after hub shutdown")
	}
	hub.Publish(boarddb.Event{Kind: boarddb.EventPostDeleted, BoardID: 2, PostID: 1})
	if _, ok := hub.subscribe("late", boarddb.Board{ID: 2, Name: "c"}); ok {
		t.Fatalf("subscribe after close should fail")
	}
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewHub("", nil)
	hub.queueSize = 1
	sub, ok := hub.subscribe("s", boarddb.Board{ID: 1, Name: "b"})
	if !ok {
		t.Fatalf("subscribe failed")
	}
	for i := 1; i <= 3; i++ {
		hub.Publish(boarddb.Event{Kind: boarddb.EventPostDeleted, BoardID: 1, PostID: int64(i)})
	}
	if st := hub.Stats(); st.SentTotal != 1 || st.DroppedTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
	hub.unsubscribe(sub)
	hub.unsubscribe(sub)
	if _, open := <-sub.out; !open {
		t.Fatalf("queued message should still be readable")
	}
	if _, open := <-sub.out; open {
		t.Fatalf("channel should be closed")
	}
}
