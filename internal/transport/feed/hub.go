// Package feed pushes new and deleted posts to websocket clients watching a
// board.
package feed

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/protocol"
)

const defaultSubscriberQueue = 64

type subscriber struct {
	id      string
	boardID int64
	out     chan []byte
	closed  bool
}

type Stats struct {
	Subscribers  int
	SentTotal    uint64
	DroppedTotal uint64
}

// Hub fans committed post events out to board subscribers. It implements
// boarddb.EventSink; Publish never blocks, and a subscriber whose queue is
// full misses the message.
type Hub struct {
	log       *log.Logger
	imageBase string
	queueSize int

	mu     sync.Mutex
	boards map[int64]map[*subscriber]struct{}
	names  map[int64]string
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(imageBase string, logger *log.Logger) *Hub {
	return &Hub{
		log:       logger,
		imageBase: imageBase,
		queueSize: defaultSubscriberQueue,
		boards:    map[int64]map[*subscriber]struct{}{},
		names:     map[int64]string{},
	}
}

func (h *Hub) subscribe(id string, board boarddb.Board) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &subscriber{id: id, boardID: board.ID, out: make(chan []byte, h.queueSize)}
	set := h.boards[board.ID]
	if set == nil {
		set = map[*subscriber]struct{}{}
		h.boards[board.ID] = set
	}
	set[s] = struct{}{}
	h.names[board.ID] = board.Name
	return s, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *subscriber) {
	if set := h.boards[s.boardID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.boards, s.boardID)
			delete(h.names, s.boardID)
		}
	}
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Publish implements boarddb.EventSink.
func (h *Hub) Publish(ev boarddb.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.boards[ev.BoardID]) == 0 {
		return
	}
	if ev.Kind == boarddb.EventBoardUpdated && ev.BoardName != "" {
		h.names[ev.BoardID] = ev.BoardName
	}

	msg := protocol.FeedMessage{
		ProtocolVersion: protocol.Version,
		Board:           h.names[ev.BoardID],
		Time:            protocol.FormatTime(ev.Time),
	}
	switch ev.Kind {
	case boarddb.EventPostCreated:
		if ev.Post == nil {
			return
		}
		p := protocol.FromPost(*ev.Post, h.imageBase)
		msg.Type = protocol.TypePostCreated
		msg.Post = &p
	case boarddb.EventPostDeleted:
		msg.Type = protocol.TypePostDeleted
		msg.PostID = ev.PostID
	case boarddb.EventBoardDeleted:
		msg.Type = protocol.TypeBoardClosed
	default:
		return
	}

	b, err := json.Marshal(msg)
	if err != nil {
		h.printf("feed marshal kind=%s err=%v", ev.Kind, err)
		return
	}
	for s := range h.boards[ev.BoardID] {
		select {
		case s.out <- b:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	if ev.Kind == boarddb.EventBoardDeleted {
		for s := range h.boards[ev.BoardID] {
			h.removeLocked(s)
		}
	}
}

// Close disconnects every subscriber. Later Publish calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.boards {
		for s := range set {
			h.removeLocked(s)
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := 0
	for _, set := range h.boards {
		n += len(set)
	}
	h.mu.Unlock()
	return Stats{Subscribers: n, SentTotal: h.sent.Load(), DroppedTotal: h.dropped.Load()}
}

func (h *Hub) printf(format string, args ...any) {
	if h.log != nil {
		h.log.Printf(format, args...)
	}
}
