package boarddb

import (
	"sync"
	"time"
)

// Kind identifies a request in the closed set understood by the worker.
type Kind uint8

const (
	KindCreatePost Kind = iota + 1
	KindDeletePost
	KindListPostsInRange
	KindListRecentPosts
	KindGetPost
	KindListBoards
	KindGetBoardByName
	KindCreateBoard
	KindUpdateBoard
	KindDeleteBoard
	KindListImageNames
)

var kindNames = map[Kind]string{
	KindCreatePost:       "create_post",
	KindDeletePost:       "delete_post",
	KindListPostsInRange: "list_posts_in_range",
	KindListRecentPosts:  "list_recent_posts",
	KindGetPost:          "get_post",
	KindListBoards:       "list_boards",
	KindGetBoardByName:   "get_board_by_name",
	KindCreateBoard:      "create_board",
	KindUpdateBoard:      "update_board",
	KindDeleteBoard:      "delete_board",
	KindListImageNames:   "list_image_names",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// request is implemented by exactly one struct per Kind.
type request interface {
	kind() Kind
}

type createPostReq struct{ post NewPost }

type deletePostReq struct{ id int64 }

type listPostsInRangeReq struct {
	board      int64
	start, end int64
}

type listRecentPostsReq struct {
	board int64
	limit int
}

type getPostReq struct{ id int64 }

type listBoardsReq struct{}

type getBoardByNameReq struct{ name string }

type createBoardReq struct{ board NewBoard }

type updateBoardReq struct{ board Board }

type deleteBoardReq struct{ id int64 }

type listImageNamesReq struct{}

func (createPostReq) kind() Kind       { return KindCreatePost }
func (deletePostReq) kind() Kind       { return KindDeletePost }
func (listPostsInRangeReq) kind() Kind { return KindListPostsInRange }
func (listRecentPostsReq) kind() Kind  { return KindListRecentPosts }
func (getPostReq) kind() Kind          { return KindGetPost }
func (listBoardsReq) kind() Kind       { return KindListBoards }
func (getBoardByNameReq) kind() Kind   { return KindGetBoardByName }
func (createBoardReq) kind() Kind      { return KindCreateBoard }
func (updateBoardReq) kind() Kind      { return KindUpdateBoard }
func (deleteBoardReq) kind() Kind      { return KindDeleteBoard }
func (listImageNamesReq) kind() Kind   { return KindListImageNames }

type reply struct {
	value any
	err   error
}

// task pairs a request with its one-shot reply slot. reply has capacity 1 so
// the worker never blocks on a caller that went away.
type task struct {
	req      request
	reply    chan reply
	enqueued time.Time
}

func newTask(req request) *task {
	return &task{req: req, reply: make(chan reply, 1), enqueued: time.Now()}
}

// queue is the FIFO intake between many submitters and the single worker.
// It is unbounded unless max > 0.
type queue struct {
	mu     sync.Mutex
	items  []*task
	head   int
	max    int
	closed bool

	wake chan struct{}
}

func newQueue(max int) *queue {
	return &queue{max: max, wake: make(chan struct{}, 1)}
}

func (q *queue) push(t *task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.max > 0 && len(q.items)-q.head >= q.max {
		q.mu.Unlock()
		return ErrBusy
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

// pop blocks until a task is available. It returns false once the queue is
// closed and drained.
func (q *queue) pop() (*task, bool) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			t := q.items[q.head]
			q.items[q.head] = nil
			q.head++
			switch {
			case q.head == len(q.items):
				q.items = q.items[:0]
				q.head = 0
			case q.head >= 1024 && q.head*2 >= len(q.items):
				n := copy(q.items, q.items[q.head:])
				clear(q.items[n:])
				q.items = q.items[:n]
				q.head = 0
			}
			q.mu.Unlock()
			return t, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
