package boarddb

import (
	"context"
	"time"
)

// Executor submits requests to the worker and waits for the reply. It is safe
// for concurrent use; copies share the same intake and never the database.
//
// If ctx ends while a request is queued or running, the call returns
// ctx.Err() but the request still runs to completion and its reply is
// dropped.
type Executor struct {
	q *queue
}

func call[V any](ctx context.Context, e *Executor, req request) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	t := newTask(req)
	if err := e.q.push(t); err != nil {
		return zero, err
	}
	select {
	case r := <-t.reply:
		v, _ := r.value.(V)
		return v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// CreatePost stores a post on the named board, writing np.Image first if
// present. It fails with ErrBoardNotFound, ErrReplyNotFound or ErrImageExists
// without creating a row.
func (e *Executor) CreatePost(ctx context.Context, np NewPost) (Post, error) {
	return call[Post](ctx, e, createPostReq{post: np})
}

// DeletePost reports whether a post with id existed. Its image, if any, is
// removed after the row.
func (e *Executor) DeletePost(ctx context.Context, id int64) (bool, error) {
	return call[bool](ctx, e, deletePostReq{id: id})
}

// ListPostsInRange returns the board's posts with start <= time < end,
// newest first.
func (e *Executor) ListPostsInRange(ctx context.Context, boardID int64, start, end time.Time) ([]Post, error) {
	return call[[]Post](ctx, e, listPostsInRangeReq{board: boardID, start: encodeTime(start), end: encodeTime(end)})
}

// ListRecentPosts returns at most limit of the board's newest posts.
func (e *Executor) ListRecentPosts(ctx context.Context, boardID int64, limit int) ([]Post, error) {
	return call[[]Post](ctx, e, listRecentPostsReq{board: boardID, limit: limit})
}

func (e *Executor) GetPost(ctx context.Context, id int64) (Post, bool, error) {
	r, err := call[postLookup](ctx, e, getPostReq{id: id})
	return r.post, r.found, err
}

// ListBoards returns every board ordered by id.
func (e *Executor) ListBoards(ctx context.Context) ([]Board, error) {
	return call[[]Board](ctx, e, listBoardsReq{})
}

func (e *Executor) GetBoardByName(ctx context.Context, name string) (Board, bool, error) {
	r, err := call[boardLookup](ctx, e, getBoardByNameReq{name: name})
	return r.board, r.found, err
}

// CreateBoard fails with ErrBoardExists when the name is taken.
func (e *Executor) CreateBoard(ctx context.Context, nb NewBoard) (Board, error) {
	return call[Board](ctx, e, createBoardReq{board: nb})
}

func (e *Executor) UpdateBoard(ctx context.Context, b Board) error {
	_, err := call[struct{}](ctx, e, updateBoardReq{board: b})
	return err
}

// DeleteBoard fails with ErrBoardNotEmpty while posts still reference the board.
func (e *Executor) DeleteBoard(ctx context.Context, id int64) error {
	_, err := call[struct{}](ctx, e, deleteBoardReq{id: id})
	return err
}

// ListImageNames returns every image filename referenced by a post.
func (e *Executor) ListImageNames(ctx context.Context) ([]string, error) {
	return call[[]string](ctx, e, listImageNamesReq{})
}
