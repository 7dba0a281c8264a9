package boarddb

import (
	"database/sql"
	"errors"
	"strings"

	"zhaba.dev/internal/persistence/imagestore"
)

const (
	insertPost = `INSERT INTO posts(content, image, ip, asn, mnt, reply, board, time) VALUES(?,?,?,?,?,?,?,?)`
	deletePost = `DELETE FROM posts WHERE id = ? RETURNING image, board`

	selectPostByID     = `SELECT ` + postColumns + ` ` + postFrom + ` WHERE p.id = ?`
	selectPostsInRange = `SELECT ` + postColumns + ` ` + postFrom + `
	WHERE p.board = ? AND p.time >= ? AND p.time < ?
	ORDER BY p.time DESC, p.id DESC`
	selectRecentPosts = `SELECT ` + postColumns + ` ` + postFrom + `
	WHERE p.board = ?
	ORDER BY p.time DESC, p.id DESC
	LIMIT ?`
	selectImageNames = `SELECT image FROM posts WHERE image IS NOT NULL ORDER BY image`

	insertBoard       = `INSERT INTO boards(name, description, color) VALUES(?,?,?)`
	updateBoard       = `UPDATE boards SET name = ?, description = ?, color = ? WHERE id = ?`
	deleteBoard       = `DELETE FROM boards WHERE id = ?`
	selectBoards      = `SELECT id, name, description, color FROM boards ORDER BY id`
	selectBoardByName = `SELECT id, name, description, color FROM boards WHERE name = ?`
)

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// createPost inserts a post, writing its image first when there is one.
// Ordering is file-then-row inside one transaction: a failed file write
// leaves no row, and a failed insert or commit leaves at worst an
// unreferenced file.
func (s *Store) createPost(req createPostReq) (Post, error) {
	np := req.post
	now := s.now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return Post{}, storageErr("create post: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boardID int64
	if err := tx.QueryRow(`SELECT id FROM boards WHERE name = ?`, np.Board).Scan(&boardID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, ErrBoardNotFound
		}
		return Post{}, storageErr("create post: resolve board", err)
	}
	if np.Reply != nil {
		var one int
		if err := tx.QueryRow(`SELECT 1 FROM posts WHERE id = ?`, *np.Reply).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Post{}, ErrReplyNotFound
			}
			return Post{}, storageErr("create post: resolve reply", err)
		}
	}

	var image *string
	var imageArg any
	if np.Image != nil {
		name := np.Image.Name
		if err := s.images.Create(name, np.Image.Data); err != nil {
			switch {
			case errors.Is(err, imagestore.ErrExists):
				return Post{}, ErrImageExists
			case errors.Is(err, imagestore.ErrInvalidName):
				return Post{}, invalidf("image name %q", name)
			}
			return Post{}, storageErr("create post: write image", err)
		}
		image = &name
		imageArg = name
	}
	orphan := func(cause error) {
		if image != nil {
			s.orphaned(*image, cause)
		}
	}

	var asn, mnt, replyArg any
	if np.Whois != nil {
		asn, mnt = int64(np.Whois.ASN), np.Whois.Mnt
	}
	if np.Reply != nil {
		replyArg = *np.Reply
	}
	res, err := tx.Exec(insertPost, np.Content, imageArg, np.IP, asn, mnt, replyArg, boardID, encodeTime(now))
	if err != nil {
		orphan(err)
		return Post{}, storageErr("create post: insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		orphan(err)
		return Post{}, storageErr("create post: last insert id", err)
	}
	post, err := scanPost(tx.QueryRow(selectPostByID, id))
	if err != nil {
		orphan(err)
		return Post{}, storageErr("create post: reload", err)
	}
	if err := tx.Commit(); err != nil {
		orphan(err)
		return Post{}, storageErr("create post: commit", err)
	}

	s.publish(Event{Kind: EventPostCreated, Time: now, BoardID: boardID, BoardName: np.Board, PostID: post.ID, Post: &post})
	return post, nil
}

// deletePost removes the row and then its image. The file goes only after the
// commit, so a crash in between leaves an orphaned file and never a row
// pointing at a missing one.
func (s *Store) deletePost(req deletePostReq) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, storageErr("delete post: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		image   sql.NullString
		boardID int64
	)
	if err := tx.QueryRow(deletePost, req.id).Scan(&image, &boardID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, storageErr("delete post", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("delete post: commit", err)
	}

	if image.Valid {
		if err := s.images.Remove(image.String); err != nil {
			s.orphaned(image.String, err)
		}
	}
	s.publish(Event{Kind: EventPostDeleted, Time: s.now().UTC(), BoardID: boardID, PostID: req.id, Image: image.String})
	return true, nil
}

func (s *Store) listPostsInRange(req listPostsInRangeReq) ([]Post, error) {
	rows, err := s.db.Query(selectPostsInRange, req.board, req.start, req.end)
	if err != nil {
		return nil, storageErr("list posts", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, storageErr("list posts", err)
	}
	return posts, nil
}

func (s *Store) listRecentPosts(req listRecentPostsReq) ([]Post, error) {
	if req.limit <= 0 {
		return []Post{}, nil
	}
	rows, err := s.db.Query(selectRecentPosts, req.board, req.limit)
	if err != nil {
		return nil, storageErr("list recent posts", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, storageErr("list recent posts", err)
	}
	return posts, nil
}

type postLookup struct {
	post  Post
	found bool
}

func (s *Store) getPost(req getPostReq) (postLookup, error) {
	p, err := scanPost(s.db.QueryRow(selectPostByID, req.id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return postLookup{}, nil
		}
		return postLookup{}, storageErr("get post", err)
	}
	return postLookup{post: p, found: true}, nil
}

func (s *Store) listImageNames(listImageNamesReq) ([]string, error) {
	rows, err := s.db.Query(selectImageNames)
	if err != nil {
		return nil, storageErr("list image names", err)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storageErr("list image names", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list image names", err)
	}
	return names, nil
}

func (s *Store) listBoards(listBoardsReq) ([]Board, error) {
	rows, err := s.db.Query(selectBoards)
	if err != nil {
		return nil, storageErr("list boards", err)
	}
	defer rows.Close()
	boards := []Board{}
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, storageErr("list boards", err)
		}
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list boards", err)
	}
	return boards, nil
}

type boardLookup struct {
	board Board
	found bool
}

func (s *Store) getBoardByName(req getBoardByNameReq) (boardLookup, error) {
	b, err := lookupBoard(s.db, selectBoardByName, req.name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return boardLookup{}, nil
		}
		return boardLookup{}, storageErr("get board", err)
	}
	return boardLookup{board: b, found: true}, nil
}

func lookupBoard(q queryRower, query string, arg any) (Board, error) {
	return scanBoard(q.QueryRow(query, arg))
}

func validateBoard(name string, color uint32) error {
	if strings.TrimSpace(name) == "" {
		return invalidf("empty board name")
	}
	if color > MaxColor {
		return invalidf("color %#x is not 24-bit", color)
	}
	return nil
}

func (s *Store) createBoard(req createBoardReq) (Board, error) {
	nb := req.board
	if err := validateBoard(nb.Name, nb.Color); err != nil {
		return Board{}, err
	}
	res, err := s.db.Exec(insertBoard, nb.Name, nb.Description, int64(nb.Color))
	if err != nil {
		if isUniqueViolation(err) {
			return Board{}, ErrBoardExists
		}
		return Board{}, storageErr("create board", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Board{}, storageErr("create board: last insert id", err)
	}
	b := Board{ID: id, Name: nb.Name, Description: nb.Description, Color: nb.Color}
	s.publish(Event{Kind: EventBoardCreated, Time: s.now().UTC(), BoardID: id, BoardName: b.Name, Board: &b})
	return b, nil
}

func (s *Store) updateBoard(req updateBoardReq) (struct{}, error) {
	b := req.board
	if err := validateBoard(b.Name, b.Color); err != nil {
		return struct{}{}, err
	}
	res, err := s.db.Exec(updateBoard, b.Name, b.Description, int64(b.Color), b.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return struct{}{}, ErrBoardExists
		}
		return struct{}{}, storageErr("update board", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return struct{}{}, storageErr("update board: rows affected", err)
	}
	if n == 0 {
		return struct{}{}, ErrBoardNotFound
	}
	s.publish(Event{Kind: EventBoardUpdated, Time: s.now().UTC(), BoardID: b.ID, BoardName: b.Name, Board: &b})
	return struct{}{}, nil
}

func (s *Store) deleteBoard(req deleteBoardReq) (struct{}, error) {
	res, err := s.db.Exec(deleteBoard, req.id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return struct{}{}, ErrBoardNotEmpty
		}
		return struct{}{}, storageErr("delete board", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return struct{}{}, storageErr("delete board: rows affected", err)
	}
	if n == 0 {
		return struct{}{}, ErrBoardNotFound
	}
	s.publish(Event{Kind: EventBoardDeleted, Time: s.now().UTC(), BoardID: req.id})
	return struct{}{}, nil
}
