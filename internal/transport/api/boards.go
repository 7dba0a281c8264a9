package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/protocol"
)

const (
	dayLayout    = "2006-01-02"
	maxAdminBody = 64 << 10
)

func (s *Server) handleListBoards(rw http.ResponseWriter, r *http.Request) {
	boards, err := s.store.ListBoards(r.Context())
	if err != nil {
		s.fail(rw, r, "list_boards", err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.BoardList{Boards: protocol.FromBoards(boards)})
}

// parseDay maps YYYY-MM-DD to 23:59:59 UTC of that day.
func parseDay(v string) (time.Time, error) {
	d, err := time.Parse(dayLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD", v)
	}
	return d.Add(24*time.Hour - time.Second), nil
}

func (s *Server) handleBoardPage(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	board, ok, err := s.store.GetBoardByName(r.Context(), name)
	if err != nil {
		s.fail(rw, r, "get_board", err)
		return
	}
	if !ok {
		notFound(rw, r, "board not found")
		return
	}

	page := protocol.BoardPage{Board: protocol.FromBoard(board)}
	q := r.URL.Query()
	sv, ev := q.Get("s"), q.Get("e")

	var posts []boarddb.Post
	if sv != "" && ev != "" {
		start, err := parseDay(sv)
		if err != nil {
			badRequest(rw, r, err.Error())
			return
		}
		end, err := parseDay(ev)
		if err != nil {
			badRequest(rw, r, err.Error())
			return
		}
		page.Start, page.End = protocol.FormatTime(start), protocol.FormatTime(end)
		posts, err = s.store.ListPostsInRange(r.Context(), board.ID, start, end)
		if err != nil {
			s.fail(rw, r, "list_posts_in_range", err)
			return
		}
		if len(posts) > s.pageSize {
			posts = posts[:s.pageSize]
		}
	} else {
		posts, err = s.store.ListRecentPosts(r.Context(), board.ID, s.pageSize)
		if err != nil {
			s.fail(rw, r, "list_recent_posts", err)
			return
		}
	}
	page.Posts = protocol.FromPosts(posts, s.imageBase)
	writeJSON(rw, http.StatusOK, page)
}

func decodeBoardRequest(rw http.ResponseWriter, r *http.Request) (boarddb.NewBoard, error) {
	var req protocol.BoardRequest
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return boarddb.NewBoard{}, err
		}
		return boarddb.NewBoard{}, fmt.Errorf("%w: bad json: %v", boarddb.ErrInvalidInput, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return boarddb.NewBoard{}, fmt.Errorf("%w: trailing data after json body", boarddb.ErrInvalidInput)
	}
	color, err := protocol.ParseColor(req.Color)
	if err != nil {
		return boarddb.NewBoard{}, fmt.Errorf("%w: %v", boarddb.ErrInvalidInput, err)
	}
	return boarddb.NewBoard{Name: req.Name, Description: req.Description, Color: color}, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id must be a positive integer", boarddb.ErrInvalidInput)
	}
	return id, nil
}

func (s *Server) handleCreateBoard(rw http.ResponseWriter, r *http.Request) {
	nb, err := decodeBoardRequest(rw, r)
	if err != nil {
		s.fail(rw, r, "create_board", err)
		return
	}
	b, err := s.store.CreateBoard(r.Context(), nb)
	if err != nil {
		s.fail(rw, r, "create_board", err)
		return
	}
	writeJSON(rw, http.StatusCreated, protocol.FromBoard(b))
}

func (s *Server) handleUpdateBoard(rw http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(rw, r, "update_board", err)
		return
	}
	nb, err := decodeBoardRequest(rw, r)
	if err != nil {
		s.fail(rw, r, "update_board", err)
		return
	}
	b := boarddb.Board{ID: id, Name: nb.Name, Description: nb.Description, Color: nb.Color}
	if err := s.store.UpdateBoard(r.Context(), b); err != nil {
		s.fail(rw, r, "update_board", err)
		return
	}
	writeJSON(rw, http.StatusOK, protocol.FromBoard(b))
}

func (s *Server) handleDeleteBoard(rw http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(rw, r, "delete_board", err)
		return
	}
	if err := s.store.DeleteBoard(r.Context(), id); err != nil {
		s.fail(rw, r, "delete_board", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}
