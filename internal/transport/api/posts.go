package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/persistence/imagestore"
	"zhaba.dev/internal/protocol"
	"zhaba.dev/internal/whois"
)

const (
	// multipart overhead allowed on top of the image itself
	formSlack       = 1 << 20
	imageNameTries  = 3
	multipartMemory = 1 << 20
)

func (s *Server) handleCreatePost(rw http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	if !s.limiter.allow(ip) {
		rw.Header().Set("Retry-After", "10")
		writeError(rw, r, http.StatusTooManyRequests, protocol.ErrRateLimit, "posting too fast")
		return
	}

	r.Body = http.MaxBytesReader(rw, r.Body, s.maxUploadSize+formSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(rw, r, "create_post", err)
			return
		}
		badRequest(rw, r, "expected multipart/form-data body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	content := r.FormValue("content")
	if strings.TrimSpace(content) == "" {
		badRequest(rw, r, "content is empty")
		return
	}
	if n := utf8.RuneCountInString(content); n > s.maxPostLength {
		badRequest(rw, r, fmt.Sprintf("content is %d chars, limit is %d", n, s.maxPostLength))
		return
	}

	var reply *int64
	if v := strings.TrimSpace(r.FormValue("reply")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			badRequest(rw, r, "reply must be a post id")
			return
		}
		reply = &id
	}

	data, err := s.readImage(r)
	if err != nil {
		if errors.Is(err, errImageTooLarge) {
			writeError(rw, r, http.StatusRequestEntityTooLarge, protocol.ErrTooLarge,
				fmt.Sprintf("image exceeds %d bytes", s.maxUploadSize))
			return
		}
		s.fail(rw, r, "create_post", err)
		return
	}
	if len(data) > 0 && imagestore.Sniff(data) == "" {
		badRequest(rw, r, boarddb.ErrUnsupportedImage.Error())
		return
	}

	var who *whois.Result
	if s.whois != nil {
		who, err = s.whois.Lookup(r.Context(), ip)
		if err != nil {
			s.log.Printf("whois failed req=%s ip=%s err=%v", requestID(r.Context()), ip, err)
			writeError(rw, r, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
			return
		}
	}

	np := boarddb.NewPost{
		Board:   r.PathValue("name"),
		Content: s.renderer.Render(content),
		IP:      ip,
		Whois:   who,
		Reply:   reply,
	}
	var post boarddb.Post
	for try := 0; ; try++ {
		np.Image, err = boarddb.PrepareImage(data)
		if err != nil {
			s.fail(rw, r, "create_post", err)
			return
		}
		post, err = s.store.CreatePost(r.Context(), np)
		if errors.Is(err, boarddb.ErrImageExists) && try+1 < imageNameTries {
			continue
		}
		break
	}
	if err != nil {
		s.fail(rw, r, "create_post", err)
		return
	}
	writeJSON(rw, http.StatusCreated, protocol.FromPost(post, s.imageBase))
}

var errImageTooLarge = errors.New("image too large")

// readImage returns the uploaded image bytes, or nil when no file was sent.
func (s *Server) readImage(r *http.Request) ([]byte, error) {
	f, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: image field: %v", boarddb.ErrInvalidInput, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxUploadSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxUploadSize {
		return nil, errImageTooLarge
	}
	return data, nil
}

func (s *Server) handleGetPost(rw http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(rw, r, "get_post", err)
		return
	}
	p, ok, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		s.fail(rw, r, "get_post", err)
		return
	}
	if !ok {
		notFound(rw, r, "post not found")
		return
	}
	writeJSON(rw, http.StatusOK, protocol.FromPost(p, s.imageBase))
}

func (s *Server) handleDeletePost(rw http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(rw, r, "delete_post", err)
		return
	}
	ok, err := s.store.DeletePost(r.Context(), id)
	if err != nil {
		s.fail(rw, r, "delete_post", err)
		return
	}
	if !ok {
		notFound(rw, r, "post not found")
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}
