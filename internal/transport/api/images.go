package api

import (
	"errors"
	"io/fs"
	"net/http"
	"path"

	"zhaba.dev/internal/persistence/imagestore"
)

func (s *Server) handleImage(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if !imagestore.ValidName(name) {
		notFound(rw, r, "image not found")
		return
	}
	f, st, err := s.images.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			notFound(rw, r, "image not found")
			return
		}
		s.fail(rw, r, "serve_image", err)
		return
	}
	defer f.Close()

	h := rw.Header()
	h.Set("Content-Type", imagestore.ContentType(path.Ext(name)))
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(rw, r, name, st.ModTime(), f)
}
