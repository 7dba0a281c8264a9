// Package api is the JSON/HTTP front of the board database: board pages,
// multipart post upload, image serving and the token-guarded admin surface.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zhaba.dev/internal/bbcode"
	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/persistence/imagestore"
	"zhaba.dev/internal/whois"
)

// Store is the subset of *boarddb.Executor the API uses.
type Store interface {
	CreatePost(ctx context.Context, np boarddb.NewPost) (boarddb.Post, error)
	DeletePost(ctx context.Context, id int64) (bool, error)
	GetPost(ctx context.Context, id int64) (boarddb.Post, bool, error)
	ListPostsInRange(ctx context.Context, boardID int64, start, end time.Time) ([]boarddb.Post, error)
	ListRecentPosts(ctx context.Context, boardID int64, limit int) ([]boarddb.Post, error)
	ListBoards(ctx context.Context) ([]boarddb.Board, error)
	GetBoardByName(ctx context.Context, name string) (boarddb.Board, bool, error)
	CreateBoard(ctx context.Context, nb boarddb.NewBoard) (boarddb.Board, error)
	UpdateBoard(ctx context.Context, b boarddb.Board) error
	DeleteBoard(ctx context.Context, id int64) error
}

type WhoisLookup interface {
	Lookup(ctx context.Context, query string) (*whois.Result, error)
}

type Options struct {
	Store    Store
	Images   *imagestore.Store
	Renderer *bbcode.Renderer
	Whois    WhoisLookup
	Logger   *log.Logger

	// Feed serves GET /v1/boards/{name}/feed when set.
	Feed http.Handler
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Registerer receives the HTTP request counter when set.
	Registerer prometheus.Registerer

	// AdminToken guards /v1/admin; empty disables those routes.
	AdminToken     string
	TrustForwarded bool

	PageSize          int
	MaxPostLength     int
	MaxUploadSize     int64
	PostRatePerMinute float64
	PostBurst         int

	// ImageBase prefixes image URLs in responses. Defaults to /img.
	ImageBase string
	Debug     bool
}

type Server struct {
	store    Store
	images   *imagestore.Store
	renderer *bbcode.Renderer
	whois    WhoisLookup
	log      *log.Logger

	feed    http.Handler
	metrics http.Handler

	adminToken     string
	trustForwarded bool
	pageSize       int
	maxPostLength  int
	maxUploadSize  int64
	imageBase      string
	debug          bool

	limiter  *ipLimiter
	requests *prometheus.CounterVec
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if opts.Images == nil {
		return nil, errors.New("api: image store is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("api: bbcode renderer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Server{
		store:          opts.Store,
		images:         opts.Images,
		renderer:       opts.Renderer,
		whois:          opts.Whois,
		log:            logger,
		feed:           opts.Feed,
		metrics:        opts.Metrics,
		adminToken:     opts.AdminToken,
		trustForwarded: opts.TrustForwarded,
		pageSize:       opts.PageSize,
		maxPostLength:  opts.MaxPostLength,
		maxUploadSize:  opts.MaxUploadSize,
		imageBase:      opts.ImageBase,
		debug:          opts.Debug,
		limiter:        newIPLimiter(opts.PostRatePerMinute, opts.PostBurst),
	}
	if s.pageSize <= 0 {
		s.pageSize = 50
	}
	if s.maxPostLength <= 0 {
		s.maxPostLength = 4000
	}
	if s.maxUploadSize <= 0 {
		s.maxUploadSize = 8 << 20
	}
	if s.imageBase == "" {
		s.imageBase = "/img"
	}
	if opts.Registerer != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhaba",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"})
		if err := opts.Registerer.Register(s.requests); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /v1/boards", s.handleListBoards)
	mux.HandleFunc("GET /v1/boards/{name}", s.handleBoardPage)
	mux.HandleFunc("POST /v1/boards/{name}/posts", s.handleCreatePost)
	mux.HandleFunc("GET /v1/posts/{id}", s.handleGetPost)
	if s.feed != nil {
		mux.Handle("GET /v1/boards/{name}/feed", s.feed)
	}
	mux.HandleFunc("GET /img/{file}", s.handleImage)

	mux.Handle("POST /v1/admin/boards", s.requireAdmin(s.handleCreateBoard))
	mux.Handle("PUT /v1/admin/boards/{id}", s.requireAdmin(s.handleUpdateBoard))
	mux.Handle("DELETE /v1/admin/boards/{id}", s.requireAdmin(s.handleDeleteBoard))
	mux.Handle("DELETE /v1/admin/posts/{id}", s.requireAdmin(s.handleDeletePost))

	return s.withRequestID(s.instrument(mux))
}
