// Package boarddb owns the board/post database. A single worker goroutine holds
// the only SQLite handle and executes requests one at a time in arrival
// order; everything else talks to it through an Executor.
package boarddb

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"zhaba.dev/internal/persistence/imagestore"
)

type Options struct {
	// Images is where post attachments live. Required.
	Images *imagestore.Store
	Logger *log.Logger

	// Now stamps new posts and events. Defaults to time.Now.
	Now func() time.Time

	// MaxPending bounds the intake queue; 0 leaves it unbounded.
	MaxPending int

	// Debug logs every task with its queue wait and run time.
	Debug bool

	// Sinks receive an Event after each committed mutation, on the worker
	// goroutine.
	Sinks []EventSink

	// Registerer, when set, receives the worker's Prometheus collectors.
	Registerer prometheus.Registerer
}

type Stats struct {
	QueueDepth     int
	ProcessedTotal uint64
	FailedTotal    uint64
	OrphanedImages uint64
}

type Store struct {
	db     *sql.DB
	images *imagestore.Store
	log    *log.Logger
	now    func() time.Time
	debug  bool
	sinks  []EventSink

	q    *queue
	exec *Executor
	wg   sync.WaitGroup
	once sync.Once

	metrics *metrics

	processedTotal atomic.Uint64
	failedTotal    atomic.Uint64
	orphanedTotal  atomic.Uint64
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if opts.Images == nil {
		return nil, fmt.Errorf("image store is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer, and this worker is it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[boarddb] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		db:     db,
		images: opts.Images,
		log:    logger,
		now:    now,
		debug:  opts.Debug,
		sinks:  opts.Sinks,
		q:      newQueue(opts.MaxPending),
	}
	s.exec = &Executor{q: s.q}

	if opts.Registerer != nil {
		m, err := newMetrics(opts.Registerer, s)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	s.log.Printf("board database open path=%s images=%s", path, opts.Images.Dir())
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS boards (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			color INTEGER NOT NULL DEFAULT 0
		);`,
		// reply has no foreign key: a deleted target leaves the reply in place
		// and the read-side projection simply comes back empty.
		`CREATE TABLE IF NOT EXISTS posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			image TEXT,
			ip TEXT NOT NULL,
			asn INTEGER,
			mnt TEXT,
			reply INTEGER,
			board INTEGER NOT NULL REFERENCES boards(id),
			time INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_board_time ON posts(board, time);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_image ON posts(image) WHERE image IS NOT NULL;`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Executor returns the shared handle for submitting requests.
func (s *Store) Executor() *Executor { return s.exec }

// Close stops accepting requests, waits for the worker to drain everything
// already queued, then closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.q.close()
		s.wg.Wait()
		err = s.db.Close()
		s.log.Printf("board database closed")
	})
	return err
}

func (s *Store) Stats() Stats {
	return Stats{
		QueueDepth:     s.q.len(),
		ProcessedTotal: s.processedTotal.Load(),
		FailedTotal:    s.failedTotal.Load(),
		OrphanedImages: s.orphanedTotal.Load(),
	}
}

func (s *Store) loop() {
	for {
		t, ok := s.q.pop()
		if !ok {
			return
		}
		s.run(t)
	}
}

func (s *Store) run(t *task) {
	k := t.req.kind()
	start := time.Now()
	value, err := s.dispatch(t.req)
	t.reply <- reply{value: value, err: err}

	took := time.Since(start)
	s.processedTotal.Add(1)
	if err != nil {
		s.failedTotal.Add(1)
	}
	if s.metrics != nil {
		s.metrics.observe(k, took, err)
	}
	if Class(err) == "storage" {
		s.log.Printf("boarddb task=%s err=%v", k, err)
	}
	if s.debug {
		s.log.Printf("boarddb task=%s queued=%s took=%s class=%s", k, start.Sub(t.enqueued), took, Class(err))
	}
}

// dispatch runs the handler registered for req's kind. A panicking handler
// fails only its own request.
func (s *Store) dispatch(req request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = storageErr(req.kind().String(), fmt.Errorf("panic: %v", r))
		}
	}()
	h, ok := handlers[req.kind()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown request kind %d", ErrInvalidInput, req.kind())
	}
	return h(s, req)
}

type handlerFunc func(s *Store, req request) (any, error)

func handle[R request, V any](fn func(*Store, R) (V, error)) handlerFunc {
	return func(s *Store, req request) (any, error) {
		return fn(s, req.(R))
	}
}

var handlers = map[Kind]handlerFunc{
	KindCreatePost:       handle((*Store).createPost),
	KindDeletePost:       handle((*Store).deletePost),
	KindListPostsInRange: handle((*Store).listPostsInRange),
	KindListRecentPosts:  handle((*Store).listRecentPosts),
	KindGetPost:          handle((*Store).getPost),
	KindListBoards:       handle((*Store).listBoards),
	KindGetBoardByName:   handle((*Store).getBoardByName),
	KindCreateBoard:      handle((*Store).createBoard),
	KindUpdateBoard:      handle((*Store).updateBoard),
	KindDeleteBoard:      handle((*Store).deleteBoard),
	KindListImageNames:   handle((*Store).listImageNames),
}

func (s *Store) orphaned(name string, cause error) {
	n := s.orphanedTotal.Add(1)
	s.log.Printf("boarddb orphaned image=%s cause=%v orphaned_total=%d", name, cause, n)
}

func (s *Store) publish(ev Event) {
	for _, sink := range s.sinks {
		if sink != nil {
			sink.Publish(ev)
		}
	}
}
