package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"zhaba.dev/internal/bbcode"
	"zhaba.dev/internal/config"
	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/persistence/imagestore"
	persistlog "zhaba.dev/internal/persistence/log"
	"zhaba.dev/internal/transport/api"
	"zhaba.dev/internal/transport/feed"
	"zhaba.dev/internal/whois"
)

const (
	imageBase       = "/img"
	shutdownTimeout = 10 * time.Second
	auditBuffer     = 1024
)

func main() {
	configPath := flag.String("config", "", "path to zhaba.yaml (or set ZHABA_CONFIG)")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := run(ctx, cfg, ln, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

// run serves until ctx ends, then stops the HTTP server, drains the board
// database worker and closes the event sinks, in that order.
func run(ctx context.Context, cfg config.Config, ln net.Listener, logger *log.Logger) error {
	renderer, err := bbcode.New(bbcode.Config{AcceptedTags: cfg.BBCodeTags})
	if err != nil {
		return fmt.Errorf("bbcode: %w", err)
	}
	images, err := imagestore.Open(cfg.ImageDir)
	if err != nil {
		return fmt.Errorf("open image dir: %w", err)
	}
	if dir := filepath.Dir(cfg.DB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := feed.NewHub(imageBase, prefixed(logger, "[feed] "))
	sinks := []boarddb.EventSink{hub}
	closers := []func(){hub.Close}

	if cfg.AuditDir != "" {
		audit := persistlog.NewAuditLog(cfg.AuditDir, auditBuffer, prefixed(logger, "[audit] "))
		sinks = append(sinks, audit)
		closers = append(closers, func() {
			if err := audit.Close(); err != nil {
				logger.Printf("audit close: %v", err)
			}
		})
		logger.Printf("audit log dir=%s", cfg.AuditDir)
	}

	mirror, err := buildMirror(cfg.Mirror, images, reg, prefixed(logger, "[mirror] "))
	if err != nil {
		return fmt.Errorf("init mirror: %w", err)
	}
	if mirror != nil {
		sinks = append(sinks, mirror)
		closers = append(closers, mirror.Close)
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	store, err := boarddb.Open(cfg.DB, boarddb.Options{
		Images:     images,
		Logger:     prefixed(logger, "[boarddb] "),
		MaxPending: cfg.MaxPending,
		Debug:      cfg.Debug,
		Sinks:      sinks,
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("open board db: %w", err)
	}
	// Close is idempotent; the deferred call covers early returns.
	defer store.Close()
	exec := store.Executor()

	apiSrv, err := api.New(api.Options{
		Store:             exec,
		Images:            images,
		Renderer:          renderer,
		Whois:             &whois.Client{Server: cfg.WhoisServer, Timeout: cfg.WhoisTimeout},
		Logger:            prefixed(logger, "[api] "),
		Feed:              feed.NewServer(hub, exec, prefixed(logger, "[feed] ")).Handler(),
		Metrics:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Registerer:        reg,
		AdminToken:        cfg.AdminToken,
		TrustForwarded:    cfg.TrustForwarded,
		PageSize:          cfg.PageSize,
		MaxPostLength:     cfg.MaxPostLength,
		MaxUploadSize:     cfg.MaxUploadSize,
		PostRatePerMinute: cfg.PostRatePerMinute,
		PostBurst:         cfg.PostBurst,
		ImageBase:         imageBase,
		Debug:             cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	srv := &http.Server{
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s db=%s images=%s admin=%t mirror=%t",
			ln.Addr(), cfg.DB, cfg.ImageDir, cfg.AdminToken != "", mirror != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
		return nil
	})
	err = g.Wait()

	if cerr := store.Close(); cerr != nil {
		logger.Printf("board db close: %v", cerr)
	}
	st := store.Stats()
	logger.Printf("stopped processed=%d failed=%d orphaned_images=%d", st.ProcessedTotal, st.FailedTotal, st.OrphanedImages)
	return err
}

func prefixed(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
