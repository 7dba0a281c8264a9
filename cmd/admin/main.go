package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"zhaba.dev/internal/config"
	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/persistence/imagestore"
	persistlog "zhaba.dev/internal/persistence/log"
)

// errUsage marks bad invocations; main exits 2 for them.
var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "gensecret":
		err = gensecretCmd(os.Stdout)
	case "db":
		err = dbCmd(args, os.Stdout)
	case "audit":
		err = auditCmd(args, os.Stdout)
	case "sweep":
		err = sweepCmd(args, os.Stdout)
	case "board":
		err = boardCmd(args, os.Stdout)
	case "post":
		err = postCmd(args, os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: admin <command> [flags]

  gensecret                 print a random admin token
  db boards|posts|stats     inspect the board database (read-only)
  audit [-kind K] FILE...   dump audit log entries
  sweep [-apply]            find image files no post references
  board create|update|delete  manage boards through the admin API
  post delete -id N         delete a post through the admin API`)
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func gensecretCmd(out io.Writer) error {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, base64.RawURLEncoding.EncodeToString(buf))
	return err
}

// loadConfig resolves paths from the server's config file so the admin
// commands default to the same database and image directory.
func loadConfig(path string) (config.Config, error) {
	return config.Load(config.Path(path))
}

func auditCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	configPath := fs.String("config", "", "server config (for audit_dir)")
	kind := fs.String("kind", "", "only entries of this kind (post_created, board_deleted, ...)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	files := fs.Args()
	if len(files) == 0 {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		if cfg.AuditDir == "" {
			return usagef("no files given and audit_dir is not configured")
		}
		files, err = filepath.Glob(filepath.Join(cfg.AuditDir, "audit-*.jsonl.zst"))
		if err != nil {
			return err
		}
		sort.Strings(files)
	}

	enc := json.NewEncoder(out)
	for _, f := range files {
		err := persistlog.ReadJSONL(f, func(line []byte) error {
			var e persistlog.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: %w", f, err)
			}
			if *kind != "" && e.Kind != *kind {
				return nil
			}
			return enc.Encode(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type sweepResult struct {
	Orphans []string `json:"orphans"`
	Removed int      `json:"removed"`
	Applied bool     `json:"applied"`
}

// sweepCmd must run while the server is stopped: an upload in flight has its
// file on disk before its row commits.
func sweepCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	configPath := fs.String("config", "", "server config")
	dbPath := fs.String("db", "", "sqlite db path (default: from config)")
	imageDir := fs.String("images", "", "image directory (default: from config)")
	apply := fs.Bool("apply", false, "delete the orphaned files")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	if *dbPath == "" || *imageDir == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		if *dbPath == "" {
			*dbPath = cfg.DB
		}
		if *imageDir == "" {
			*imageDir = cfg.ImageDir
		}
	}
	res, err := sweep(context.Background(), *dbPath, *imageDir, *apply)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func sweep(ctx context.Context, dbPath, imageDir string, apply bool) (sweepResult, error) {
	res := sweepResult{Orphans: []string{}, Applied: apply}
	if _, err := os.Stat(dbPath); err != nil {
		return res, fmt.Errorf("db: %w", err)
	}
	images, err := imagestore.Open(imageDir)
	if err != nil {
		return res, err
	}
	store, err := boarddb.Open(dbPath, boarddb.Options{
		Images: images,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		return res, err
	}
	defer store.Close()

	referenced, err := store.Executor().ListImageNames(ctx)
	if err != nil {
		return res, err
	}
	keep := make(map[string]struct{}, len(referenced))
	for _, n := range referenced {
		keep[n] = struct{}{}
	}
	onDisk, err := images.List()
	if err != nil {
		return res, err
	}
	for _, n := range onDisk {
		if _, ok := keep[n]; ok {
			continue
		}
		res.Orphans = append(res.Orphans, n)
		if !apply {
			continue
		}
		if err := images.Remove(n); err != nil {
			return res, fmt.Errorf("remove %s: %w", n, err)
		}
		res.Removed++
	}
	return res, nil
}
