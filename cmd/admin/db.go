package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// dbCmd reads the board database directly, without the server's worker, so it
// is safe to run next to a live server.
func dbCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	configPath := fs.String("config", "", "server config (for db path)")
	dbPath := fs.String("db", "", "sqlite db path (default: from config)")
	board := fs.String("board", "", "board name filter (posts)")
	limit := fs.Int("limit", 20, "result limit (posts)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	q := "boards"
	if fs.NArg() > 0 {
		q = fs.Arg(0)
	}

	path := *dbPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		path = cfg.DB
	}

	db, err := openReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()

	enc := json.NewEncoder(out)
	switch q {
	case "boards":
		rows, err := db.Query(`SELECT b.id, b.name, b.description, b.color,
			(SELECT COUNT(*) FROM posts p WHERE p.board = b.id)
			FROM boards b ORDER BY b.id`)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID          int64  `json:"id"`
				Name        string `json:"name"`
				Description string `json:"description"`
				Color       string `json:"color"`
				Posts       int64  `json:"posts"`
			}
			var color int64
			if err := rows.Scan(&r.ID, &r.Name, &r.Description, &color, &r.Posts); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Color = fmt.Sprintf("#%06x", color)
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return rows.Err()

	case "posts":
		if *limit <= 0 {
			*limit = 20
		}
		rows, err := db.Query(`SELECT p.id, b.name, p.content, p.image, p.ip, p.asn, p.mnt, p.reply, p.time
			FROM posts p JOIN boards b ON b.id = p.board
			WHERE ? = '' OR b.name = ?
			ORDER BY p.time DESC, p.id DESC LIMIT ?`, *board, *board, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID      int64  `json:"id"`
				Board   string `json:"board"`
				Content string `json:"content"`
				Image   string `json:"image,omitempty"`
				IP      string `json:"ip"`
				ASN     int64  `json:"asn,omitempty"`
				Mnt     string `json:"mnt,omitempty"`
				Reply   int64  `json:"reply,omitempty"`
				Time    string `json:"time"`
			}
			var (
				image, mnt sql.NullString
				asn, reply sql.NullInt64
				ts         int64
			)
			if err := rows.Scan(&r.ID, &r.Board, &r.Content, &image, &r.IP, &asn, &mnt, &reply, &ts); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Image, r.Mnt = image.String, mnt.String
			r.ASN, r.Reply = asn.Int64, reply.Int64
			// raw value is printed even when out of range for the server
			r.Time = time.Unix(ts, 0).UTC().Format(time.RFC3339)
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return rows.Err()

	case "stats":
		var r struct {
			Boards int64 `json:"boards"`
			Posts  int64 `json:"posts"`
			Images int64 `json:"images"`
		}
		row := db.QueryRow(`SELECT (SELECT COUNT(*) FROM boards), (SELECT COUNT(*) FROM posts),
			(SELECT COUNT(*) FROM posts WHERE image IS NOT NULL)`)
		if err := row.Scan(&r.Boards, &r.Posts, &r.Images); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		return enc.Encode(r)
	}
	return usagef("unknown db query %q (want boards, posts or stats)", q)
}

func openReadOnly(path string) (*sql.DB, error) {
	u := url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}
