// Package protocol defines the JSON shapes served by the HTTP API and the live
// feed. The matching JSON Schemas live in schemas/ at the repository root.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"zhaba.dev/internal/persistence/boarddb"
)

const Version = "1"

// Feed message types.
const (
	TypeHello       = "HELLO"
	TypePostCreated = "POST_CREATED"
	TypePostDeleted = "POST_DELETED"
	TypeBoardClosed = "BOARD_CLOSED"
)

type Board struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type Whois struct {
	ASN uint32 `json:"asn"`
	Mnt string `json:"mnt"`
}

type ReplyTo struct {
	ID        int64  `json:"id"`
	Time      string `json:"time"`
	BoardID   int64  `json:"board_id"`
	BoardName string `json:"board_name"`
}

// Post is the public view of a post. The poster's address is not exposed.
type Post struct {
	ID       int64    `json:"id"`
	Board    int64    `json:"board"`
	Content  string   `json:"content"`
	Image    string   `json:"image,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Whois    *Whois   `json:"whois,omitempty"`
	Reply    *int64   `json:"reply,omitempty"`
	Time     string   `json:"time"`
	ReplyTo  *ReplyTo `json:"reply_to,omitempty"`
}

type BoardList struct {
	Boards []Board `json:"boards"`
}

type BoardPage struct {
	Board Board  `json:"board"`
	Posts []Post `json:"posts"`
	// Start and End echo the requested day range, if any.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// BoardRequest is the admin create/update body.
type BoardRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error     Error  `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// FeedMessage is one websocket frame of the live board feed.
type FeedMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
	Board           string `json:"board"`
	Time            string `json:"time"`
	Post            *Post  `json:"post,omitempty"`
	PostID          int64  `json:"post_id,omitempty"`
}

func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// FormatColor renders a 24-bit color as #rrggbb.
func FormatColor(c uint32) string { return fmt.Sprintf("#%06x", c&boarddb.MaxColor) }

// ParseColor accepts #rrggbb or rrggbb; empty means black.
func ParseColor(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return 0, nil
	}
	if len(s) != 6 {
		return 0, fmt.Errorf("color %q: want 6 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	return uint32(v), nil
}

func FromBoard(b boarddb.Board) Board {
	return Board{ID: b.ID, Name: b.Name, Description: b.Description, Color: FormatColor(b.Color)}
}

func FromBoards(bs []boarddb.Board) []Board {
	out := make([]Board, 0, len(bs))
	for _, b := range bs {
		out = append(out, FromBoard(b))
	}
	return out
}

// FromPost converts a stored post. imageBase prefixes the image URL.
func FromPost(p boarddb.Post, imageBase string) Post {
	out := Post{
		ID:      p.ID,
		Board:   p.Board,
		Content: p.Content,
		Reply:   p.Reply,
		Time:    FormatTime(p.Time),
	}
	if p.Image != nil {
		out.Image = *p.Image
		out.ImageURL = strings.TrimRight(imageBase, "/") + "/" + *p.Image
	}
	if p.Whois != nil {
		out.Whois = &Whois{ASN: p.Whois.ASN, Mnt: p.Whois.Mnt}
	}
	if rt := p.ReplyTo; rt != nil {
		out.ReplyTo = &ReplyTo{ID: rt.ID, Time: FormatTime(rt.Time), BoardID: rt.BoardID, BoardName: rt.BoardName}
	}
	return out
}

func FromPosts(ps []boarddb.Post, imageBase string) []Post {
	out := make([]Post, 0, len(ps))
	for _, p := range ps {
		out = append(out, FromPost(p, imageBase))
	}
	return out
}
