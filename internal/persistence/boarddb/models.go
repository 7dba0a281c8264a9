package boarddb

import (
	"time"

	"zhaba.dev/internal/persistence/imagestore"
	"zhaba.dev/internal/whois"
)

// MaxColor is the largest 24-bit RGB value a board color may hold.
const MaxColor = 0xFFFFFF

type Board struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       uint32 `json:"color"`
}

type NewBoard struct {
	Name        string
	Description string
	Color       uint32
}

// ReplyTo describes the post being replied to, resolved at read time.
type ReplyTo struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	BoardID   int64     `json:"board_id"`
	BoardName string    `json:"board_name"`
}

type Post struct {
	ID      int64         `json:"id"`
	Board   int64         `json:"board"`
	Content string        `json:"content"`
	Image   *string       `json:"image"`
	IP      string        `json:"ip"`
	Whois   *whois.Result `json:"whois"`
	Reply   *int64        `json:"reply"`
	Time    time.Time     `json:"time"`
	ReplyTo *ReplyTo      `json:"reply_to"`
}

// ImageUpload is an attachment to be written alongside a new post.
type ImageUpload struct {
	Name string
	Data []byte
}

// PrepareImage sniffs data and assigns it a fresh store name. It returns
// (nil, nil) for an empty payload.
func PrepareImage(data []byte) (*ImageUpload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	ext := imagestore.Sniff(data)
	if ext == "" {
		return nil, ErrUnsupportedImage
	}
	name, err := imagestore.NewName(ext)
	if err != nil {
		return nil, err
	}
	return &ImageUpload{Name: name, Data: data}, nil
}

type NewPost struct {
	// Board is the board name (routing slug).
	Board   string
	Content string
	IP      string
	Whois   *whois.Result
	Reply   *int64
	Image   *ImageUpload
}
