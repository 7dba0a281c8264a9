package boarddb

import (
	"database/sql"
	"fmt"
	"time"

	"zhaba.dev/internal/whois"
)

var (
	minTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// decodeTime converts stored seconds into a UTC time. Values outside years
// 1..9999 are rejected rather than clamped.
func decodeTime(sec int64) (time.Time, error) {
	if sec < minTime || sec > maxTime {
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidTimestamp, sec)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func encodeTime(t time.Time) int64 { return t.Unix() }

type rowScanner interface {
	Scan(dest ...any) error
}

// postColumns matches scanPost; the reply target and its board are outer
// joined as r and rb.
const postColumns = `p.id, p.board, p.content, p.image, p.ip, p.asn, p.mnt, p.reply, p.time,
	r.id, r.time, rb.id, rb.name`

const postFrom = `FROM posts p
	LEFT JOIN posts r ON r.id = p.reply
	LEFT JOIN boards rb ON rb.id = r.board`

func scanPost(row rowScanner) (Post, error) {
	var (
		p        Post
		image    sql.NullString
		asn      sql.NullInt64
		mnt      sql.NullString
		reply    sql.NullInt64
		ts       int64
		rID      sql.NullInt64
		rTime    sql.NullInt64
		rBoard   sql.NullInt64
		rBoardNm sql.NullString
	)
	if err := row.Scan(
		&p.ID, &p.Board, &p.Content, &image, &p.IP, &asn, &mnt, &reply, &ts,
		&rID, &rTime, &rBoard, &rBoardNm,
	); err != nil {
		return Post{}, err
	}

	t, err := decodeTime(ts)
	if err != nil {
		return Post{}, fmt.Errorf("post %d: %w", p.ID, err)
	}
	p.Time = t

	if image.Valid {
		v := image.String
		p.Image = &v
	}
	if asn.Valid && mnt.Valid {
		if asn.Int64 < 0 || asn.Int64 > int64(^uint32(0)) {
			return Post{}, fmt.Errorf("post %d: asn %d out of range", p.ID, asn.Int64)
		}
		p.Whois = &whois.Result{ASN: uint32(asn.Int64), Mnt: mnt.String}
	}
	if reply.Valid {
		v := reply.Int64
		p.Reply = &v
	}
	if rID.Valid && rTime.Valid && rBoard.Valid && rBoardNm.Valid {
		rt, err := decodeTime(rTime.Int64)
		if err != nil {
			return Post{}, fmt.Errorf("post %d reply target %d: %w", p.ID, rID.Int64, err)
		}
		p.ReplyTo = &ReplyTo{
			ID:        rID.Int64,
			Time:      rt,
			BoardID:   rBoard.Int64,
			BoardName: rBoardNm.String,
		}
	}
	return p, nil
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	defer rows.Close()
	posts := []Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func scanBoard(row rowScanner) (Board, error) {
	var (
		b     Board
		color int64
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Description, &color); err != nil {
		return Board{}, err
	}
	if color < 0 || color > MaxColor {
		return Board{}, fmt.Errorf("board %d: color %d out of range", b.ID, color)
	}
	b.Color = uint32(color)
	return b, nil
}
