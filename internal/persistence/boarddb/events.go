package boarddb

import "time"

type EventKind string

const (
	EventPostCreated  EventKind = "post_created"
	EventPostDeleted  EventKind = "post_deleted"
	EventBoardCreated EventKind = "board_created"
	EventBoardUpdated EventKind = "board_updated"
	EventBoardDeleted EventKind = "board_deleted"
)

// Event describes a committed mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	BoardID   int64     `json:"board_id,omitempty"`
	BoardName string    `json:"board_name,omitempty"`
	PostID    int64     `json:"post_id,omitempty"`
	Image     string    `json:"image,omitempty"`

	Post  *Post  `json:"post,omitempty"`
	Board *Board `json:"board,omitempty"`
}

// EventSink is called on the worker goroutine; implementations must hand the
// event off quickly.
type EventSink interface {
	Publish(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }
