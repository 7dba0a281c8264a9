package boarddb

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrClosed is returned for requests submitted after Close.
	ErrClosed = errors.New("board database closed")
	// ErrBusy is returned when a bounded intake queue is full.
	ErrBusy = errors.New("board database busy")

	ErrBoardNotFound = errors.New("board not found")
	ErrReplyNotFound = errors.New("reply target not found")

	// ErrBoardExists reports a duplicate board name.
	ErrBoardExists = errors.New("board name already exists")
	// ErrBoardNotEmpty reports a board delete blocked by its posts.
	ErrBoardNotEmpty = errors.New("board still has posts")
	// ErrImageExists reports an image name collision in the image store.
	ErrImageExists = errors.New("image name already taken")

	ErrInvalidInput     = errors.New("invalid input")
	ErrUnsupportedImage = errors.New("image format not supported or invalid image")
	ErrInvalidTimestamp = errors.New("timestamp out of range")

	// ErrStorage matches every backend failure (I/O, decode, unexpected
	// constraint) via errors.Is.
	ErrStorage = errors.New("storage failure")
)

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func sqliteCode(err error) (int, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code(), true
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

func isForeignKeyViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

// Class buckets an error returned by the Executor. It is used for metrics
// labels and by transports that map failures onto status codes.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBoardNotFound), errors.Is(err, ErrReplyNotFound):
		return "not_found"
	case errors.Is(err, ErrBoardExists), errors.Is(err, ErrBoardNotEmpty), errors.Is(err, ErrImageExists):
		return "conflict"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedImage):
		return "invalid"
	case errors.Is(err, ErrBusy), errors.Is(err, ErrClosed):
		return "unavailable"
	default:
		return "storage"
	}
}
