package protocol

const (
	// Request validation.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrTooLarge     = "E_TOO_LARGE"
	ErrUnauthorized = "E_UNAUTHORIZED"

	// Lookup/state.
	ErrNotFound = "E_NOT_FOUND"
	ErrConflict = "E_CONFLICT"

	// Load shedding.
	ErrRateLimit = "E_RATE_LIMIT"
	ErrBusy      = "E_BUSY"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:   {},
	ErrTooLarge:     {},
	ErrUnauthorized: {},
	ErrNotFound:     {},
	ErrConflict:     {},
	ErrRateLimit:    {},
	ErrBusy:         {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
