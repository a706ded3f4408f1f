package chat

import "errors"

// Error taxonomy surfaced by the directory, the message accessor and the chat
// view. Lower layers wrap these with context; callers match with errors.Is.
var (
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrInvalidContent      = errors.New("invalid content")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrRateLimited         = errors.New("rate limited")
)

// Stable codes for the taxonomy, used on the wire and as metric labels.
const (
	KindInvalidParticipants = "invalid_participants"
	KindInvalidContent      = "invalid_content"
	KindUnauthorized        = "unauthorized"
	KindNotFound            = "not_found"
	KindStorageUnavailable  = "storage_unavailable"
	KindRateLimited         = "rate_limited"
	KindUnknown             = "unknown"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidParticipants, KindInvalidParticipants},
	{ErrInvalidContent, KindInvalidContent},
	{ErrUnauthorized, KindUnauthorized},
	{ErrNotFound, KindNotFound},
	{ErrStorageUnavailable, KindStorageUnavailable},
	{ErrRateLimited, KindRateLimited},
}

// KindOf maps err to its taxonomy code, or KindUnknown.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying for idempotent reads.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
