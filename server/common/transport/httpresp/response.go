package httpresp

const (
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
	ErrReminderNotActive  = "reminder is not the active popup"
	ErrCompleteFailed     = "could not complete reminder, try again"
	ErrTitleRequired      = "title is required"
)

// NoticeRefreshFailed is the soft advisory used when a background sync
// fails and the cached view is served instead.
const NoticeRefreshFailed = "couldn't refresh, showing last known data"

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type IDResponse struct {
	ID string `json:"id"`
}

// NoticeResponse acknowledges an operation with a human-readable notice,
// e.g. reminder completion (including the already-completed race, which is
// reported as success).
type NoticeResponse struct {
	OK     bool   `json:"ok"`
	Notice string `json:"notice,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewIDResponse(id string) IDResponse {
	return IDResponse{ID: id}
}

func NewNoticeResponse(notice string) NoticeResponse {
	return NoticeResponse{OK: true, Notice: notice}
}
