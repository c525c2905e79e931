package handlers

// Error codes of the error envelope. Clients branch on these, not on
// messages. The middleware writes "unauthorized", "forbidden",
// "too_many_requests" and "internal_error" with the same envelope.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
	ErrCodeUnavailable      = "storage_unavailable"

	ErrCodeInvalidUser     = "invalid_user"
	ErrCodeInvalidField    = "invalid_field"
	ErrCodeListFailed      = "list_failed"
	ErrCodeSchedulerFailed = "scheduler_failed"
)
