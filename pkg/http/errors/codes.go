package errors

// Error codes for standardized error responses and WebSocket error events.
const (
	// Validation errors
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeInvalidPayload   = "invalid_payload"
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeWrongPhase       = "wrong_phase"
	ErrCodeNotActivePlayer  = "not_active_player"
	ErrCodeNotIGL           = "not_igl"

	// Resource errors
	ErrCodeNotFound       = "not_found"
	ErrCodeMatchNotFound  = "match_not_found"
	ErrCodePlayerNotFound = "player_not_found"
	ErrCodeAlreadyExists  = "already_exists"

	// Match errors
	ErrCodeMatchCreationFailed = "match_creation_failed"
	ErrCodeInvalidMatchID      = "invalid_match_id"
	ErrCodeSubmitFailed        = "submit_failed"
	ErrCodeAbilityUnavailable  = "ability_unavailable"
	ErrCodeNoTimeoutsLeft      = "no_timeouts_left"
	ErrCodeVoteInProgress      = "vote_in_progress"
	ErrCodeNoVoteInProgress    = "no_vote_in_progress"

	// Queue errors
	ErrCodeEnqueueFailed = "enqueue_failed"
	ErrCodeNotInQueue    = "not_in_queue"

	// Auth / token errors
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeInvalidToken = "invalid_token"

	// WebSocket errors
	ErrCodeUnknownMessageType = "unknown_message_type"
	ErrCodeConnectionError    = "connection_error"

	// Server errors
	ErrCodeInternalError    = "internal_error"
	ErrCodeStoreUnavailable = "store_unavailable"
)
