package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeSessionEmptyCampaignID Code = "SESSION_EMPTY_CAMPAIGN_ID"
	CodeActionEmptyText        Code = "ACTION_EMPTY_TEXT"
	CodeActionEmptyPlayerID    Code = "ACTION_EMPTY_PLAYER_ID"
	CodePlayerNotInCampaign    Code = "PLAYER_NOT_IN_CAMPAIGN"
	CodeSessionEnded           Code = "SESSION_ENDED"

	// Token errors
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"

	// Roll state machine errors
	CodeRollAlreadyPending Code = "ROLL_ALREADY_PENDING"
	CodeRollNotPending     Code = "ROLL_NOT_PENDING"

	// Storage errors
	CodeNotFound                Code = "NOT_FOUND"
	CodeSnapshotVersionConflict Code = "SNAPSHOT_VERSION_CONFLICT"
	CodeSegmentAlreadyTriggered Code = "SEGMENT_ALREADY_TRIGGERED"

	// Graph errors
	CodeGraphQueryFailed Code = "GRAPH_QUERY_FAILED"
	CodeGraphUnknownNode Code = "GRAPH_UNKNOWN_NODE"

	// Generation boundary errors
	CodeGenerationFailed   Code = "GENERATION_FAILED"
	CodeGenerationTimedOut Code = "GENERATION_TIMED_OUT"
)

// WireCode maps domain codes to the coded error envelope sent to room clients.
func (c Code) WireCode() string {
	switch c {
	case CodeSessionEmptyCampaignID,
		CodeActionEmptyText,
		CodeActionEmptyPlayerID:
		return "INVALID_ARGUMENT"
	case CodePlayerNotInCampaign,
		CodeTokenInvalid,
		CodeTokenExpired:
		return "FORBIDDEN"
	case CodeRollAlreadyPending,
		CodeRollNotPending,
		CodeSessionEnded,
		CodeSegmentAlreadyTriggered,
		CodeSnapshotVersionConflict:
		return "FAILED_PRECONDITION"
	case CodeNotFound, CodeGraphUnknownNode:
		return "NOT_FOUND"
	case CodeGraphQueryFailed, CodeGenerationFailed, CodeGenerationTimedOut:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether callers may retry the failed operation as-is.
func (c Code) Retryable() bool {
	switch c {
	case CodeGraphQueryFailed, CodeSnapshotVersionConflict, CodeGenerationTimedOut:
		return true
	default:
		return false
	}
}
