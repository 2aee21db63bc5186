package conversation

import "errors"

// Sentinel errors for conversation store operations.
var (
	// ErrNotFound indicates the conversation does not exist or is not visible
	// to the requesting organization. Cross-organization access deliberately
	// reports the same error so existence is not leaked.
	ErrNotFound = errors.New("conversation not found")

	// ErrEmptyContent indicates a message with no content was rejected.
	ErrEmptyContent = errors.New("message content is empty")
)
