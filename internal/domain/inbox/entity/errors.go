package entity

import "errors"

// Domain errors for conversations and messages
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrMessageTooLong       = errors.New("message text exceeds maximum length")
	ErrMediaRequired        = errors.New("media url is required")
	ErrUnknownAccount       = errors.New("no active account for webhook recipient")
)
