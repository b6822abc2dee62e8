package entity

import "errors"

// Domain errors for connected accounts and OAuth grants
var (
	ErrAccountNotFound  = errors.New("connected account not found")
	ErrNotConnected     = errors.New("channel is not connected")
	ErrStateExpired     = errors.New("oauth state expired")
	ErrStateInvalid     = errors.New("oauth state invalid")
	ErrNoSendableID     = errors.New("no sendable resource id could be resolved")
	ErrGrantDenied      = errors.New("oauth grant was denied")
	ErrTokenUnavailable = errors.New("no usable access token for account")
)
