package core

import "errors"

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrUnauthorized   = errors.New("command not authorized")
	ErrInvariant      = errors.New("invariant violated")
	ErrNoExecutor     = errors.New("no liquidation executor configured")
	ErrUnknownCommand = errors.New("unknown command type")
)
